package bus

import (
	"fmt"
	"runtime"
	"time"

	"github.com/wmamills/virtiomsg/internal/spsc"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// Send backoff policy: up to sendPollLimit polls; the first
// sendSpinPolls spin without sleeping, after which each poll i sleeps
// i/sendSpinPolls microseconds.
const (
	sendPollLimit = 1024
	sendSpinPolls = 128
)

// spscPair is the ring plumbing shared by both carriers: one ring
// written by the driver endpoint, one written by the device endpoint.
// Each endpoint sends on its own ring and receives on the peer's.
type spscPair struct {
	driver *spsc.Queue
	device *spsc.Queue
}

func (p *spscPair) txRing(ep *Endpoint) *spsc.Queue {
	if ep.port != nil && ep.port.IsDriver {
		return p.driver
	}
	return p.device
}

func (p *spscPair) rxRing(ep *Endpoint) *spsc.Queue {
	if ep.port != nil && ep.port.IsDriver {
		return p.device
	}
	return p.driver
}

// send ships req on the endpoint's transmit ring, rings the carrier's
// doorbell, and optionally polls for the matching response. Messages
// that arrive during the poll but do not match are filed with the
// endpoint's out-of-order path, preserving their mutual order.
func (p *spscPair) send(ep *Endpoint, req, resp *vmsg.Msg, notify func() error) error {
	var wire [vmsg.Size]byte
	req.Encode(wire[:])

	tx := p.txRing(ep)
	for i := 0; !tx.TryEnqueue(wire[:]); i++ {
		if i >= sendPollLimit {
			return fmt.Errorf("virtio-msg-bus: no ring space for %s within %d polls: %w",
				vmsg.IDName(req.ID), sendPollLimit, ErrTransportTimeout)
		}
		if i >= sendSpinPolls {
			time.Sleep(time.Duration(i/sendSpinPolls) * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
	if err := notify(); err != nil {
		return err
	}

	if resp == nil {
		return nil
	}

	rx := p.rxRing(ep)
	for i := 0; i < sendPollLimit; i++ {
		if !rx.TryDequeue(wire[:]) {
			if i >= sendSpinPolls {
				time.Sleep(time.Duration(i/sendSpinPolls) * time.Microsecond)
			}
			continue
		}

		if err := resp.UnmarshalBinary(wire[:]); err != nil {
			return err
		}
		if vmsg.IsResponseFor(req, resp) {
			return nil
		}
		// Not our response; let the virtio-msg stack handle it.
		if err := ep.OOOReceive(resp); err != nil {
			return err
		}
	}

	return fmt.Errorf("virtio-msg-bus: no response to %s within %d polls: %w",
		vmsg.IDName(req.ID), sendPollLimit, ErrTransportTimeout)
}

// process drains the endpoint's receive ring to empty, dispatching each
// message. Draining to empty is what makes a lost doorbell harmless.
func (p *spscPair) process(ep *Endpoint) error {
	var wire [vmsg.Size]byte
	rx := p.rxRing(ep)
	for rx.TryDequeue(wire[:]) {
		var msg vmsg.Msg
		if err := msg.UnmarshalBinary(wire[:]); err != nil {
			return err
		}
		if err := ep.Dispatch(&msg); err != nil {
			return err
		}
	}
	return nil
}
