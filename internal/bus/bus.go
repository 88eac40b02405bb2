// Package bus moves packed virtio-msg messages between a device endpoint
// and a driver endpoint. An Endpoint pairs a carrier (shared-memory over
// VFIO, or host-local over a unix socket) with the port installed by the
// owning proxy, and adds the pieces every carrier shares: the synchronous
// request/response path, the out-of-order queue that keeps asynchronous
// events from being delivered inside a response poll, and the optional
// software-IOMMU hooks.
//
// All endpoint operations are expected to run on the host event loop or
// under the host framework's own serialization, as with any other bus of
// the device model; the endpoint does not lock internally.
package bus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wmamills/virtiomsg/internal/hv"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// Port is the peer-facing callback table a proxy installs on its
// endpoint. Immutable after Connect.
type Port struct {
	// Receive handles one incoming message. Returning
	// ErrUnsupportedMessageID makes the endpoint answer the peer with a
	// wire error response.
	Receive func(ep *Endpoint, msg *vmsg.Msg) error

	// IsDriver selects the ring directions: a driver endpoint sends on
	// the driver ring and receives on the device ring.
	IsDriver bool
}

// oooDepth bounds the number of events parked while a response is
// awaited.
const oooDepth = 128

// oooQueue parks asynchronous events that arrive on a response-polling
// path. FIFO; drained at the next processing point.
type oooQueue struct {
	msgs [oooDepth]vmsg.Msg
	num  int
	pos  int
}

func (q *oooQueue) enqueue(msg *vmsg.Msg) error {
	if q.num >= len(q.msgs) {
		return ErrRingOverflow
	}
	q.msgs[q.num] = *msg
	q.num++
	return nil
}

// Carrier moves packed messages between the two endpoints of one bus.
type Carrier interface {
	// Send ships req. With resp non-nil it polls for the matching
	// response, handing any stray message to the endpoint's
	// out-of-order path.
	Send(ep *Endpoint, req, resp *vmsg.Msg) error

	// Process drains the receive ring, dispatching each message.
	Process(ep *Endpoint) error

	// RemoteAddressSpace returns a view into the peer's memory, or nil
	// when the carrier exposes none.
	RemoteAddressSpace() *hv.RemoteAddressSpace

	// IOMMUTranslate resolves a guest VA using the carrier's local
	// strategy. Carriers without one return ErrTranslationFailed.
	IOMMUTranslate(ep *Endpoint, va uint64, prot uint8) (IOMMUTLBEntry, error)

	Close() error
}

// Endpoint is one end of a virtio-msg bus.
type Endpoint struct {
	carrier Carrier

	port   *Port
	opaque any

	ooo oooQueue

	pagemap *pagemapTranslator

	onNotify func()

	closed bool
	trace  bool
}

// NewEndpoint wraps a carrier. The endpoint is unconnected until a proxy
// installs its port.
func NewEndpoint(carrier Carrier) *Endpoint {
	return &Endpoint{carrier: carrier}
}

// Connect installs the port. It returns false when no carrier is
// attached. Reinstalling the same port is a no-op.
func (ep *Endpoint) Connect(port *Port, opaque any) bool {
	if ep == nil || ep.carrier == nil {
		return false
	}
	if ep.port == port {
		return true
	}
	ep.port = port
	ep.opaque = opaque
	return true
}

// Connected reports whether a port is installed.
func (ep *Endpoint) Connected() bool {
	return ep != nil && ep.port != nil
}

// Opaque returns the value registered at Connect time.
func (ep *Endpoint) Opaque() any {
	return ep.opaque
}

// Port returns the installed port, or nil.
func (ep *Endpoint) Port() *Port {
	return ep.port
}

// Carrier returns the endpoint's carrier; callers use it to reach
// carrier-specific surfaces such as the ivshmem interrupt loop.
func (ep *Endpoint) Carrier() Carrier {
	return ep.carrier
}

// SetTrace enables per-message debug logging.
func (ep *Endpoint) SetTrace(on bool) {
	ep.trace = on
}

// SetNotifyHandler routes carrier notifications (doorbell interrupts,
// chardev pokes) to fn instead of processing inline. Owners that
// serialize endpoint access install a handler that re-enters Process
// under their own lock; without one, notifications drain the ring on
// the carrier's notification goroutine.
func (ep *Endpoint) SetNotifyHandler(fn func()) {
	ep.onNotify = fn
}

// notified is called by carriers when the peer signals. It hands off to
// the installed handler or drains inline.
func (ep *Endpoint) notified() {
	if ep.onNotify != nil {
		ep.onNotify()
		return
	}
	if err := ep.Process(); err != nil && err != ErrCarrierClosed {
		slog.Error("virtio-msg-bus: process on notify", "err", err)
	}
}

// Send ships req. With resp non-nil, Send blocks (bounded) until the
// matching response arrives; stray events received meanwhile are parked
// in the out-of-order queue and delivered on the next Process call.
func (ep *Endpoint) Send(req, resp *vmsg.Msg) error {
	if ep.closed {
		return ErrCarrierClosed
	}
	if ep.trace {
		slog.Debug("virtio-msg-bus: send", "msg", req.String(), "want_resp", resp != nil)
	}
	err := ep.carrier.Send(ep, req, resp)
	if err != nil {
		// A timed-out or overflowed endpoint cannot be trusted to stay
		// in sync with its peer; isolate it.
		if errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrRingOverflow) {
			ep.closed = true
		}
		return err
	}
	if resp != nil && ep.trace {
		slog.Debug("virtio-msg-bus: recv", "msg", resp.String())
	}
	return nil
}

// Process delivers all pending messages: first the parked out-of-order
// events in arrival order, then everything in the receive ring.
func (ep *Endpoint) Process() error {
	if ep.closed {
		return ErrCarrierClosed
	}
	if err := ep.oooProcess(); err != nil {
		return err
	}
	return ep.carrier.Process(ep)
}

// oooProcess drains the parked events.
func (ep *Endpoint) oooProcess() error {
	for ep.ooo.pos < ep.ooo.num {
		pos := ep.ooo.pos
		ep.ooo.pos++
		if err := ep.Dispatch(&ep.ooo.msgs[pos]); err != nil {
			return err
		}
	}
	ep.ooo.num = 0
	ep.ooo.pos = 0
	return nil
}

// OOOReceive files a message that arrived while a response was being
// awaited. Events are parked: delivering them inline could trigger
// recursive requests from a polling sender. Anything else is handed to
// the receiver logic directly. Carriers call this from their response
// polls.
func (ep *Endpoint) OOOReceive(msg *vmsg.Msg) error {
	if vmsg.IsEvent(msg.ID) {
		if err := ep.ooo.enqueue(msg); err != nil {
			ep.closed = true
			return fmt.Errorf("virtio-msg-bus: parking %s: %w", vmsg.IDName(msg.ID), err)
		}
		return nil
	}
	return ep.Dispatch(msg)
}

// Dispatch hands one message to the port. A handler reporting an
// unsupported id is answered with a wire error response so the peer's
// bounded response wait can fail fast. Carriers call this from their
// receive drains.
func (ep *Endpoint) Dispatch(msg *vmsg.Msg) error {
	if ep.port == nil || ep.port.Receive == nil {
		// Nothing connected to this endpoint yet; drop.
		return nil
	}
	if ep.trace {
		slog.Debug("virtio-msg-bus: dispatch", "msg", msg.String())
	}

	err := ep.port.Receive(ep, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnsupportedMessageID) && !msg.IsResponse() {
		slog.Warn("virtio-msg-bus: unsupported message",
			"id", vmsg.IDName(msg.ID), "type", msg.Type, "dev_id", msg.DevID,
			"payload", fmt.Sprintf("%x", msg.Payload[:32]))
		var errResp vmsg.Msg
		vmsg.PackErrorResp(&errResp, msg, vmsg.VIRTIO_MSG_ERROR_UNSUPPORTED_MESSAGE_ID)
		return ep.carrier.Send(ep, &errResp, nil)
	}
	return err
}

// RemoteAddressSpace returns the carrier's view into the peer's memory,
// or nil.
func (ep *Endpoint) RemoteAddressSpace() *hv.RemoteAddressSpace {
	return ep.carrier.RemoteAddressSpace()
}

// IOMMUTranslate resolves a guest VA through the carrier's translator.
func (ep *Endpoint) IOMMUTranslate(va uint64, prot uint8) (IOMMUTLBEntry, error) {
	return ep.carrier.IOMMUTranslate(ep, va, prot)
}

// Closed reports whether the endpoint has been isolated.
func (ep *Endpoint) Closed() bool {
	return ep.closed
}

// Close shuts the carrier down. Further operations fail with
// ErrCarrierClosed.
func (ep *Endpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true
	var err error
	if ep.carrier != nil {
		err = ep.carrier.Close()
	}
	if ep.pagemap != nil {
		ep.pagemap.Close()
		ep.pagemap = nil
	}
	return err
}
