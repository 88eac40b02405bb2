package virtio

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/wmamills/virtiomsg/internal/hv"
)

// Entropy is a virtio-rng device: a single request queue whose buffers
// are filled with random bytes. It is the in-tree demo device used by
// cmd/vmsg-device and the proxy tests to exercise the full serving path.
type Entropy struct {
	transport Transport
	mem       hv.GuestMemory

	status        uint32
	hostFeatures  uint64
	guestFeatures uint64
	queue         *VirtQueue
}

// NewEntropy creates the device. Features beyond VERSION_1 are none;
// entropy devices have no configuration space.
func NewEntropy() *Entropy {
	return &Entropy{
		hostFeatures: VIRTIO_F_VERSION_1,
		queue:        &VirtQueue{MaxSize: 64},
	}
}

// DeviceID implements Device.
func (e *Entropy) DeviceID() uint16 {
	return VIRTIO_ID_ENTROPY
}

// Attach implements Device.
func (e *Entropy) Attach(t Transport, mem hv.GuestMemory) {
	e.transport = t
	e.mem = mem
	e.queue.mem = mem
}

// GetFeatures implements Device.
func (e *Entropy) GetFeatures(index uint32) uint64 {
	if index != 0 {
		return 0
	}
	return e.hostFeatures
}

// SetFeatures implements Device.
func (e *Entropy) SetFeatures(index uint32, features uint64) error {
	if index != 0 {
		return nil
	}
	if features&^e.hostFeatures != 0 {
		return fmt.Errorf("virtio-rng: driver negotiated unknown features %#x", features&^e.hostFeatures)
	}
	e.guestFeatures = features
	return nil
}

// Status implements Device.
func (e *Entropy) Status() uint32 {
	return e.status
}

// SetStatus implements Device.
func (e *Entropy) SetStatus(status uint32) error {
	e.status = status
	if status == 0 {
		e.Reset()
	}
	return nil
}

// ConfigGeneration implements Device.
func (e *Entropy) ConfigGeneration() uint32 {
	return 0
}

// ReadConfig implements Device. Entropy devices have no config space.
func (e *Entropy) ReadConfig(offset uint32, size int) (uint64, error) {
	return 0, nil
}

// WriteConfig implements Device.
func (e *Entropy) WriteConfig(offset uint32, size int, data uint64) error {
	return nil
}

// QueueMax implements Device.
func (e *Entropy) QueueMax(index uint32) uint32 {
	if index != 0 {
		return 0
	}
	return uint32(e.queue.MaxSize)
}

// SetQueue implements Device.
func (e *Entropy) SetQueue(index, size uint32, descAddr, driverAddr, deviceAddr uint64) error {
	if index != 0 {
		return fmt.Errorf("virtio-rng: no queue %d", index)
	}
	return e.queue.Configure(uint16(size), descAddr, driverAddr, deviceAddr)
}

// ResetQueue implements Device.
func (e *Entropy) ResetQueue(index uint32) error {
	if index != 0 {
		return fmt.Errorf("virtio-rng: no queue %d", index)
	}
	e.queue.Reset()
	return nil
}

// NotifyQueue implements Device: drain the request queue, filling every
// device-writable buffer with random bytes.
func (e *Entropy) NotifyQueue(index uint32) error {
	if index != 0 {
		return fmt.Errorf("virtio-rng: no queue %d", index)
	}

	served := false
	for {
		head, ok, err := e.queue.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		chain, err := e.queue.ReadDescriptorChain(head)
		if err != nil {
			return err
		}

		var written uint32
		for _, p := range chain {
			if !p.IsWrite || p.Length == 0 {
				continue
			}
			buf := make([]byte, p.Length)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("virtio-rng: %w", err)
			}
			if err := e.queue.WriteGuest(p.Addr, buf); err != nil {
				return err
			}
			written += p.Length
		}

		if err := e.queue.PutUsedBuffer(head, written); err != nil {
			return err
		}
		served = true
	}

	if served && e.transport != nil {
		return e.transport.NotifyQueue(0)
	}
	return nil
}

// Reset implements Device.
func (e *Entropy) Reset() {
	if e.status != 0 {
		slog.Debug("virtio-rng: reset")
	}
	e.status = 0
	e.guestFeatures = 0
	e.queue.Reset()
}

var _ Device = (*Entropy)(nil)
