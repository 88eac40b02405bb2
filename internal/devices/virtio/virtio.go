// Package virtio defines the device-facing capability set of the
// transport: the interface a local virtio device implements to be served
// over a message bus, the callbacks it uses to signal the transport, and
// the virtqueue machinery shared by devices.
package virtio

import "github.com/wmamills/virtiomsg/internal/hv"

// Driver status bits.
const (
	VIRTIO_CONFIG_S_ACKNOWLEDGE = 0x01
	VIRTIO_CONFIG_S_DRIVER      = 0x02
	VIRTIO_CONFIG_S_DRIVER_OK   = 0x04
	VIRTIO_CONFIG_S_FEATURES_OK = 0x08
	VIRTIO_CONFIG_S_NEEDS_RESET = 0x40
	VIRTIO_CONFIG_S_FAILED      = 0x80
)

// VIRTIO_F_VERSION_1 is the modern-virtio feature bit. The transport
// only speaks modern virtio, so it is always advertised.
const VIRTIO_F_VERSION_1 = uint64(1) << 32

// VIRTIO_QUEUE_MAX bounds the number of virtqueues a device can expose.
const VIRTIO_QUEUE_MAX = 1024

// Well-known device ids.
const (
	VIRTIO_ID_NET     = 1
	VIRTIO_ID_BLOCK   = 2
	VIRTIO_ID_CONSOLE = 3
	VIRTIO_ID_ENTROPY = 4
)

// Transport is the upward callback set a device uses to reach its
// driver. The device-side proxy implements it by emitting EVENT_USED and
// EVENT_CONFIG messages.
type Transport interface {
	// NotifyQueue signals that used buffers are available on a queue.
	NotifyQueue(index uint32) error
	// NotifyConfig signals a device configuration change.
	NotifyConfig() error
}

// Device is the capability set of a local virtio device served over the
// bus. Operations map one-to-one onto the message taxonomy; the proxy
// calls them from the bus event loop.
type Device interface {
	// DeviceID returns the virtio device type (net=1, blk=2, ...).
	DeviceID() uint16

	// Attach binds the device to its transport and DMA memory. Called
	// once when the serving proxy connects to the bus.
	Attach(t Transport, mem hv.GuestMemory)

	// GetFeatures returns the device's feature word at the given index,
	// already filtered to what the device supports.
	GetFeatures(index uint32) uint64

	// SetFeatures commits the negotiated feature word. Invoked when the
	// driver sets FEATURES_OK.
	SetFeatures(index uint32, features uint64) error

	// Status returns the current driver status bits.
	Status() uint32

	// SetStatus applies the driver status bits. The device must reflect
	// exactly the bits it accepted through Status.
	SetStatus(status uint32) error

	// ConfigGeneration returns the config-space generation counter.
	ConfigGeneration() uint32

	// ReadConfig reads size bytes (1, 2 or 4) at offset in the
	// device-specific configuration space.
	ReadConfig(offset uint32, size int) (uint64, error)

	// WriteConfig writes size bytes (1, 2 or 4) at offset.
	WriteConfig(offset uint32, size int, data uint64) error

	// QueueMax returns the maximum size of the given queue, or 0 if the
	// queue does not exist.
	QueueMax(index uint32) uint32

	// SetQueue configures a queue's size and ring addresses and enables it.
	SetQueue(index, size uint32, descAddr, driverAddr, deviceAddr uint64) error

	// ResetQueue disables a queue and clears its state.
	ResetQueue(index uint32) error

	// NotifyQueue is the avail-buffer kick: the driver published new
	// buffers on the given queue.
	NotifyQueue(index uint32) error

	// Reset returns the device to its initial state.
	Reset()
}

// IoeventfdController is implemented by devices that poll queues from
// their own notifier loop instead of relying on NotifyQueue kicks. The
// serving proxy starts it at DRIVER_OK and stops it when DRIVER_OK
// clears.
type IoeventfdController interface {
	StartIoeventfd() error
	StopIoeventfd() error
}
