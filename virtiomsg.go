// Package virtiomsg is a message-oriented transport for the virtio
// device model. Instead of poking registers through MMIO or PCI, a
// driver endpoint and a device endpoint exchange small packed messages
// over a carrier: shared-memory SPSC rings with doorbell interrupts
// between VMs, or host-local rings with unix-socket pokes between
// processes.
//
// The package root re-exports the supported surface. A process serving
// a device wraps it in a DeviceProxy:
//
//	ep, err := virtiomsg.OpenLocal(virtiomsg.LocalOptions{
//		Name:    "rng0",
//		Chardev: "/tmp/rng0.sock",
//		Listen:  true,
//	})
//	...
//	p, err := virtiomsg.NewDeviceProxy(ep, device)
//
// A process driving the remote device uses the mirror image:
//
//	drv, err := virtiomsg.NewDriverProxy(ep, host, virtiomsg.DriverConfig{
//		VirtioID: 4,
//	})
package virtiomsg

import (
	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/devices/virtio"
	"github.com/wmamills/virtiomsg/internal/proxy"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// Wire format.
type (
	// Msg is the 40-byte packed bus message.
	Msg = vmsg.Msg
)

// Bus layer.
type (
	// Endpoint is one end of a virtio-msg bus.
	Endpoint = bus.Endpoint
	// Port is the callback table a proxy installs on its endpoint.
	Port = bus.Port
	// Carrier moves messages between the two endpoints of a bus.
	Carrier = bus.Carrier
	// IOMMUTLBEntry is one cached software-IOMMU translation.
	IOMMUTLBEntry = bus.IOMMUTLBEntry

	// LocalOptions configures the host-local carrier.
	LocalOptions = bus.LocalOptions
	// IvshmemOptions configures the shared-memory carrier.
	IvshmemOptions = bus.IvshmemOptions
	// IvshmemCarrier is the shared-memory carrier; it exposes the INTx
	// service loop.
	IvshmemCarrier = bus.IvshmemCarrier
)

// Proxies.
type (
	// DeviceProxy serves a local virtio device to a remote driver.
	DeviceProxy = proxy.DeviceProxy
	// DriverProxy drives a remote device and presents it locally.
	DriverProxy = proxy.DriverProxy
	// DriverConfig configures a DriverProxy.
	DriverConfig = proxy.DriverConfig
	// DriverHost receives device events forwarded by a DriverProxy.
	DriverHost = proxy.DriverHost
	// DMASpace is a proxy's software-IOMMU-backed DMA address space.
	DMASpace = proxy.DMASpace
)

// Device model.
type (
	// Device is the capability set a served virtio device implements.
	Device = virtio.Device
	// Transport is the upward callback set handed to a served device.
	Transport = virtio.Transport
	// VirtQueue is a split virtqueue over guest memory.
	VirtQueue = virtio.VirtQueue
)

// Typed transport errors.
var (
	ErrUnsupportedMessageID  = bus.ErrUnsupportedMessageID
	ErrTransportTimeout      = bus.ErrTransportTimeout
	ErrPeerProtocolViolation = bus.ErrPeerProtocolViolation
	ErrTranslationFailed     = bus.ErrTranslationFailed
	ErrRingOverflow          = bus.ErrRingOverflow
	ErrCarrierClosed         = bus.ErrCarrierClosed
)

// OpenLocal opens the host-local carrier and returns its bus endpoint.
func OpenLocal(opts LocalOptions) (*Endpoint, error) {
	return bus.OpenLocal(opts)
}

// OpenIvshmem opens the shared-memory carrier over VFIO and returns its
// bus endpoint.
func OpenIvshmem(opts IvshmemOptions) (*Endpoint, error) {
	return bus.OpenIvshmem(opts)
}

// NewDeviceProxy wraps dev and serves it on the endpoint.
func NewDeviceProxy(ep *Endpoint, dev Device) (*DeviceProxy, error) {
	return proxy.NewDeviceProxy(ep, dev)
}

// NewDriverProxy connects to the remote device on the endpoint,
// performing the connect-time handshake.
func NewDriverProxy(ep *Endpoint, host DriverHost, cfg DriverConfig) (*DriverProxy, error) {
	return proxy.NewDriverProxy(ep, host, cfg)
}

// NewEntropy returns the in-tree virtio-rng demo device.
func NewEntropy() Device {
	return virtio.NewEntropy()
}
