package bus

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/wmamills/virtiomsg/internal/hv"
	"github.com/wmamills/virtiomsg/internal/spsc"
	"github.com/wmamills/virtiomsg/internal/vfio"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// ivshmem doorbell register offsets in BAR0.
const (
	ivdBAR0IntrMask   = 0x0
	ivdBAR0IntrStatus = 0x4
	ivdBAR0IVPosition = 0x8
	ivdBAR0Doorbell   = 0xc
)

// IvshmemOptions configures the shared-memory carrier: a message device
// whose BAR0 is the doorbell and BAR2 holds the rings, and an optional
// memory device whose BAR2 exposes the peer's guest RAM.
type IvshmemOptions struct {
	// Dev is the PCI address of the VFIO message device.
	Dev string `yaml:"dev"`

	// RemoteVMID is the destination tag in doorbell writes.
	RemoteVMID uint32 `yaml:"remote_vmid"`

	// ResetQueues zeroes the ring memory at startup.
	ResetQueues bool `yaml:"reset_queues"`

	// MemDev is the PCI address of the VFIO device exposing guest RAM;
	// empty means no remote address space.
	MemDev string `yaml:"mem_dev"`

	// MemSize is the guest RAM BAR size to map.
	MemSize uint64 `yaml:"mem_size"`

	// MemOffset, MemLowSize and MemHole lay the RAM out in guest
	// address space, optionally split around a hole.
	MemOffset  uint64 `yaml:"mem_offset"`
	MemLowSize uint64 `yaml:"mem_low_size"`
	MemHole    uint64 `yaml:"mem_hole"`

	// IOMMU selects the translation strategy: none or pagemap.
	IOMMU string `yaml:"iommu"`
}

// IvshmemCarrier is the inter-VM carrier: SPSC rings in a shared BAR,
// doorbell writes for notification, INTx for reception.
type IvshmemCarrier struct {
	spscPair

	dev    vfio.Device
	memDev vfio.Device

	doorbell []byte
	notifier *hv.EventNotifier

	as *hv.RemoteAddressSpace

	remoteVMID uint32
	iommu      string
}

// OpenIvshmem claims the configured VFIO devices and returns the bus
// endpoint of the carrier.
func OpenIvshmem(opts IvshmemOptions) (*Endpoint, error) {
	if opts.Dev == "" {
		return nil, fmt.Errorf("virtio-msg-bus: option 'dev' not specified")
	}

	dev, err := vfio.Open(opts.Dev)
	if err != nil {
		return nil, err
	}

	var memDev vfio.Device
	if opts.MemDev != "" {
		if opts.MemSize == 0 {
			dev.Close()
			return nil, fmt.Errorf("virtio-msg-bus: option 'mem_size' not specified")
		}
		memDev, err = vfio.Open(opts.MemDev)
		if err != nil {
			dev.Close()
			return nil, err
		}
	}

	ep, err := NewIvshmem(dev, memDev, opts)
	if err != nil {
		dev.Close()
		if memDev != nil {
			memDev.Close()
		}
		return nil, err
	}
	return ep, nil
}

// NewIvshmem builds the carrier over already-opened devices. Split out
// of OpenIvshmem so tests can supply fakes.
func NewIvshmem(dev, memDev vfio.Device, opts IvshmemOptions) (*Endpoint, error) {
	iommu, err := selectTranslator(opts.IOMMU)
	if err != nil {
		return nil, err
	}

	c := &IvshmemCarrier{
		dev:        dev,
		memDev:     memDev,
		remoteVMID: opts.RemoteVMID,
		iommu:      iommu,
	}

	c.doorbell, err = dev.MapBAR(0, 0, ringRegionSize)
	if err != nil {
		return nil, err
	}
	driverMem, err := dev.MapBAR(2, 0, ringRegionSize)
	if err != nil {
		return nil, err
	}
	deviceMem, err := dev.MapBAR(2, ringRegionSize, ringRegionSize)
	if err != nil {
		return nil, err
	}

	c.driver, err = spsc.Open(driverMem, vmsg.Size, opts.ResetQueues)
	if err != nil {
		return nil, fmt.Errorf("virtio-msg-bus: driver ring: %w", err)
	}
	c.device, err = spsc.Open(deviceMem, vmsg.Size, opts.ResetQueues)
	if err != nil {
		return nil, fmt.Errorf("virtio-msg-bus: device ring: %w", err)
	}

	if memDev != nil {
		mem, err := memDev.MapBAR(2, 0, opts.MemSize)
		if err != nil {
			return nil, err
		}
		if opts.MemLowSize > 0 {
			c.as, err = hv.NewRemoteAddressSpaceSplit(mem, opts.MemOffset,
				opts.MemLowSize, opts.MemHole)
			if err != nil {
				return nil, err
			}
		} else {
			c.as = hv.NewRemoteAddressSpace(mem, opts.MemOffset)
		}
	}

	c.notifier, err = hv.NewEventNotifier()
	if err != nil {
		return nil, err
	}
	if err := dev.SetIRQNotifier(c.notifier); err != nil {
		c.notifier.Close()
		return nil, err
	}

	// Unmask interrupts.
	mmioWrite32(c.doorbell, ivdBAR0IntrMask, 0xffffffff)

	return NewEndpoint(c), nil
}

func (c *IvshmemCarrier) notify() error {
	mmioWrite32(c.doorbell, ivdBAR0Doorbell, c.remoteVMID<<16)
	return nil
}

// Send implements Carrier.
func (c *IvshmemCarrier) Send(ep *Endpoint, req, resp *vmsg.Msg) error {
	return c.send(ep, req, resp, c.notify)
}

// Process implements Carrier.
func (c *IvshmemCarrier) Process(ep *Endpoint) error {
	return c.process(ep)
}

// RemoteAddressSpace implements Carrier.
func (c *IvshmemCarrier) RemoteAddressSpace() *hv.RemoteAddressSpace {
	return c.as
}

// IOMMUTranslate implements Carrier.
func (c *IvshmemCarrier) IOMMUTranslate(ep *Endpoint, va uint64, prot uint8) (IOMMUTLBEntry, error) {
	if c.iommu != IOMMUPagemap {
		return IOMMUTLBEntry{}, fmt.Errorf("virtio-msg-bus: carrier has no translator: %w",
			ErrTranslationFailed)
	}
	return pagemapTranslate(ep, va, prot)
}

// ServeINTx runs the interrupt loop: wait for the INTx eventfd, ack the
// doorbell status register, drain the receive ring, unmask. A missed
// interrupt is harmless because Process always drains to empty. The loop
// exits when the endpoint closes.
func (c *IvshmemCarrier) ServeINTx(ep *Endpoint) error {
	for {
		if err := c.notifier.WaitReadable(); err != nil {
			return err
		}
		if ep.Closed() {
			return nil
		}
		if !c.notifier.TestAndClear() {
			continue
		}

		// ACK the interrupt.
		mmioRead32(c.doorbell, ivdBAR0IntrStatus)

		ep.notified()
		if ep.Closed() {
			return nil
		}
		if err := c.dev.UnmaskINTx(); err != nil {
			return err
		}
	}
}

// Close implements Carrier.
func (c *IvshmemCarrier) Close() error {
	var first error
	if c.notifier != nil {
		// Wake the INTx loop so it can observe the closed endpoint.
		c.notifier.Notify()
		first = c.notifier.Close()
	}
	if c.dev != nil {
		if err := c.dev.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.memDev != nil {
		if err := c.memDev.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Carrier = (*IvshmemCarrier)(nil)

// mmioRead32 performs a naturally-aligned volatile 32-bit read of a
// doorbell register.
func mmioRead32(mem []byte, off int) uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("virtio-msg-bus: unaligned mmio read at %#x", off))
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

// mmioWrite32 performs a naturally-aligned volatile 32-bit write of a
// doorbell register.
func mmioWrite32(mem []byte, off int, val uint32) {
	if off%4 != 0 {
		panic(fmt.Sprintf("virtio-msg-bus: unaligned mmio write at %#x", off))
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), val)
}
