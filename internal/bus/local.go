package bus

import (
	"fmt"
	"time"

	"github.com/wmamills/virtiomsg/internal/chardev"
	"github.com/wmamills/virtiomsg/internal/hv"
	"github.com/wmamills/virtiomsg/internal/spsc"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// notifyByte is the poke written to the notification channel. The value
// itself carries no information; arrival does.
const notifyByte = 0xed

// notifyCredit is how many piled-up pokes one receive burst may
// coalesce.
const notifyCredit = 128

// ringRegionSize is the shared-memory size of each message ring.
const ringRegionSize = 4096

// LocalOptions configures a host-local carrier: two named shared-memory
// rings plus a unix-socket notification channel.
type LocalOptions struct {
	// Name namespaces the shared rings: queue-<name>-driver and
	// queue-<name>-device.
	Name string `yaml:"name"`

	// Chardev is the unix socket path for notification pokes.
	Chardev string `yaml:"chardev"`

	// Listen makes this endpoint bind the socket and wait for the peer
	// instead of dialing.
	Listen bool `yaml:"listen"`

	// ResetQueues zeroes the ring memory at startup.
	ResetQueues bool `yaml:"reset_queues"`

	// Memdev exposes guest RAM to this endpoint: path of the shared
	// backing file the peer maps as its guest memory.
	Memdev string `yaml:"memdev"`

	// MemSize is the backing size; 0 uses the file's size.
	MemSize uint64 `yaml:"mem_size"`

	// MemOffset is the guest address of the start of the backing.
	MemOffset uint64 `yaml:"mem_offset"`

	// MemLowSize and MemHole split the backing into a low region and a
	// high region above the hole. Zero means no split.
	MemLowSize uint64 `yaml:"mem_low_size"`
	MemHole    uint64 `yaml:"mem_hole"`

	// IOMMU selects the translation strategy: none or pagemap.
	IOMMU string `yaml:"iommu"`

	// DialTimeout bounds how long a dialing endpoint waits for the
	// peer's socket. Zero means 10 seconds.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LocalCarrier is the host-local carrier: SPSC rings in named shared
// memory, notifications as single-byte pokes over a character device.
type LocalCarrier struct {
	spscPair

	name  string
	rings []*hv.SharedRegion
	chr   *chardev.Chardev
	ln    *chardev.Listener

	mem *hv.SharedRegion
	as  *hv.RemoteAddressSpace

	iommu string
}

// OpenLocal opens the carrier and returns its bus endpoint. In listen
// mode the call blocks until the peer connects.
func OpenLocal(opts LocalOptions) (*Endpoint, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("virtio-msg-bus: option 'name' not specified")
	}
	if opts.Chardev == "" {
		return nil, fmt.Errorf("virtio-msg-bus: option 'chardev' not specified")
	}

	iommu, err := selectTranslator(opts.IOMMU)
	if err != nil {
		return nil, err
	}

	c := &LocalCarrier{name: opts.Name, iommu: iommu}

	for _, ring := range []struct {
		name string
		q    **spsc.Queue
	}{
		{fmt.Sprintf("queue-%s-driver", opts.Name), &c.driver},
		{fmt.Sprintf("queue-%s-device", opts.Name), &c.device},
	} {
		region, err := hv.OpenSharedRegion(ring.name, ringRegionSize)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.rings = append(c.rings, region)

		// A region we just created has no valid header yet.
		reset := opts.ResetQueues || region.Created()
		*ring.q, err = spsc.Open(region.Bytes(), vmsg.Size, reset)
		if err != nil && !reset {
			// The peer created the region but may not have initialized
			// it yet; give it a moment.
			deadline := time.Now().Add(2 * time.Second)
			for err != nil && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
				*ring.q, err = spsc.Open(region.Bytes(), vmsg.Size, false)
			}
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("virtio-msg-bus: ring %s: %w", ring.name, err)
		}
	}

	if opts.Memdev != "" {
		mem, err := hv.OpenFileRegion(opts.Memdev, int(opts.MemSize))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.mem = mem
		if opts.MemLowSize > 0 {
			c.as, err = hv.NewRemoteAddressSpaceSplit(mem.Bytes(), opts.MemOffset,
				opts.MemLowSize, opts.MemHole)
			if err != nil {
				c.Close()
				return nil, err
			}
		} else {
			c.as = hv.NewRemoteAddressSpace(mem.Bytes(), opts.MemOffset)
		}
	}

	if opts.Listen {
		ln, err := chardev.Listen(opts.Chardev)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.ln = ln
		c.chr, err = ln.Accept()
		if err != nil {
			c.Close()
			return nil, err
		}
	} else {
		timeout := opts.DialTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.chr, err = chardev.Dial(opts.Chardev, timeout)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	ep := NewEndpoint(c)
	c.chr.SetHandlers(chardev.Handlers{
		CanReceive: func() int { return notifyCredit },
		Receive: func(buf []byte) {
			// Any number of pokes means the same thing: drain.
			ep.notified()
		},
	})

	return ep, nil
}

func (c *LocalCarrier) notify() error {
	return c.chr.WriteAll([]byte{notifyByte})
}

// Send implements Carrier.
func (c *LocalCarrier) Send(ep *Endpoint, req, resp *vmsg.Msg) error {
	return c.send(ep, req, resp, c.notify)
}

// Process implements Carrier.
func (c *LocalCarrier) Process(ep *Endpoint) error {
	return c.process(ep)
}

// RemoteAddressSpace implements Carrier.
func (c *LocalCarrier) RemoteAddressSpace() *hv.RemoteAddressSpace {
	return c.as
}

// IOMMUTranslate implements Carrier.
func (c *LocalCarrier) IOMMUTranslate(ep *Endpoint, va uint64, prot uint8) (IOMMUTLBEntry, error) {
	if c.iommu != IOMMUPagemap {
		return IOMMUTLBEntry{}, fmt.Errorf("virtio-msg-bus: carrier has no translator: %w",
			ErrTranslationFailed)
	}
	return pagemapTranslate(ep, va, prot)
}

// Close implements Carrier.
func (c *LocalCarrier) Close() error {
	var first error
	if c.chr != nil {
		first = c.chr.Close()
	}
	if c.ln != nil {
		if err := c.ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, r := range c.rings {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.mem != nil {
		if err := c.mem.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Carrier = (*LocalCarrier)(nil)
