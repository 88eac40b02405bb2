package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wmamills/virtiomsg/internal/hv"
	"github.com/wmamills/virtiomsg/internal/vfio"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// fakePCIDevice emulates the ivshmem message device: BAR0 doorbell,
// BAR2 ring memory. Both carriers of a test share bar2 so they see each
// other's rings, as two VMs share the ivshmem BAR.
type fakePCIDevice struct {
	bar0    []byte
	bar2    []byte
	unmasks int
}

func newFakePCIDevice(bar2 []byte) *fakePCIDevice {
	return &fakePCIDevice{bar0: make([]byte, 4096), bar2: bar2}
}

func (d *fakePCIDevice) MapBAR(index int, offset, size uint64) ([]byte, error) {
	switch index {
	case 0:
		return d.bar0[offset : offset+size], nil
	case 2:
		return d.bar2[offset : offset+size], nil
	}
	return nil, fmt.Errorf("fake: no BAR%d", index)
}

func (d *fakePCIDevice) SetIRQNotifier(n *hv.EventNotifier) error { return nil }
func (d *fakePCIDevice) UnmaskINTx() error                        { d.unmasks++; return nil }
func (d *fakePCIDevice) Close() error                             { return nil }

var _ vfio.Device = (*fakePCIDevice)(nil)

func newIvshmemPair(t *testing.T) (drv, dev *Endpoint, drvDev, devDev *fakePCIDevice) {
	t.Helper()
	bar2 := make([]byte, 8192)

	drvDev = newFakePCIDevice(bar2)
	devDev = newFakePCIDevice(bar2)

	drv, err := NewIvshmem(drvDev, nil, IvshmemOptions{ResetQueues: true, RemoteVMID: 2})
	if err != nil {
		t.Fatal(err)
	}
	dev, err = NewIvshmem(devDev, nil, IvshmemOptions{RemoteVMID: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		drv.Close()
		dev.Close()
	})
	return drv, dev, drvDev, devDev
}

func TestIvshmemUnmasksInterrupts(t *testing.T) {
	_, _, drvDev, _ := newIvshmemPair(t)

	// Realize unmasked the INTR_MASK register.
	if got := mmioRead32(drvDev.bar0, ivdBAR0IntrMask); got != 0xffffffff {
		t.Fatalf("INTR_MASK = %#x", got)
	}
}

func TestIvshmemDoorbell(t *testing.T) {
	drv, dev, drvDev, devDev := newIvshmemPair(t)

	drv.Connect(&Port{IsDriver: true}, nil)

	var got []uint8
	dev.Connect(&Port{
		Receive: func(ep *Endpoint, msg *vmsg.Msg) error {
			got = append(got, msg.ID)
			return nil
		},
	}, nil)

	var ev vmsg.Msg
	vmsg.PackEventAvail(&ev, 0, 0, 0, 0)
	if err := drv.Send(&ev, nil); err != nil {
		t.Fatal(err)
	}

	// The doorbell write carries remote_vmid << 16.
	if val := mmioRead32(drvDev.bar0, ivdBAR0Doorbell); val != 2<<16 {
		t.Fatalf("doorbell = %#x, want %#x", val, 2<<16)
	}
	// The peer's doorbell is untouched.
	if val := mmioRead32(devDev.bar0, ivdBAR0Doorbell); val != 0 {
		t.Fatalf("peer doorbell = %#x", val)
	}

	// Message is visible on the peer after a drain.
	if err := dev.Process(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != vmsg.VIRTIO_MSG_EVENT_AVAIL {
		t.Fatalf("received = %v", got)
	}
}

func TestIvshmemSharedRings(t *testing.T) {
	drv, dev, _, _ := newIvshmemPair(t)

	drv.Connect(&Port{IsDriver: true}, nil)
	dev.Connect(&Port{
		Receive: func(ep *Endpoint, msg *vmsg.Msg) error {
			if msg.ID != vmsg.VIRTIO_MSG_GET_DEVICE_STATUS {
				return ErrUnsupportedMessageID
			}
			var resp vmsg.Msg
			vmsg.PackGetDeviceStatusResp(&resp, msg.DevID, 0x0f)
			return ep.Send(&resp, nil)
		},
	}, nil)

	// Device pump: the fake pair is in-process, so a goroutine stands
	// in for the peer VM.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go pump(dev, stop, &wg)
	defer func() { close(stop); wg.Wait() }()

	var req, resp vmsg.Msg
	vmsg.PackGetDeviceStatus(&req, 0)
	if err := drv.Send(&req, &resp); err != nil {
		t.Fatal(err)
	}
	if status := resp.DecodeDeviceStatus(); status != 0x0f {
		t.Fatalf("status = %#x", status)
	}
}
