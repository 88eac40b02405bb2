package proxy

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// TestDMAIdentity checks that a disabled IOMMU resolves identity with
// no wire round-trip.
func TestDMAIdentity(t *testing.T) {
	_, devEp, _, _, ram := newBusPair(t)
	devEp.Connect(&bus.Port{IsDriver: false}, nil)

	dma := NewDMASpace(devEp)
	if dma.Enabled() {
		t.Fatal("new DMA space starts enabled")
	}

	data := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := dma.WriteAt(data, 0x1000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ram[0x1000:0x1004], data) {
		t.Fatalf("ram = %x", ram[0x1000:0x1004])
	}

	got := make([]byte, 4)
	if _, err := dma.ReadAt(got, 0x1000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read = %x", got)
	}
}

// TestDMAWireTranslate checks the enabled path: translations go over the
// wire to the peer and are TLB-cached per page.
func TestDMAWireTranslate(t *testing.T) {
	drvEp, devEp, _, _, ram := newBusPair(t)

	var translates atomic.Int32
	drvEp.Connect(&bus.Port{
		IsDriver: true,
		Receive: func(ep *bus.Endpoint, msg *vmsg.Msg) error {
			if msg.ID != vmsg.VIRTIO_MSG_IOMMU_TRANSLATE || msg.IsResponse() {
				return nil
			}
			translates.Add(1)
			tr := msg.DecodeIOMMUTranslate()
			// Map every VA one page up.
			var resp vmsg.Msg
			vmsg.PackIOMMUTranslateResp(&resp, msg.DevID,
				tr.VA, tr.VA+vmsg.VIRTIO_MSG_IOMMU_PAGE_SIZE, tr.Prot)
			return ep.Send(&resp, nil)
		},
	}, nil)
	startPump(t, drvEp)

	devEp.Connect(&bus.Port{IsDriver: false}, nil)
	dma := NewDMASpace(devEp)
	dma.SetEnabled(true)

	if _, err := dma.WriteAt([]byte{0x55}, 0x3000); err != nil {
		t.Fatal(err)
	}
	// The shifted mapping lands the byte one page up.
	if ram[0x4000] != 0x55 {
		t.Fatalf("translated write missed: ram[0x4000]=%#x", ram[0x4000])
	}
	if n := translates.Load(); n != 1 {
		t.Fatalf("translates = %d, want 1", n)
	}

	// Same page: served from the TLB.
	if _, err := dma.WriteAt([]byte{0x66}, 0x3008); err != nil {
		t.Fatal(err)
	}
	if ram[0x4008] != 0x66 {
		t.Fatalf("cached write missed: ram[0x4008]=%#x", ram[0x4008])
	}
	if n := translates.Load(); n != 1 {
		t.Fatalf("translates after cached access = %d, want 1", n)
	}

	// A read wants read permission the cached write-only entry lacks,
	// so the page is translated again.
	got := make([]byte, 1)
	if _, err := dma.ReadAt(got, 0x3000); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x55 {
		t.Fatalf("read = %#x", got[0])
	}
	if n := translates.Load(); n != 2 {
		t.Fatalf("translates after read = %d, want 2", n)
	}

	// Toggling drops the TLB.
	dma.SetEnabled(false)
	dma.SetEnabled(true)
	if _, err := dma.WriteAt([]byte{0x77}, 0x3000); err != nil {
		t.Fatal(err)
	}
	if n := translates.Load(); n != 3 {
		t.Fatalf("translates after toggle = %d, want 3", n)
	}
}

// TestDMACrossPage checks that accesses spanning a page boundary are
// split into per-page translations.
func TestDMACrossPage(t *testing.T) {
	drvEp, devEp, _, _, ram := newBusPair(t)

	var translates atomic.Int32
	drvEp.Connect(&bus.Port{
		IsDriver: true,
		Receive: func(ep *bus.Endpoint, msg *vmsg.Msg) error {
			if msg.ID != vmsg.VIRTIO_MSG_IOMMU_TRANSLATE || msg.IsResponse() {
				return nil
			}
			translates.Add(1)
			tr := msg.DecodeIOMMUTranslate()
			var resp vmsg.Msg
			vmsg.PackIOMMUTranslateResp(&resp, msg.DevID, tr.VA, tr.VA, tr.Prot)
			return ep.Send(&resp, nil)
		},
	}, nil)
	startPump(t, drvEp)

	devEp.Connect(&bus.Port{IsDriver: false}, nil)
	dma := NewDMASpace(devEp)
	dma.SetEnabled(true)

	data := bytes.Repeat([]byte{0xab}, 16)
	if _, err := dma.WriteAt(data, 0x1ff8); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ram[0x1ff8:0x2008], data) {
		t.Fatalf("cross-page write = %x", ram[0x1ff8:0x2008])
	}
	if n := translates.Load(); n != 2 {
		t.Fatalf("translates = %d, want 2 (one per page)", n)
	}
}
