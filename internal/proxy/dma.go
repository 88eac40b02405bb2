package proxy

import (
	"fmt"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// DMASpace is the dedicated DMA address space of a proxy. Guest
// addresses used by the wrapped device resolve through it: identity into
// the carrier's remote memory while the IOMMU is off, per-page
// translated (and TLB-cached) once the driver enables it. Translations
// come from the carrier's local strategy when it has one, otherwise from
// IOMMU_TRANSLATE requests to the peer.
type DMASpace struct {
	ep      *bus.Endpoint
	enabled bool
	tlb     map[uint64]bus.IOMMUTLBEntry
}

// NewDMASpace creates a disabled (identity-mapped) DMA space.
func NewDMASpace(ep *bus.Endpoint) *DMASpace {
	return &DMASpace{
		ep:  ep,
		tlb: make(map[uint64]bus.IOMMUTLBEntry),
	}
}

// SetEnabled toggles the translation path. Any cached translations are
// dropped on a toggle.
func (d *DMASpace) SetEnabled(enabled bool) {
	if d.enabled != enabled {
		clear(d.tlb)
	}
	d.enabled = enabled
}

// Enabled reports whether translation is active.
func (d *DMASpace) Enabled() bool {
	return d.enabled
}

// translate resolves the page containing va.
func (d *DMASpace) translate(va uint64, prot uint8) (bus.IOMMUTLBEntry, error) {
	page := va &^ uint64(vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK)

	if !d.enabled {
		// Identity mapped.
		return bus.IOMMUTLBEntry{
			IOVA:           page,
			TranslatedAddr: page,
			AddrMask:       vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK,
			Prot:           vmsg.VIRTIO_MSG_IOMMU_PROT_READ | vmsg.VIRTIO_MSG_IOMMU_PROT_WRITE,
		}, nil
	}

	if entry, ok := d.tlb[page]; ok && entry.Prot&prot == prot {
		return entry, nil
	}

	entry, err := d.ep.IOMMUTranslate(page, prot)
	if err != nil {
		// No local strategy; ask the peer over the wire.
		entry, err = d.wireTranslate(page, prot)
		if err != nil {
			return bus.IOMMUTLBEntry{}, err
		}
	}
	if !entry.Valid() {
		return bus.IOMMUTLBEntry{}, fmt.Errorf("virtio-msg: no mapping for va %#x: %w",
			page, bus.ErrTranslationFailed)
	}

	d.tlb[page] = entry
	return entry, nil
}

// wireTranslate sends IOMMU_TRANSLATE and wraps the answer as a TLB
// entry with the page mask.
func (d *DMASpace) wireTranslate(va uint64, prot uint8) (bus.IOMMUTLBEntry, error) {
	var req, resp vmsg.Msg
	vmsg.PackIOMMUTranslate(&req, 0, va, prot)
	if err := d.ep.Send(&req, &resp); err != nil {
		return bus.IOMMUTLBEntry{}, err
	}

	tr := resp.DecodeIOMMUTranslateResp()
	return bus.IOMMUTLBEntry{
		IOVA:           tr.VA,
		TranslatedAddr: tr.PA,
		AddrMask:       vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK,
		Prot:           tr.Prot,
	}, nil
}

// access walks the address range page by page, applying fn to each
// translated segment of the remote memory.
func (d *DMASpace) access(p []byte, va uint64, prot uint8,
	fn func(seg []byte, addr uint64) (int, error)) (int, error) {

	as := d.ep.RemoteAddressSpace()
	if as == nil {
		return 0, fmt.Errorf("virtio-msg: dma with no remote memory")
	}

	total := 0
	for len(p) > 0 {
		entry, err := d.translate(va, prot)
		if err != nil {
			return total, err
		}

		pageOff := va & entry.AddrMask
		n := int(entry.AddrMask + 1 - pageOff)
		if n > len(p) {
			n = len(p)
		}

		target := entry.TranslatedAddr + pageOff
		did, err := fn(p[:n], target)
		total += did
		if err != nil {
			return total, err
		}

		p = p[n:]
		va += uint64(n)
	}
	return total, nil
}

// ReadAt implements hv.GuestMemory; off is a guest DMA address.
func (d *DMASpace) ReadAt(p []byte, off int64) (int, error) {
	as := d.ep.RemoteAddressSpace()
	return d.access(p, uint64(off), vmsg.VIRTIO_MSG_IOMMU_PROT_READ,
		func(seg []byte, addr uint64) (int, error) {
			return as.ReadAt(seg, int64(addr))
		})
}

// WriteAt implements hv.GuestMemory; off is a guest DMA address.
func (d *DMASpace) WriteAt(p []byte, off int64) (int, error) {
	as := d.ep.RemoteAddressSpace()
	return d.access(p, uint64(off), vmsg.VIRTIO_MSG_IOMMU_PROT_WRITE,
		func(seg []byte, addr uint64) (int, error) {
			return as.WriteAt(seg, int64(addr))
		})
}
