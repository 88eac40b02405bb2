package bus

import (
	"fmt"

	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// IOMMU strategy names accepted by carrier options.
const (
	IOMMUNone    = "none"
	IOMMUPagemap = "pagemap"
	// IOMMUXenGfn2Mfn is recognized for configuration compatibility but
	// has no translator on this host.
	IOMMUXenGfn2Mfn = "xen-gfn2mfn"
)

// IOMMUTLBEntry is one cached translation: a page-aligned guest VA
// mapped to a host PA with an access mask.
type IOMMUTLBEntry struct {
	IOVA           uint64
	TranslatedAddr uint64
	AddrMask       uint64
	Prot           uint8
}

// Valid reports whether the entry grants any access.
func (e IOMMUTLBEntry) Valid() bool {
	return e.Prot != 0
}

// selectTranslator validates an iommu option value.
func selectTranslator(strategy string) (string, error) {
	switch strategy {
	case "", IOMMUNone:
		return IOMMUNone, nil
	case IOMMUPagemap:
		return IOMMUPagemap, nil
	case IOMMUXenGfn2Mfn:
		return "", fmt.Errorf("virtio-msg-bus: iommu strategy %q not supported on this host", strategy)
	default:
		return "", fmt.Errorf("virtio-msg-bus: unknown iommu strategy %q", strategy)
	}
}

// pagemapTranslate resolves va via the local pagemap: the guest VA is
// mapped into this process through the carrier's remote address space,
// the page is touched to make it resident, and its physical frame is
// looked up in /proc/self/pagemap.
func pagemapTranslate(ep *Endpoint, va uint64, prot uint8) (IOMMUTLBEntry, error) {
	if va&vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK != 0 {
		return IOMMUTLBEntry{}, fmt.Errorf("virtio-msg-bus: va %#x not page aligned: %w",
			va, ErrTranslationFailed)
	}

	as := ep.RemoteAddressSpace()
	if as == nil {
		return IOMMUTLBEntry{}, fmt.Errorf("virtio-msg-bus: no remote memory to translate: %w",
			ErrTranslationFailed)
	}

	page, err := as.HostBytes(va, vmsg.VIRTIO_MSG_IOMMU_PAGE_SIZE)
	if err != nil {
		return IOMMUTLBEntry{}, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}

	if ep.pagemap == nil {
		ep.pagemap, err = openPagemap()
		if err != nil {
			return IOMMUTLBEntry{}, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
		}
	}

	// Fault the page in for the requested access before the lookup;
	// pagemap reports nothing for pages that were never touched.
	first := page[0]
	if prot&vmsg.VIRTIO_MSG_IOMMU_PROT_WRITE != 0 {
		page[0] = first
	}

	pa, err := ep.pagemap.physAddr(page)
	if err != nil {
		return IOMMUTLBEntry{}, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}

	return IOMMUTLBEntry{
		IOVA:           va,
		TranslatedAddr: pa,
		AddrMask:       vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK,
		Prot:           prot & (vmsg.VIRTIO_MSG_IOMMU_PROT_READ | vmsg.VIRTIO_MSG_IOMMU_PROT_WRITE),
	}, nil
}
