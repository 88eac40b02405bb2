package bus

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// pagemap entry bits, see Documentation/admin-guide/mm/pagemap.rst.
const (
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

// pagemapTranslator resolves host virtual addresses of this process to
// physical addresses via /proc/self/pagemap.
type pagemapTranslator struct {
	f *os.File
}

func openPagemap() (*pagemapTranslator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("virtio-msg-bus: open pagemap: %w", err)
	}
	return &pagemapTranslator{f: f}, nil
}

// physAddr returns the physical address of the first byte of p. The
// page must be resident; callers touch it first.
func (t *pagemapTranslator) physAddr(p []byte) (uint64, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("virtio-msg-bus: empty page")
	}
	vaddr := uint64(uintptr(unsafe.Pointer(&p[0])))

	var entry [8]byte
	off := int64(vaddr / vmsg.VIRTIO_MSG_IOMMU_PAGE_SIZE * 8)
	if _, err := t.f.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("virtio-msg-bus: read pagemap: %w", err)
	}

	e := uint64(entry[0]) | uint64(entry[1])<<8 | uint64(entry[2])<<16 |
		uint64(entry[3])<<24 | uint64(entry[4])<<32 | uint64(entry[5])<<40 |
		uint64(entry[6])<<48 | uint64(entry[7])<<56
	if e&pagemapPresent == 0 {
		return 0, fmt.Errorf("virtio-msg-bus: page at %#x not present", vaddr)
	}

	pfn := e & pagemapPFNMask
	if pfn == 0 {
		// Unprivileged readers see zero frame numbers.
		return 0, fmt.Errorf("virtio-msg-bus: pagemap hides frame numbers (need CAP_SYS_ADMIN)")
	}
	return pfn*vmsg.VIRTIO_MSG_IOMMU_PAGE_SIZE + vaddr&vmsg.VIRTIO_MSG_IOMMU_PAGE_MASK, nil
}

func (t *pagemapTranslator) Close() error {
	return t.f.Close()
}
