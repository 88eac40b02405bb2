package hv

import (
	"fmt"
)

// RemoteAddressSpace is a view into the peer's guest memory, backed by a
// shared mapping the peer exported. Guest addresses translate to offsets
// in the backing mapping, optionally through a split layout:
//
//	low memory:  [base, base+lowSize)          -> mapping [0, lowSize)
//	hole:        [base+lowSize, highBase)      -> unmapped
//	high memory: [highBase, highBase+highSize) -> mapping [lowSize, ...)
//
// where highBase = base + lowSize + hole. Without a split the whole
// mapping appears contiguously at base.
type RemoteAddressSpace struct {
	mem []byte

	base     uint64
	lowSize  uint64
	highBase uint64
	highSize uint64
}

// NewRemoteAddressSpace maps the whole backing region contiguously at
// the given guest base address.
func NewRemoteAddressSpace(mem []byte, base uint64) *RemoteAddressSpace {
	return &RemoteAddressSpace{
		mem:     mem,
		base:    base,
		lowSize: uint64(len(mem)),
	}
}

// NewRemoteAddressSpaceSplit maps the backing region with a hole:
// the first lowSize bytes at base, the remainder above the hole.
func NewRemoteAddressSpaceSplit(mem []byte, base, lowSize, hole uint64) (*RemoteAddressSpace, error) {
	if lowSize > uint64(len(mem)) {
		return nil, fmt.Errorf("hv: low size %#x exceeds backing size %#x", lowSize, len(mem))
	}
	return &RemoteAddressSpace{
		mem:      mem,
		base:     base,
		lowSize:  lowSize,
		highBase: base + lowSize + hole,
		highSize: uint64(len(mem)) - lowSize,
	}, nil
}

// translate maps a guest address range to an offset in the backing
// mapping. Ranges crossing a region boundary are rejected.
func (a *RemoteAddressSpace) translate(addr uint64, n int) (int, error) {
	end := addr + uint64(n)
	if end < addr {
		return 0, fmt.Errorf("hv: address range %#x+%#x wraps", addr, n)
	}

	if addr >= a.base && end <= a.base+a.lowSize {
		return int(addr - a.base), nil
	}
	if a.highSize > 0 && addr >= a.highBase && end <= a.highBase+a.highSize {
		return int(a.lowSize + (addr - a.highBase)), nil
	}
	return 0, fmt.Errorf("hv: guest address %#x+%#x outside remote memory", addr, n)
}

// ReadAt implements GuestMemory; off is a guest address.
func (a *RemoteAddressSpace) ReadAt(p []byte, off int64) (int, error) {
	o, err := a.translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, a.mem[o:o+len(p)]), nil
}

// WriteAt implements GuestMemory; off is a guest address.
func (a *RemoteAddressSpace) WriteAt(p []byte, off int64) (int, error) {
	o, err := a.translate(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(a.mem[o:o+len(p)], p), nil
}

// HostBytes returns the backing bytes for a guest address range. Used
// by the pagemap translator, which needs the host mapping itself.
func (a *RemoteAddressSpace) HostBytes(addr uint64, n int) ([]byte, error) {
	o, err := a.translate(addr, n)
	if err != nil {
		return nil, err
	}
	return a.mem[o : o+n], nil
}

// Contains reports whether the guest address range is mapped.
func (a *RemoteAddressSpace) Contains(addr uint64, n int) bool {
	_, err := a.translate(addr, n)
	return err == nil
}
