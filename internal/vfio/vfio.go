// Package vfio provides the narrow PCI surface the shared-memory carrier
// needs from VFIO: mapping BARs and routing the INTx line to an eventfd.
// The Device interface keeps the carrier testable with an in-memory fake.
package vfio

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wmamills/virtiomsg/internal/hv"
)

// Device is a PCI device exposing memory BARs and an INTx interrupt.
type Device interface {
	// MapBAR maps size bytes of the given BAR starting at offset.
	MapBAR(index int, offset, size uint64) ([]byte, error)
	// SetIRQNotifier binds the INTx line to the notifier's eventfd.
	SetIRQNotifier(n *hv.EventNotifier) error
	// UnmaskINTx re-enables the INTx line after servicing it.
	UnmaskINTx() error
	Close() error
}

// VFIO ioctl numbers: _IO(';', 100+n).
const (
	vfioIoctlBase = 0x3b00 + 100

	vfioGetAPIVersion       = vfioIoctlBase + 0
	vfioCheckExtension      = vfioIoctlBase + 1
	vfioSetIOMMU            = vfioIoctlBase + 2
	vfioGroupGetStatus      = vfioIoctlBase + 3
	vfioGroupSetContainer   = vfioIoctlBase + 4
	vfioGroupGetDeviceFD    = vfioIoctlBase + 6
	vfioDeviceGetInfo       = vfioIoctlBase + 7
	vfioDeviceGetRegionInfo = vfioIoctlBase + 8
	vfioDeviceSetIRQs       = vfioIoctlBase + 10

	vfioAPIVersion = 0
	vfioType1IOMMU = 1

	vfioGroupFlagsViable = 1 << 0

	vfioPCIIntxIRQIndex = 0

	vfioIRQSetDataNone      = 1 << 0
	vfioIRQSetDataEventfd   = 1 << 2
	vfioIRQSetActionUnmask  = 1 << 4
	vfioIRQSetActionTrigger = 1 << 5
)

type vfioGroupStatus struct {
	argsz uint32
	flags uint32
}

type vfioRegionInfo struct {
	argsz     uint32
	flags     uint32
	index     uint32
	capOffset uint32
	size      uint64
	offset    uint64
}

type vfioIRQSet struct {
	argsz uint32
	flags uint32
	index uint32
	start uint32
	count uint32
	data  int32 // single eventfd
}

// pciDevice is the Linux VFIO implementation of Device.
type pciDevice struct {
	addr      string
	container *os.File
	group     *os.File
	device    *os.File
	mappings  [][]byte
}

// Open claims the PCI device at addr (e.g. "0000:00:05.0") through its
// VFIO group. The device must already be bound to vfio-pci.
func Open(addr string) (Device, error) {
	groupLink, err := os.Readlink(filepath.Join("/sys/bus/pci/devices", addr, "iommu_group"))
	if err != nil {
		return nil, fmt.Errorf("vfio: device %s has no iommu group: %w", addr, err)
	}
	groupPath := filepath.Join("/dev/vfio", filepath.Base(groupLink))

	container, err := os.OpenFile("/dev/vfio/vfio", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vfio: open container: %w", err)
	}

	d := &pciDevice{addr: addr, container: container}
	if err := d.attach(groupPath); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *pciDevice) attach(groupPath string) error {
	if v, err := ioctlRet(d.container, vfioGetAPIVersion, nil); err != nil || v != vfioAPIVersion {
		return fmt.Errorf("vfio: unsupported API version %d (%v)", v, err)
	}

	group, err := os.OpenFile(groupPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("vfio: open group %s: %w", groupPath, err)
	}
	d.group = group

	status := vfioGroupStatus{argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if _, err := ioctlRet(group, vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		return fmt.Errorf("vfio: group status: %w", err)
	}
	if status.flags&vfioGroupFlagsViable == 0 {
		return fmt.Errorf("vfio: group %s not viable (devices missing from group?)", groupPath)
	}

	containerFd := int32(d.container.Fd())
	if _, err := ioctlRet(group, vfioGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		return fmt.Errorf("vfio: set container: %w", err)
	}
	if _, err := ioctlVal(d.container, vfioSetIOMMU, vfioType1IOMMU); err != nil {
		return fmt.Errorf("vfio: set type1 iommu: %w", err)
	}

	name := append([]byte(d.addr), 0)
	devFd, err := ioctlRet(group, vfioGroupGetDeviceFD, unsafe.Pointer(&name[0]))
	if err != nil {
		return fmt.Errorf("vfio: get device fd for %s: %w", d.addr, err)
	}
	d.device = os.NewFile(uintptr(devFd), d.addr)
	return nil
}

// MapBAR implements Device.
func (d *pciDevice) MapBAR(index int, offset, size uint64) ([]byte, error) {
	info := vfioRegionInfo{
		argsz: uint32(unsafe.Sizeof(vfioRegionInfo{})),
		index: uint32(index),
	}
	if _, err := ioctlRet(d.device, vfioDeviceGetRegionInfo, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("vfio: region info BAR%d: %w", index, err)
	}
	if offset+size > info.size {
		return nil, fmt.Errorf("vfio: BAR%d map %#x+%#x exceeds region size %#x",
			index, offset, size, info.size)
	}

	mem, err := unix.Mmap(int(d.device.Fd()), int64(info.offset+offset), int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vfio: mmap BAR%d: %w", index, err)
	}
	d.mappings = append(d.mappings, mem)
	return mem, nil
}

// SetIRQNotifier implements Device.
func (d *pciDevice) SetIRQNotifier(n *hv.EventNotifier) error {
	set := vfioIRQSet{
		argsz: uint32(unsafe.Sizeof(vfioIRQSet{})),
		flags: vfioIRQSetDataEventfd | vfioIRQSetActionTrigger,
		index: vfioPCIIntxIRQIndex,
		count: 1,
		data:  int32(n.Fd()),
	}
	if _, err := ioctlRet(d.device, vfioDeviceSetIRQs, unsafe.Pointer(&set)); err != nil {
		return fmt.Errorf("vfio: bind INTx eventfd: %w", err)
	}
	return nil
}

// UnmaskINTx implements Device.
func (d *pciDevice) UnmaskINTx() error {
	set := vfioIRQSet{
		argsz: uint32(unsafe.Sizeof(vfioIRQSet{})),
		flags: vfioIRQSetDataNone | vfioIRQSetActionUnmask,
		index: vfioPCIIntxIRQIndex,
		count: 1,
	}
	if _, err := ioctlRet(d.device, vfioDeviceSetIRQs, unsafe.Pointer(&set)); err != nil {
		return fmt.Errorf("vfio: unmask INTx: %w", err)
	}
	return nil
}

// Close implements Device.
func (d *pciDevice) Close() error {
	for _, m := range d.mappings {
		unix.Munmap(m)
	}
	d.mappings = nil
	for _, f := range []*os.File{d.device, d.group, d.container} {
		if f != nil {
			f.Close()
		}
	}
	return nil
}

func ioctlRet(f *os.File, req uint, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlVal(f *os.File, req uint, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
