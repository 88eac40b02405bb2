package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/wmamills/virtiomsg/internal/hv"
)

// Split-ring descriptor flags.
const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// VirtQueueDescriptor is a single descriptor in a split ring.
type VirtQueueDescriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// VirtQueuePayload is one buffer of a descriptor chain.
type VirtQueuePayload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// VirtQueue is a split virtqueue described by its three ring addresses.
// The device side walks it through a GuestMemory that resolves guest
// addresses, so the same code runs over local RAM, a remote address
// space or an IOMMU-backed DMA space.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Enabled       bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem hv.GuestMemory
}

// NewVirtQueue creates a queue bound to guest memory.
func NewVirtQueue(mem hv.GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize: maxSize,
		mem:     mem,
	}
}

// Reset clears the queue state.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.Enabled = false
}

// Configure sets the queue geometry and enables the queue.
func (q *VirtQueue) Configure(size uint16, descAddr, availAddr, usedAddr uint64) error {
	if size == 0 {
		return fmt.Errorf("queue size cannot be zero")
	}
	if q.MaxSize > 0 && size > q.MaxSize {
		return fmt.Errorf("queue size %d exceeds max size %d", size, q.MaxSize)
	}
	q.Size = size
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.Enabled = true
	return nil
}

// ReadDescriptor reads a descriptor from the descriptor table.
func (q *VirtQueue) ReadDescriptor(idx uint16) (VirtQueueDescriptor, error) {
	if err := q.ensureReady(); err != nil {
		return VirtQueueDescriptor{}, err
	}
	if idx >= q.Size {
		return VirtQueueDescriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.readGuestInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return VirtQueueDescriptor{}, err
	}

	return VirtQueueDescriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// GetAvailableBuffer reads the next available descriptor head, if any.
func (q *VirtQueue) GetAvailableBuffer() (head uint16, hasBuffer bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var header [4]byte
	if err := q.readGuestInto(q.AvailRingAddr, header[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])

	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	var buf [2]byte
	if err := q.readGuestInto(q.AvailRingAddr+4+uint64(ringIndex)*2, buf[:]); err != nil {
		return 0, false, err
	}

	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// ReadDescriptorChain reads the whole chain starting at head. The walk
// is bounded by the queue size to survive a corrupted Next loop.
func (q *VirtQueue) ReadDescriptorChain(head uint16) ([]VirtQueuePayload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	var payloads []VirtQueuePayload
	index := head

	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return payloads, err
		}

		payloads = append(payloads, VirtQueuePayload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&virtqDescFWrite != 0,
		})

		if desc.Flags&virtqDescFNext == 0 {
			break
		}
		index = desc.Next
	}

	return payloads, nil
}

// PutUsedBuffer publishes a used element and bumps the used index.
func (q *VirtQueue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeGuestFrom(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.writeGuestFrom(q.UsedRingAddr+2, idx[:])
}

// ReadGuest reads a buffer from guest memory.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes a buffer to guest memory.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuestFrom(addr, data)
}

func (q *VirtQueue) ensureReady() error {
	if !q.Enabled || q.Size == 0 {
		return fmt.Errorf("queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	return nil
}

func (q *VirtQueue) readGuestInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeGuestFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}
