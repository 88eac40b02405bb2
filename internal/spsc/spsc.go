// Package spsc implements a lock-free single-producer/single-consumer
// ring over a caller-provided memory region, typically a shared mapping
// visible to both endpoints of a virtio-msg bus. The layout is part of
// the wire contract: a 16-byte little-endian header (magic, slot count,
// head, tail) followed by fixed-size slots.
//
// Exactly one goroutine/process may enqueue and exactly one may dequeue.
// The producer owns tail, the consumer owns head; each side publishes
// its index with a release store and observes the peer with an acquire
// load, so a slot is either fully published or not visible at all.
package spsc

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the ring bookkeeping area at the start of the region.
	HeaderSize = 16

	magic = 0x53505351 // "QSPS"
)

// header is the shared bookkeeping block. It is viewed in place over the
// first HeaderSize bytes of the region; all fields are little-endian on
// little-endian hosts, which is the only layout peers agree on.
type header struct {
	magic    atomic.Uint32
	capacity atomic.Uint32
	head     atomic.Uint32 // consumer cursor
	tail     atomic.Uint32 // producer cursor
}

// Queue is one directional SPSC ring.
type Queue struct {
	hdr      *header
	data     []byte
	elemSize int
	capacity uint32 // slot count; one slot is kept empty to detect full
}

// Capacity returns the number of slots a region of the given size holds
// for elemSize-byte elements.
func Capacity(regionSize, elemSize int) int {
	if regionSize <= HeaderSize || elemSize <= 0 {
		return 0
	}
	return (regionSize - HeaderSize) / elemSize
}

// Open views a ring over mem. With reset the header is (re)initialized
// and the ring starts empty; without it the existing header is validated
// against the region geometry so both endpoints agree on the layout.
func Open(mem []byte, elemSize int, reset bool) (*Queue, error) {
	capacity := Capacity(len(mem), elemSize)
	if capacity < 2 {
		return nil, fmt.Errorf("spsc: region of %d bytes too small for %d-byte slots", len(mem), elemSize)
	}

	q := &Queue{
		hdr:      (*header)(unsafe.Pointer(&mem[0])),
		data:     mem[HeaderSize:],
		elemSize: elemSize,
		capacity: uint32(capacity),
	}

	if reset {
		q.hdr.head.Store(0)
		q.hdr.tail.Store(0)
		q.hdr.capacity.Store(q.capacity)
		q.hdr.magic.Store(magic)
		return q, nil
	}

	if m := q.hdr.magic.Load(); m != magic {
		return nil, fmt.Errorf("spsc: bad magic %#x", m)
	}
	if c := q.hdr.capacity.Load(); c != q.capacity {
		return nil, fmt.Errorf("spsc: capacity mismatch: header %d, region %d", c, q.capacity)
	}
	return q, nil
}

// TryEnqueue copies data into the next free slot. It returns false
// without blocking when the ring is full. len(data) must not exceed the
// slot size; shorter elements are zero-padded.
func (q *Queue) TryEnqueue(data []byte) bool {
	if len(data) > q.elemSize {
		return false
	}

	tail := q.hdr.tail.Load()
	next := tail + 1
	if next == q.capacity {
		next = 0
	}
	if next == q.hdr.head.Load() {
		return false // full
	}

	slot := q.data[int(tail)*q.elemSize : (int(tail)+1)*q.elemSize]
	n := copy(slot, data)
	clear(slot[n:])

	q.hdr.tail.Store(next)
	return true
}

// TryDequeue copies the oldest slot into buf and advances the consumer
// cursor. It returns false without blocking when the ring is empty.
func (q *Queue) TryDequeue(buf []byte) bool {
	head := q.hdr.head.Load()
	if head == q.hdr.tail.Load() {
		return false // empty
	}

	slot := q.data[int(head)*q.elemSize : (int(head)+1)*q.elemSize]
	copy(buf, slot)

	next := head + 1
	if next == q.capacity {
		next = 0
	}
	q.hdr.head.Store(next)
	return true
}

// Len returns the number of queued elements. Only advisory: the value
// may be stale by the time it is observed.
func (q *Queue) Len() int {
	head := q.hdr.head.Load()
	tail := q.hdr.tail.Load()
	if tail >= head {
		return int(tail - head)
	}
	return int(q.capacity - head + tail)
}

// Cap returns the usable slot count (one slot is reserved to distinguish
// full from empty).
func (q *Queue) Cap() int {
	return int(q.capacity) - 1
}
