package virtio

import (
	"encoding/binary"
	"testing"
)

// mockGuestMemory implements hv.GuestMemory over a flat buffer where
// guest addresses are buffer offsets.
type mockGuestMemory struct {
	data []byte
}

func newMockGuestMemory(size int) *mockGuestMemory {
	return &mockGuestMemory{data: make([]byte, size)}
}

func (m *mockGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *mockGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func (m *mockGuestMemory) writeUint16(addr uint64, val uint16) {
	binary.LittleEndian.PutUint16(m.data[addr:], val)
}

func (m *mockGuestMemory) writeUint32(addr uint64, val uint32) {
	binary.LittleEndian.PutUint32(m.data[addr:], val)
}

func (m *mockGuestMemory) writeUint64(addr uint64, val uint64) {
	binary.LittleEndian.PutUint64(m.data[addr:], val)
}

func (m *mockGuestMemory) readUint16(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(m.data[addr:])
}

func (m *mockGuestMemory) readUint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.data[addr:])
}

// Ring layout used by the tests.
const (
	testDescAddr  = 0x100
	testAvailAddr = 0x500
	testUsedAddr  = 0x900
	testQueueSize = 8
)

// writeDescriptor places a descriptor into the mock descriptor table.
func (m *mockGuestMemory) writeDescriptor(idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := uint64(testDescAddr) + uint64(idx)*16
	m.writeUint64(base, addr)
	m.writeUint32(base+8, length)
	m.writeUint16(base+12, flags)
	m.writeUint16(base+14, next)
}

// pushAvail publishes a descriptor head on the available ring.
func (m *mockGuestMemory) pushAvail(availIdx, head uint16) {
	m.writeUint16(uint64(testAvailAddr)+4+uint64(availIdx%testQueueSize)*2, head)
	m.writeUint16(testAvailAddr+2, availIdx+1)
}

func newTestQueue(t *testing.T, mem *mockGuestMemory) *VirtQueue {
	t.Helper()
	q := NewVirtQueue(mem, testQueueSize)
	if err := q.Configure(testQueueSize, testDescAddr, testAvailAddr, testUsedAddr); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestConfigureValidation(t *testing.T) {
	q := NewVirtQueue(newMockGuestMemory(0x1000), 8)
	if err := q.Configure(0, 0, 0, 0); err == nil {
		t.Error("zero size accepted")
	}
	if err := q.Configure(16, 0, 0, 0); err == nil {
		t.Error("size above max accepted")
	}
	if q.Enabled {
		t.Error("queue enabled after failed configure")
	}
}

func TestReadDescriptor(t *testing.T) {
	mem := newMockGuestMemory(0x1000)
	q := newTestQueue(t, mem)

	mem.writeDescriptor(2, 0xabcd, 512, virtqDescFWrite, 0)
	desc, err := q.ReadDescriptor(2)
	if err != nil {
		t.Fatal(err)
	}
	if desc.Addr != 0xabcd || desc.Length != 512 || desc.Flags != virtqDescFWrite {
		t.Fatalf("descriptor = %+v", desc)
	}

	if _, err := q.ReadDescriptor(testQueueSize); err == nil {
		t.Error("out-of-bounds descriptor read accepted")
	}
}

func TestAvailAndChain(t *testing.T) {
	mem := newMockGuestMemory(0x1000)
	q := newTestQueue(t, mem)

	if _, ok, err := q.GetAvailableBuffer(); err != nil || ok {
		t.Fatalf("empty ring: ok=%v err=%v", ok, err)
	}

	// Two-descriptor chain: read buffer then write buffer.
	mem.writeDescriptor(0, 0xa000, 16, virtqDescFNext, 1)
	mem.writeDescriptor(1, 0xb000, 32, virtqDescFWrite, 0)
	mem.pushAvail(0, 0)

	head, ok, err := q.GetAvailableBuffer()
	if err != nil || !ok || head != 0 {
		t.Fatalf("head=%d ok=%v err=%v", head, ok, err)
	}

	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d", len(chain))
	}
	if chain[0].IsWrite || !chain[1].IsWrite {
		t.Fatalf("chain directions = %+v", chain)
	}
	if chain[1].Addr != 0xb000 || chain[1].Length != 32 {
		t.Fatalf("chain[1] = %+v", chain[1])
	}
}

func TestChainLoopBounded(t *testing.T) {
	mem := newMockGuestMemory(0x1000)
	q := newTestQueue(t, mem)

	// Descriptor pointing at itself; the walk must stop at queue size.
	mem.writeDescriptor(0, 0xa000, 16, virtqDescFNext, 0)
	chain, err := q.ReadDescriptorChain(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != testQueueSize {
		t.Fatalf("loop walked %d entries, want %d", len(chain), testQueueSize)
	}
}

func TestPutUsedBuffer(t *testing.T) {
	mem := newMockGuestMemory(0x1000)
	q := newTestQueue(t, mem)

	if err := q.PutUsedBuffer(3, 128); err != nil {
		t.Fatal(err)
	}

	if got := mem.readUint16(testUsedAddr + 2); got != 1 {
		t.Errorf("used idx = %d, want 1", got)
	}
	if got := mem.readUint32(testUsedAddr + 4); got != 3 {
		t.Errorf("used elem id = %d, want 3", got)
	}
	if got := mem.readUint32(testUsedAddr + 8); got != 128 {
		t.Errorf("used elem len = %d, want 128", got)
	}
}

func TestNotReady(t *testing.T) {
	q := NewVirtQueue(newMockGuestMemory(0x100), 8)
	if _, _, err := q.GetAvailableBuffer(); err == nil {
		t.Error("unconfigured queue served avail read")
	}
	if err := q.PutUsedBuffer(0, 0); err == nil {
		t.Error("unconfigured queue accepted used write")
	}
}

// recordingTransport counts upward notifications.
type recordingTransport struct {
	queueNotifies  []uint32
	configNotifies int
}

func (r *recordingTransport) NotifyQueue(index uint32) error {
	r.queueNotifies = append(r.queueNotifies, index)
	return nil
}

func (r *recordingTransport) NotifyConfig() error {
	r.configNotifies++
	return nil
}

func TestEntropyServesRequest(t *testing.T) {
	mem := newMockGuestMemory(0x1000)
	tr := &recordingTransport{}

	dev := NewEntropy()
	dev.Attach(tr, mem)
	if err := dev.SetQueue(0, testQueueSize, testDescAddr, testAvailAddr, testUsedAddr); err != nil {
		t.Fatal(err)
	}

	// One writable 64-byte buffer at 0xc00.
	mem.writeDescriptor(0, 0xc00, 64, virtqDescFWrite, 0)
	mem.pushAvail(0, 0)

	if err := dev.NotifyQueue(0); err != nil {
		t.Fatal(err)
	}

	if len(tr.queueNotifies) != 1 || tr.queueNotifies[0] != 0 {
		t.Fatalf("transport notifies = %v", tr.queueNotifies)
	}
	if got := mem.readUint32(testUsedAddr + 8); got != 64 {
		t.Errorf("used length = %d, want 64", got)
	}

	zero := true
	for _, b := range mem.data[0xc00 : 0xc00+64] {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		t.Error("entropy buffer left all-zero")
	}
}

func TestEntropyReset(t *testing.T) {
	dev := NewEntropy()
	dev.Attach(&recordingTransport{}, newMockGuestMemory(0x1000))
	dev.SetQueue(0, 8, testDescAddr, testAvailAddr, testUsedAddr)
	dev.SetFeatures(0, VIRTIO_F_VERSION_1)
	dev.SetStatus(VIRTIO_CONFIG_S_ACKNOWLEDGE | VIRTIO_CONFIG_S_DRIVER)

	if err := dev.SetStatus(0); err != nil {
		t.Fatal(err)
	}
	if dev.Status() != 0 {
		t.Errorf("status = %#x after reset", dev.Status())
	}
	if dev.guestFeatures != 0 {
		t.Error("guest features survive reset")
	}
	if dev.queue.Enabled {
		t.Error("queue enabled after reset")
	}
}
