package spsc

import (
	"bytes"
	"fmt"
	"testing"
)

func TestOpenTooSmall(t *testing.T) {
	if _, err := Open(make([]byte, HeaderSize+40), 40, true); err == nil {
		t.Fatal("expected error for region with a single slot")
	}
}

func TestOpenValidatesHeader(t *testing.T) {
	mem := make([]byte, 4096)
	if _, err := Open(mem, 40, false); err == nil {
		t.Fatal("expected bad-magic error on uninitialized region")
	}

	if _, err := Open(mem, 40, true); err != nil {
		t.Fatal(err)
	}
	// Reattach without reset: same geometry succeeds, different fails.
	if _, err := Open(mem, 40, false); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if _, err := Open(mem, 64, false); err == nil {
		t.Fatal("expected capacity mismatch for different slot size")
	}
}

func TestFIFOOrder(t *testing.T) {
	mem := make([]byte, 4096)
	q, err := Open(mem, 40, true)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < q.Cap(); i++ {
		elem := []byte(fmt.Sprintf("elem-%03d", i))
		if !q.TryEnqueue(elem) {
			t.Fatalf("enqueue %d failed below capacity", i)
		}
	}
	if q.TryEnqueue([]byte("overflow")) {
		t.Fatal("enqueue succeeded on full ring")
	}

	buf := make([]byte, 40)
	for i := 0; i < q.Cap(); i++ {
		if !q.TryDequeue(buf) {
			t.Fatalf("dequeue %d failed", i)
		}
		want := fmt.Sprintf("elem-%03d", i)
		if !bytes.Equal(buf[:len(want)], []byte(want)) {
			t.Fatalf("dequeue %d = %q, want %q", i, buf[:len(want)], want)
		}
	}
	if q.TryDequeue(buf) {
		t.Fatal("dequeue succeeded on empty ring")
	}
}

func TestWrapAround(t *testing.T) {
	mem := make([]byte, HeaderSize+40*4) // 3 usable slots
	q, err := Open(mem, 40, true)
	if err != nil {
		t.Fatal(err)
	}
	if q.Cap() != 3 {
		t.Fatalf("cap = %d, want 3", q.Cap())
	}

	buf := make([]byte, 40)
	for round := 0; round < 10; round++ {
		for i := 0; i < 2; i++ {
			if !q.TryEnqueue([]byte{byte(round), byte(i)}) {
				t.Fatalf("round %d enqueue %d failed", round, i)
			}
		}
		for i := 0; i < 2; i++ {
			if !q.TryDequeue(buf) {
				t.Fatalf("round %d dequeue %d failed", round, i)
			}
			if buf[0] != byte(round) || buf[1] != byte(i) {
				t.Fatalf("round %d got %v", round, buf[:2])
			}
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after drain", q.Len())
	}
}

func TestShortElementZeroPadded(t *testing.T) {
	mem := make([]byte, 4096)
	q, _ := Open(mem, 40, true)

	q.TryEnqueue(bytes.Repeat([]byte{0xff}, 40))
	buf := make([]byte, 40)
	q.TryDequeue(buf)

	q.TryEnqueue([]byte{1})
	q.TryDequeue(buf)
	if buf[0] != 1 {
		t.Fatalf("buf[0] = %d", buf[0])
	}
	for i := 1; i < 40; i++ {
		if buf[i] != 0 {
			t.Fatalf("slot not zero-padded at %d: %x", i, buf[i])
		}
	}
}

func TestSharedView(t *testing.T) {
	// Two Queue views over the same region model the two processes.
	mem := make([]byte, 4096)
	tx, err := Open(mem, 40, true)
	if err != nil {
		t.Fatal(err)
	}
	rx, err := Open(mem, 40, false)
	if err != nil {
		t.Fatal(err)
	}

	if !tx.TryEnqueue([]byte("ping")) {
		t.Fatal("enqueue failed")
	}
	buf := make([]byte, 40)
	if !rx.TryDequeue(buf) {
		t.Fatal("peer view did not observe element")
	}
	if !bytes.Equal(buf[:4], []byte("ping")) {
		t.Fatalf("got %q", buf[:4])
	}
}
