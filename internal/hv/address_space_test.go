package hv

import (
	"bytes"
	"testing"
)

func TestRemoteAddressSpaceContiguous(t *testing.T) {
	mem := make([]byte, 0x1000)
	as := NewRemoteAddressSpace(mem, 0x4000_0000)

	data := []byte{1, 2, 3, 4}
	if _, err := as.WriteAt(data, 0x4000_0010); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem[0x10:0x14], data) {
		t.Fatalf("backing = %x", mem[0x10:0x14])
	}

	got := make([]byte, 4)
	if _, err := as.ReadAt(got, 0x4000_0010); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read = %x", got)
	}

	if _, err := as.ReadAt(got, 0x3fff_fffe); err == nil {
		t.Error("read below base should fail")
	}
	if _, err := as.ReadAt(got, 0x4000_0ffe); err == nil {
		t.Error("read crossing end should fail")
	}
}

func TestRemoteAddressSpaceSplit(t *testing.T) {
	mem := make([]byte, 0x2000)
	// 0x1000 low at base 0x1000, hole of 0x3000, high at 0x5000.
	as, err := NewRemoteAddressSpaceSplit(mem, 0x1000, 0x1000, 0x3000)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := as.WriteAt([]byte{0xaa}, 0x1000); err != nil {
		t.Fatal(err)
	}
	if mem[0] != 0xaa {
		t.Error("low write missed backing offset 0")
	}

	if _, err := as.WriteAt([]byte{0xbb}, 0x5000); err != nil {
		t.Fatal(err)
	}
	if mem[0x1000] != 0xbb {
		t.Error("high write missed backing offset lowSize")
	}

	one := make([]byte, 1)
	if _, err := as.ReadAt(one, 0x3000); err == nil {
		t.Error("read inside hole should fail")
	}
	if as.Contains(0x2000, 1) {
		t.Error("address just past low region should not be mapped")
	}
	if !as.Contains(0x5fff, 1) {
		t.Error("last high byte should be mapped")
	}
}

func TestRemoteAddressSpaceSplitTooLarge(t *testing.T) {
	if _, err := NewRemoteAddressSpaceSplit(make([]byte, 16), 0, 32, 0); err == nil {
		t.Fatal("expected error for lowSize > backing")
	}
}

func TestHostBytesAliasesBacking(t *testing.T) {
	mem := make([]byte, 64)
	as := NewRemoteAddressSpace(mem, 0)

	b, err := as.HostBytes(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	b[0] = 0x55
	if mem[8] != 0x55 {
		t.Fatal("HostBytes must alias the backing mapping")
	}
}
