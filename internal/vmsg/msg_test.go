package vmsg

import (
	"bytes"
	"testing"
)

func TestHeaderZeroesPayload(t *testing.T) {
	var m Msg
	for i := range m.Payload {
		m.Payload[i] = 0xff
	}

	PackGetDeviceStatus(&m, 7)

	if m.ID != VIRTIO_MSG_GET_DEVICE_STATUS {
		t.Errorf("id = %#x, want %#x", m.ID, VIRTIO_MSG_GET_DEVICE_STATUS)
	}
	if m.Type != 0 {
		t.Errorf("type = %#x, want 0", m.Type)
	}
	if m.DevID != 7 {
		t.Errorf("dev_id = %d, want 7", m.DevID)
	}
	for i, b := range m.Payload {
		if b != 0 {
			t.Fatalf("payload[%d] = %#x after pack, want 0", i, b)
		}
	}
}

func TestWireSize(t *testing.T) {
	var m Msg
	PackDeviceInfo(&m, 0)
	buf, err := m.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != Size {
		t.Fatalf("wire size = %d, want %d", len(buf), Size)
	}

	var back Msg
	if err := back.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if back != m {
		t.Fatalf("round-trip mismatch: %+v != %+v", back, m)
	}
}

func TestUnmarshalShort(t *testing.T) {
	var m Msg
	if err := m.UnmarshalBinary(make([]byte, Size-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

// TestConfigGoldenBytes pins the on-wire layout of the 24-bit config
// offset split: offset 0x123456 must encode as low=0x3456, msb=0x12.
func TestConfigGoldenBytes(t *testing.T) {
	var m Msg
	PackSetConfig(&m, 0, 0x123456, 1, 0x7f)

	want := make([]byte, Size)
	want[0] = 0                     // type
	want[1] = VIRTIO_MSG_SET_CONFIG // id
	// dev_id 0
	want[4] = 0x56 // offset low, LE
	want[5] = 0x34
	want[6] = 0x12 // offset msb
	want[7] = 1    // size
	want[8] = 0x7f // data, LE u64

	got, _ := m.MarshalBinary()
	if !bytes.Equal(got, want) {
		t.Fatalf("wire bytes\n got %x\nwant %x", got, want)
	}

	cfg := m.DecodeConfig()
	if cfg.Offset != 0x123456 || cfg.Size != 1 || cfg.Data != 0x7f {
		t.Fatalf("decode = %+v", cfg)
	}
}

func TestSetVqueueGoldenBytes(t *testing.T) {
	var m Msg
	PackSetVqueue(&m, 0, 0, 64, 0xA000, 0xB000, 0xC000)

	got, _ := m.MarshalBinary()
	want := make([]byte, Size)
	want[1] = VIRTIO_MSG_SET_VQUEUE
	want[8] = 64          // size u32 @4
	want[12] = 0x00       // desc u64 @8
	want[13] = 0xA0       // 0xA000 LE
	want[21] = 0xB0       // driver u64 @16
	want[29] = 0xC0       // device u64 @24
	if !bytes.Equal(got, want) {
		t.Fatalf("wire bytes\n got %x\nwant %x", got, want)
	}
}

func TestRoundTrips(t *testing.T) {
	var m Msg

	PackDeviceInfoResp(&m, 3, VIRTIO_MSG_DEVICE_VERSION, 1, VIRTIO_MSG_VENDOR_ID)
	info := m.DecodeDeviceInfoResp()
	if info.DeviceVersion != VIRTIO_MSG_DEVICE_VERSION || info.DeviceID != 1 ||
		info.VendorID != VIRTIO_MSG_VENDOR_ID {
		t.Errorf("device info = %+v", info)
	}
	if m.DevID != 3 {
		t.Errorf("dev_id = %d, want 3", m.DevID)
	}

	PackGetFeaturesResp(&m, 0, 1, 0x1_0000_0007)
	f := m.DecodeFeatures()
	if f.Index != 1 || f.Features != 0x1_0000_0007 {
		t.Errorf("features = %+v", f)
	}

	PackSetVqueue(&m, 0, 2, 256, 0x1000, 0x2000, 0x3000)
	vq := m.DecodeSetVqueue()
	if vq.Index != 2 || vq.Size != 256 || vq.DescAddr != 0x1000 ||
		vq.DriverAddr != 0x2000 || vq.DeviceAddr != 0x3000 {
		t.Errorf("set_vqueue = %+v", vq)
	}

	PackGetVqueueResp(&m, 0, 5, 128)
	r := m.DecodeGetVqueueResp()
	if r.Index != 5 || r.MaxSize != 128 {
		t.Errorf("get_vqueue resp = %+v", r)
	}

	PackEventAvail(&m, 0, 1, 0xdeadbeef, 1)
	ev := m.DecodeEventAvail()
	if ev.Index != 1 || ev.NextOffset != 0xdeadbeef || ev.NextWrap != 1 {
		t.Errorf("event_avail = %+v", ev)
	}

	PackEventConfig(&m, 0, 0x8f, 0x010203, 4, []byte{1, 2, 3, 4})
	ec := m.DecodeEventConfig()
	if ec.Status != 0x8f || ec.CfgOffset != 0x010203 || ec.CfgSize != 4 {
		t.Errorf("event_config = %+v", ec)
	}
	if ec.Value[0] != 1 || ec.Value[3] != 4 || ec.Value[4] != 0 {
		t.Errorf("event_config value = %x", ec.Value)
	}

	PackIOMMUTranslateResp(&m, 0, 0x1000, 0x7f000, VIRTIO_MSG_IOMMU_PROT_READ|VIRTIO_MSG_IOMMU_PROT_WRITE)
	tr := m.DecodeIOMMUTranslateResp()
	if tr.VA != 0x1000 || tr.PA != 0x7f000 || tr.Prot != 3 {
		t.Errorf("iommu translate resp = %+v", tr)
	}

	PackGetConfigGenResp(&m, 0, 42)
	if gen := m.DecodeConfigGenResp(); gen != 42 {
		t.Errorf("config gen = %d, want 42", gen)
	}
}

func TestResponseMatching(t *testing.T) {
	var req, resp Msg
	PackGetVqueue(&req, 0, 1)

	PackGetVqueueResp(&resp, 0, 1, 64)
	if !IsResponseFor(&req, &resp) {
		t.Error("matching response not recognized")
	}

	// Same id but response bit clear: a mirrored request, not a reply.
	PackGetVqueue(&resp, 0, 1)
	if IsResponseFor(&req, &resp) {
		t.Error("request matched as response")
	}

	// Response bit set but different id.
	PackGetDeviceStatusResp(&resp, 0, 0)
	if IsResponseFor(&req, &resp) {
		t.Error("mismatched id matched as response")
	}
}

func TestErrorResp(t *testing.T) {
	var req, resp Msg
	PackGetVqueue(&req, 9, 0)
	PackErrorResp(&resp, &req, VIRTIO_MSG_ERROR_UNSUPPORTED_MESSAGE_ID)

	if !IsResponseFor(&req, &resp) {
		t.Error("error response must match its request")
	}
	if resp.DevID != 9 {
		t.Errorf("dev_id = %d, want 9", resp.DevID)
	}
	if code := resp.DecodeErrorResp(); code != VIRTIO_MSG_ERROR_UNSUPPORTED_MESSAGE_ID {
		t.Errorf("error code = %d", code)
	}
}

func TestIsEvent(t *testing.T) {
	events := []uint8{VIRTIO_MSG_EVENT_CONFIG, VIRTIO_MSG_EVENT_AVAIL, VIRTIO_MSG_EVENT_USED}
	for _, id := range events {
		if !IsEvent(id) {
			t.Errorf("IsEvent(%s) = false", IDName(id))
		}
	}
	for _, id := range []uint8{VIRTIO_MSG_DEVICE_INFO, VIRTIO_MSG_GET_VQUEUE, VIRTIO_MSG_IOMMU_TRANSLATE} {
		if IsEvent(id) {
			t.Errorf("IsEvent(%s) = true", IDName(id))
		}
	}
}

func TestFormatStatus(t *testing.T) {
	s := FormatStatus(0x0f)
	for _, want := range []string{"ACKNOWLEDGE", "DRIVER", "DRIVER_OK", "FEATURES_OK"} {
		if !contains(s, want) {
			t.Errorf("FormatStatus(0x0f) = %q, missing %s", s, want)
		}
	}
	if contains(s, "FAILED") {
		t.Errorf("FormatStatus(0x0f) = %q, unexpected FAILED", s)
	}
}

func contains(s, sub string) bool {
	return bytes.Contains([]byte(s), []byte(sub))
}
