// Package vmsg implements the virtio-msg wire format: a 40-byte packed,
// little-endian message exchanged between a driver endpoint and a device
// endpoint. The package covers packing, unpacking, response matching and
// message tracing; it knows nothing about how messages are carried.
package vmsg

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Protocol version advertised in DEVICE_INFO responses (v0.0.1).
const VIRTIO_MSG_DEVICE_VERSION = 0x000001

// Vendor id advertised in DEVICE_INFO responses ('QEMU').
const VIRTIO_MSG_VENDOR_ID = 0x554D4551

// Message ids. CONNECT, DISCONNECT and IOMMU_INVALIDATE are reserved:
// they have ids but no payload variants and no handlers.
const (
	VIRTIO_MSG_CONNECT           = 0x01
	VIRTIO_MSG_DISCONNECT        = 0x02
	VIRTIO_MSG_DEVICE_INFO       = 0x03
	VIRTIO_MSG_GET_FEATURES      = 0x04
	VIRTIO_MSG_SET_FEATURES      = 0x05
	VIRTIO_MSG_GET_CONFIG        = 0x06
	VIRTIO_MSG_SET_CONFIG        = 0x07
	VIRTIO_MSG_GET_CONFIG_GEN    = 0x08
	VIRTIO_MSG_GET_DEVICE_STATUS = 0x09
	VIRTIO_MSG_SET_DEVICE_STATUS = 0x0a
	VIRTIO_MSG_GET_VQUEUE        = 0x0b
	VIRTIO_MSG_SET_VQUEUE        = 0x0c
	VIRTIO_MSG_RESET_VQUEUE      = 0x0d
	VIRTIO_MSG_EVENT_CONFIG      = 0x10
	VIRTIO_MSG_EVENT_AVAIL       = 0x11
	VIRTIO_MSG_EVENT_USED        = 0x12
	VIRTIO_MSG_IOMMU_ENABLE      = 0x20
	VIRTIO_MSG_IOMMU_TRANSLATE   = 0x21
	VIRTIO_MSG_IOMMU_INVALIDATE  = 0x22
)

// Type bitfield.
const (
	// VIRTIO_MSG_TYPE_RESPONSE marks a message as the response to a
	// request with the same id.
	VIRTIO_MSG_TYPE_RESPONSE = 1 << 0
	// VIRTIO_MSG_TYPE_BUS marks bus-local messages (reserved ids).
	VIRTIO_MSG_TYPE_BUS = 1 << 1
)

// Wire error codes carried in payload byte 0 of an error response.
const (
	VIRTIO_MSG_NO_ERROR                     = 0
	VIRTIO_MSG_ERROR_UNSUPPORTED_MESSAGE_ID = 1
)

// IOMMU constants. Translation granularity is fixed at 4 KiB.
const (
	VIRTIO_MSG_IOMMU_PAGE_SIZE = 4096
	VIRTIO_MSG_IOMMU_PAGE_MASK = VIRTIO_MSG_IOMMU_PAGE_SIZE - 1

	VIRTIO_MSG_IOMMU_PROT_READ  = 1 << 0
	VIRTIO_MSG_IOMMU_PROT_WRITE = 1 << 1
)

// Size is the fixed on-wire size of every message.
const Size = 40

// PayloadSize is the variant-specific payload area following the header.
const PayloadSize = 36

// Msg is a single virtio-msg message. The header is 4 bytes (type, id,
// dev_id) followed by a 36-byte payload whose layout is selected by ID.
// All multi-byte fields are little-endian on the wire; unused payload
// bytes must be zero.
type Msg struct {
	Type    uint8
	ID      uint8
	DevID   uint16
	Payload [PayloadSize]byte
}

// IsResponse reports whether the response bit is set.
func (m *Msg) IsResponse() bool {
	return m.Type&VIRTIO_MSG_TYPE_RESPONSE != 0
}

// IsResponseFor reports whether resp is the reply to req. Matching is by
// id plus the response bit; dev_id is a demux tag, not a sequence number.
func IsResponseFor(req, resp *Msg) bool {
	return resp.ID == req.ID && resp.IsResponse()
}

// MarshalBinary encodes the message into its 40-byte wire form.
func (m *Msg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	m.Encode(buf)
	return buf, nil
}

// Encode writes the 40-byte wire form into buf, which must hold Size bytes.
func (m *Msg) Encode(buf []byte) {
	_ = buf[Size-1]
	buf[0] = m.Type
	buf[1] = m.ID
	binary.LittleEndian.PutUint16(buf[2:4], m.DevID)
	copy(buf[4:Size], m.Payload[:])
}

// UnmarshalBinary decodes a message from its 40-byte wire form.
func (m *Msg) UnmarshalBinary(buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("vmsg: short message: %d < %d bytes", len(buf), Size)
	}
	m.Type = buf[0]
	m.ID = buf[1]
	m.DevID = binary.LittleEndian.Uint16(buf[2:4])
	copy(m.Payload[:], buf[4:Size])
	return nil
}

// packHeader resets the message to a zeroed payload and writes the header.
// Every pack function goes through here so stale payload bytes can never
// leak onto the wire.
func (m *Msg) packHeader(id uint8, typ uint8, devID uint16) {
	m.Type = typ
	m.ID = id
	m.DevID = devID
	clear(m.Payload[:])
}

func (m *Msg) putU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(m.Payload[off:off+2], v)
}

func (m *Msg) putU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(m.Payload[off:off+4], v)
}

func (m *Msg) putU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(m.Payload[off:off+8], v)
}

func (m *Msg) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(m.Payload[off : off+2])
}

func (m *Msg) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(m.Payload[off : off+4])
}

func (m *Msg) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(m.Payload[off : off+8])
}

// putU24 stores a 24-bit offset as u16 low + u8 msb.
func (m *Msg) putU24(off int, v uint32) {
	m.putU16(off, uint16(v&0xffff))
	m.Payload[off+2] = uint8(v >> 16)
}

// u24 reconstructs a 24-bit offset as (msb << 16) | low.
func (m *Msg) u24(off int) uint32 {
	return uint32(m.u16(off)) | uint32(m.Payload[off+2])<<16
}

// idNames maps message ids to their protocol names for tracing.
var idNames = map[uint8]string{
	VIRTIO_MSG_CONNECT:           "CONNECT",
	VIRTIO_MSG_DISCONNECT:        "DISCONNECT",
	VIRTIO_MSG_DEVICE_INFO:       "DEVICE_INFO",
	VIRTIO_MSG_GET_FEATURES:      "GET_FEATURES",
	VIRTIO_MSG_SET_FEATURES:      "SET_FEATURES",
	VIRTIO_MSG_GET_CONFIG:        "GET_CONFIG",
	VIRTIO_MSG_SET_CONFIG:        "SET_CONFIG",
	VIRTIO_MSG_GET_CONFIG_GEN:    "GET_CONFIG_GEN",
	VIRTIO_MSG_GET_DEVICE_STATUS: "GET_DEVICE_STATUS",
	VIRTIO_MSG_SET_DEVICE_STATUS: "SET_DEVICE_STATUS",
	VIRTIO_MSG_GET_VQUEUE:        "GET_VQUEUE",
	VIRTIO_MSG_SET_VQUEUE:        "SET_VQUEUE",
	VIRTIO_MSG_RESET_VQUEUE:      "RESET_VQUEUE",
	VIRTIO_MSG_EVENT_CONFIG:      "EVENT_CONFIG",
	VIRTIO_MSG_EVENT_AVAIL:       "EVENT_AVAIL",
	VIRTIO_MSG_EVENT_USED:        "EVENT_USED",
	VIRTIO_MSG_IOMMU_ENABLE:      "IOMMU_ENABLE",
	VIRTIO_MSG_IOMMU_TRANSLATE:   "IOMMU_TRANSLATE",
	VIRTIO_MSG_IOMMU_INVALIDATE:  "IOMMU_INVALIDATE",
}

// IDName returns the protocol name for id, or a hex fallback.
func IDName(id uint8) string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", id)
}

// String renders a trace of the message: id name, type, dev_id and the
// first 32 payload bytes. Status-carrying messages append the decoded
// status bitfield.
func (m *Msg) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s type 0x%x dev_id 0x%x payload %x",
		IDName(m.ID), m.Type, m.DevID, m.Payload[:32])

	switch m.ID {
	case VIRTIO_MSG_SET_DEVICE_STATUS:
		fmt.Fprintf(&sb, " [%s]", FormatStatus(m.u32(0)))
	case VIRTIO_MSG_GET_DEVICE_STATUS:
		if m.IsResponse() {
			fmt.Fprintf(&sb, " [%s]", FormatStatus(m.u32(0)))
		}
	}
	return sb.String()
}

// Virtio driver status bits, mirrored here so traces can decode them
// without importing the device layer.
const (
	statusAcknowledge = 0x01
	statusDriver      = 0x02
	statusDriverOK    = 0x04
	statusFeaturesOK  = 0x08
	statusNeedsReset  = 0x40
	statusFailed      = 0x80
)

// FormatStatus decodes a virtio status bitfield into a readable string.
func FormatStatus(status uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status %x", status)

	for _, bit := range []struct {
		mask uint32
		name string
	}{
		{statusAcknowledge, "ACKNOWLEDGE"},
		{statusDriver, "DRIVER"},
		{statusDriverOK, "DRIVER_OK"},
		{statusFeaturesOK, "FEATURES_OK"},
		{statusNeedsReset, "NEEDS_RESET"},
		{statusFailed, "FAILED"},
	} {
		if status&bit.mask != 0 {
			sb.WriteByte(' ')
			sb.WriteString(bit.name)
		}
	}
	return sb.String()
}
