package vmsg

// Pack functions build one message variant each. Every pack zeroes the
// payload first (via packHeader), then little-endian-encodes the variant
// fields at their fixed offsets. Packing cannot fail.

// PackDeviceInfo builds a DEVICE_INFO request.
func PackDeviceInfo(m *Msg, devID uint16) {
	m.packHeader(VIRTIO_MSG_DEVICE_INFO, 0, devID)
}

// PackDeviceInfoResp builds a DEVICE_INFO response.
func PackDeviceInfoResp(m *Msg, devID uint16, version, deviceID, vendorID uint32) {
	m.packHeader(VIRTIO_MSG_DEVICE_INFO, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, version)
	m.putU32(4, deviceID)
	m.putU32(8, vendorID)
}

// PackGetFeatures builds a GET_FEATURES request for a 64-bit feature word.
func PackGetFeatures(m *Msg, devID uint16, index uint32) {
	m.packHeader(VIRTIO_MSG_GET_FEATURES, 0, devID)
	m.putU32(0, index)
}

// PackGetFeaturesResp builds a GET_FEATURES response.
func PackGetFeaturesResp(m *Msg, devID uint16, index uint32, features uint64) {
	m.packHeader(VIRTIO_MSG_GET_FEATURES, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, index)
	m.putU64(4, features)
}

// PackSetFeatures builds a SET_FEATURES request.
func PackSetFeatures(m *Msg, devID uint16, index uint32, features uint64) {
	m.packHeader(VIRTIO_MSG_SET_FEATURES, 0, devID)
	m.putU32(0, index)
	m.putU64(4, features)
}

// PackSetFeaturesResp builds the SET_FEATURES echo response.
func PackSetFeaturesResp(m *Msg, devID uint16, index uint32, features uint64) {
	m.packHeader(VIRTIO_MSG_SET_FEATURES, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, index)
	m.putU64(4, features)
}

// PackGetConfig builds a GET_CONFIG request. offset is 24 bits wide;
// size must be 1, 2 or 4.
func PackGetConfig(m *Msg, devID uint16, offset uint32, size uint8) {
	m.packHeader(VIRTIO_MSG_GET_CONFIG, 0, devID)
	m.putU24(0, offset)
	m.Payload[3] = size
}

// PackGetConfigResp builds a GET_CONFIG response.
func PackGetConfigResp(m *Msg, devID uint16, offset uint32, size uint8, data uint64) {
	m.packHeader(VIRTIO_MSG_GET_CONFIG, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU24(0, offset)
	m.Payload[3] = size
	m.putU64(4, data)
}

// PackSetConfig builds a SET_CONFIG request.
func PackSetConfig(m *Msg, devID uint16, offset uint32, size uint8, data uint64) {
	m.packHeader(VIRTIO_MSG_SET_CONFIG, 0, devID)
	m.putU24(0, offset)
	m.Payload[3] = size
	m.putU64(4, data)
}

// PackSetConfigResp builds the SET_CONFIG echo response.
func PackSetConfigResp(m *Msg, devID uint16, offset uint32, size uint8, data uint64) {
	m.packHeader(VIRTIO_MSG_SET_CONFIG, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU24(0, offset)
	m.Payload[3] = size
	m.putU64(4, data)
}

// PackGetConfigGen builds a GET_CONFIG_GEN request.
func PackGetConfigGen(m *Msg, devID uint16) {
	m.packHeader(VIRTIO_MSG_GET_CONFIG_GEN, 0, devID)
}

// PackGetConfigGenResp builds a GET_CONFIG_GEN response.
func PackGetConfigGenResp(m *Msg, devID uint16, generation uint32) {
	m.packHeader(VIRTIO_MSG_GET_CONFIG_GEN, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, generation)
}

// PackGetDeviceStatus builds a GET_DEVICE_STATUS request.
func PackGetDeviceStatus(m *Msg, devID uint16) {
	m.packHeader(VIRTIO_MSG_GET_DEVICE_STATUS, 0, devID)
}

// PackGetDeviceStatusResp builds a GET_DEVICE_STATUS response.
func PackGetDeviceStatusResp(m *Msg, devID uint16, status uint32) {
	m.packHeader(VIRTIO_MSG_GET_DEVICE_STATUS, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, status)
}

// PackSetDeviceStatus builds a SET_DEVICE_STATUS request.
func PackSetDeviceStatus(m *Msg, devID uint16, status uint32) {
	m.packHeader(VIRTIO_MSG_SET_DEVICE_STATUS, 0, devID)
	m.putU32(0, status)
}

// PackGetVqueue builds a GET_VQUEUE request.
func PackGetVqueue(m *Msg, devID uint16, index uint32) {
	m.packHeader(VIRTIO_MSG_GET_VQUEUE, 0, devID)
	m.putU32(0, index)
}

// PackGetVqueueResp builds a GET_VQUEUE response.
func PackGetVqueueResp(m *Msg, devID uint16, index, maxSize uint32) {
	m.packHeader(VIRTIO_MSG_GET_VQUEUE, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU32(0, index)
	m.putU32(4, maxSize)
}

// PackSetVqueue builds a SET_VQUEUE request carrying the ring geometry.
func PackSetVqueue(m *Msg, devID uint16, index, size uint32, descAddr, driverAddr, deviceAddr uint64) {
	m.packHeader(VIRTIO_MSG_SET_VQUEUE, 0, devID)
	m.putU32(0, index)
	m.putU32(4, size)
	m.putU64(8, descAddr)
	m.putU64(16, driverAddr)
	m.putU64(24, deviceAddr)
}

// PackResetVqueue builds a RESET_VQUEUE request.
func PackResetVqueue(m *Msg, devID uint16, index uint32) {
	m.packHeader(VIRTIO_MSG_RESET_VQUEUE, 0, devID)
	m.putU32(0, index)
}

// PackEventConfig builds an EVENT_CONFIG event. value may be nil or up
// to 16 bytes of changed config data.
func PackEventConfig(m *Msg, devID uint16, status, cfgOffset uint32, cfgSize uint8, value []byte) {
	m.packHeader(VIRTIO_MSG_EVENT_CONFIG, 0, devID)
	m.putU32(0, status)
	m.putU24(4, cfgOffset)
	m.Payload[7] = cfgSize
	copy(m.Payload[8:24], value)
}

// PackEventAvail builds an EVENT_AVAIL event (driver -> device).
func PackEventAvail(m *Msg, devID uint16, index uint32, nextOffset, nextWrap uint64) {
	m.packHeader(VIRTIO_MSG_EVENT_AVAIL, 0, devID)
	m.putU32(0, index)
	m.putU64(4, nextOffset)
	m.putU64(12, nextWrap)
}

// PackEventUsed builds an EVENT_USED event (device -> driver).
func PackEventUsed(m *Msg, devID uint16, index uint32) {
	m.packHeader(VIRTIO_MSG_EVENT_USED, 0, devID)
	m.putU32(0, index)
}

// PackIOMMUEnable builds an IOMMU_ENABLE request.
func PackIOMMUEnable(m *Msg, devID uint16, enable bool) {
	m.packHeader(VIRTIO_MSG_IOMMU_ENABLE, 0, devID)
	if enable {
		m.Payload[0] = 1
	}
}

// PackIOMMUTranslate builds an IOMMU_TRANSLATE request. va must be
// aligned to VIRTIO_MSG_IOMMU_PAGE_SIZE.
func PackIOMMUTranslate(m *Msg, devID uint16, va uint64, prot uint8) {
	m.packHeader(VIRTIO_MSG_IOMMU_TRANSLATE, 0, devID)
	m.putU64(0, va)
	m.Payload[8] = prot
}

// PackIOMMUTranslateResp builds an IOMMU_TRANSLATE response.
func PackIOMMUTranslateResp(m *Msg, devID uint16, va, pa uint64, prot uint8) {
	m.packHeader(VIRTIO_MSG_IOMMU_TRANSLATE, VIRTIO_MSG_TYPE_RESPONSE, devID)
	m.putU64(0, va)
	m.putU64(8, pa)
	m.Payload[16] = prot
}

// PackErrorResp builds an error response to req. The error code lives in
// payload byte 0 of an otherwise-empty payload.
func PackErrorResp(m *Msg, req *Msg, code uint8) {
	m.packHeader(req.ID, VIRTIO_MSG_TYPE_RESPONSE, req.DevID)
	m.Payload[0] = code
}
