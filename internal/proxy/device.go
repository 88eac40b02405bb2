// Package proxy contains the two halves of a split virtio device: the
// device-side proxy serving a local virtio device to a remote driver,
// and the driver-side proxy presenting a remote device to the local
// virtio host. The proxies are mirror images connected back-to-back by
// one bus.
package proxy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/devices/virtio"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// DeviceProxy is the server side: it receives bus requests, invokes the
// wrapped virtio device and emits responses plus EVENT_USED and
// EVENT_CONFIG events upward.
type DeviceProxy struct {
	mu sync.Mutex

	ep  *bus.Endpoint
	dev virtio.Device

	port  bus.Port
	devID uint16

	guestFeatures uint64
	dma           *DMASpace
}

// NewDeviceProxy wraps dev and connects it to the bus endpoint. The
// device is attached to the proxy's DMA address space, which resolves
// guest addresses through the carrier's remote memory and, once the
// driver enables it, the software IOMMU.
func NewDeviceProxy(ep *bus.Endpoint, dev virtio.Device) (*DeviceProxy, error) {
	p := &DeviceProxy{
		ep:  ep,
		dev: dev,
	}
	p.port = bus.Port{Receive: p.receive, IsDriver: false}

	if !ep.Connect(&p.port, p) {
		return nil, fmt.Errorf("virtio-msg: no bus endpoint attached")
	}
	ep.SetNotifyHandler(p.processNotify)

	p.dma = NewDMASpace(ep)
	dev.Attach(p, p.dma)
	return p, nil
}

// processNotify drains the bus under the proxy lock; it is the carrier
// notification entry point.
func (p *DeviceProxy) processNotify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ep.Process(); err != nil && err != bus.ErrCarrierClosed {
		slog.Error("virtio-msg: device proxy process", "err", err)
	}
}

// deviceHandler handles one message id.
type deviceHandler func(p *DeviceProxy, msg *vmsg.Msg) error

// deviceHandlers is the dispatch table, indexed by message id.
var deviceHandlers = []deviceHandler{
	vmsg.VIRTIO_MSG_DEVICE_INFO:       (*DeviceProxy).handleDeviceInfo,
	vmsg.VIRTIO_MSG_GET_FEATURES:      (*DeviceProxy).handleGetFeatures,
	vmsg.VIRTIO_MSG_SET_FEATURES:      (*DeviceProxy).handleSetFeatures,
	vmsg.VIRTIO_MSG_GET_CONFIG:        (*DeviceProxy).handleGetConfig,
	vmsg.VIRTIO_MSG_SET_CONFIG:        (*DeviceProxy).handleSetConfig,
	vmsg.VIRTIO_MSG_GET_CONFIG_GEN:    (*DeviceProxy).handleGetConfigGen,
	vmsg.VIRTIO_MSG_GET_DEVICE_STATUS: (*DeviceProxy).handleGetDeviceStatus,
	vmsg.VIRTIO_MSG_SET_DEVICE_STATUS: (*DeviceProxy).handleSetDeviceStatus,
	vmsg.VIRTIO_MSG_GET_VQUEUE:        (*DeviceProxy).handleGetVqueue,
	vmsg.VIRTIO_MSG_SET_VQUEUE:        (*DeviceProxy).handleSetVqueue,
	vmsg.VIRTIO_MSG_RESET_VQUEUE:      (*DeviceProxy).handleResetVqueue,
	vmsg.VIRTIO_MSG_EVENT_AVAIL:       (*DeviceProxy).handleEventAvail,
	vmsg.VIRTIO_MSG_IOMMU_ENABLE:      (*DeviceProxy).handleIOMMUEnable,
}

// receive dispatches one incoming message. Runs from the bus processing
// path, already serialized by the proxy lock.
func (p *DeviceProxy) receive(ep *bus.Endpoint, msg *vmsg.Msg) error {
	if msg.IsResponse() {
		return fmt.Errorf("virtio-msg: device proxy got a response (%s): %w",
			vmsg.IDName(msg.ID), bus.ErrPeerProtocolViolation)
	}
	if int(msg.ID) >= len(deviceHandlers) || deviceHandlers[msg.ID] == nil {
		return bus.ErrUnsupportedMessageID
	}
	return deviceHandlers[msg.ID](p, msg)
}

func (p *DeviceProxy) handleDeviceInfo(msg *vmsg.Msg) error {
	var resp vmsg.Msg
	vmsg.PackDeviceInfoResp(&resp, msg.DevID,
		vmsg.VIRTIO_MSG_DEVICE_VERSION,
		uint32(p.dev.DeviceID()),
		vmsg.VIRTIO_MSG_VENDOR_ID)
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleGetFeatures(msg *vmsg.Msg) error {
	f := msg.DecodeFeatures()

	// Advertise the local device's features, not anything a connected
	// peer proxy may believe. The transport itself requires VERSION_1.
	features := p.dev.GetFeatures(f.Index)
	if f.Index == 0 {
		features |= virtio.VIRTIO_F_VERSION_1
	}

	var resp vmsg.Msg
	vmsg.PackGetFeaturesResp(&resp, msg.DevID, f.Index, features)
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleSetFeatures(msg *vmsg.Msg) error {
	f := msg.DecodeFeatures()
	if f.Index == 0 {
		// Latched now, committed into the device at FEATURES_OK.
		p.guestFeatures = f.Features
	}

	var resp vmsg.Msg
	vmsg.PackSetFeaturesResp(&resp, msg.DevID, f.Index, f.Features)
	return p.ep.Send(&resp, nil)
}

func checkConfigAccess(cfg vmsg.Config) error {
	switch cfg.Size {
	case 1, 2, 4:
		return nil
	}
	return fmt.Errorf("virtio-msg: config access size %d: %w",
		cfg.Size, bus.ErrPeerProtocolViolation)
}

func (p *DeviceProxy) handleGetConfig(msg *vmsg.Msg) error {
	cfg := msg.DecodeConfig()
	if err := checkConfigAccess(cfg); err != nil {
		return err
	}

	data, err := p.dev.ReadConfig(cfg.Offset, int(cfg.Size))
	if err != nil {
		return err
	}

	var resp vmsg.Msg
	vmsg.PackGetConfigResp(&resp, msg.DevID, cfg.Offset, cfg.Size, data)
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleSetConfig(msg *vmsg.Msg) error {
	cfg := msg.DecodeConfig()
	if err := checkConfigAccess(cfg); err != nil {
		return err
	}

	if err := p.dev.WriteConfig(cfg.Offset, int(cfg.Size), cfg.Data); err != nil {
		return err
	}

	var resp vmsg.Msg
	vmsg.PackSetConfigResp(&resp, msg.DevID, cfg.Offset, cfg.Size, cfg.Data)
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleGetConfigGen(msg *vmsg.Msg) error {
	var resp vmsg.Msg
	vmsg.PackGetConfigGenResp(&resp, msg.DevID, p.dev.ConfigGeneration())
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleGetDeviceStatus(msg *vmsg.Msg) error {
	var resp vmsg.Msg
	vmsg.PackGetDeviceStatusResp(&resp, msg.DevID, p.dev.Status())
	return p.ep.Send(&resp, nil)
}

// handleSetDeviceStatus runs the status state machine.
func (p *DeviceProxy) handleSetDeviceStatus(msg *vmsg.Msg) error {
	status := msg.DecodeDeviceStatus()
	slog.Debug("virtio-msg: set device status", "status", vmsg.FormatStatus(status))

	ctrl, hasIoeventfd := p.dev.(virtio.IoeventfdController)

	if status&virtio.VIRTIO_CONFIG_S_DRIVER_OK == 0 && hasIoeventfd {
		if err := ctrl.StopIoeventfd(); err != nil {
			return err
		}
	}

	if status&virtio.VIRTIO_CONFIG_S_FEATURES_OK != 0 {
		if err := p.dev.SetFeatures(0, p.guestFeatures); err != nil {
			return err
		}
	}

	if err := p.dev.SetStatus(status); err != nil {
		return err
	}
	if got := p.dev.Status(); got != status {
		return fmt.Errorf("virtio-msg: device status echo mismatch: set %#x, device reports %#x",
			status, got)
	}

	if status&virtio.VIRTIO_CONFIG_S_DRIVER_OK != 0 && hasIoeventfd {
		if err := ctrl.StartIoeventfd(); err != nil {
			return err
		}
	}

	if status == 0 {
		p.softReset()
	}
	return nil
}

// softReset resets the wrapped device and clears the negotiated feature
// latch.
func (p *DeviceProxy) softReset() {
	p.dev.Reset()
	p.guestFeatures = 0
}

func (p *DeviceProxy) handleGetVqueue(msg *vmsg.Msg) error {
	q := msg.DecodeGetVqueue()
	var resp vmsg.Msg
	vmsg.PackGetVqueueResp(&resp, msg.DevID, q.Index, p.dev.QueueMax(q.Index))
	return p.ep.Send(&resp, nil)
}

func (p *DeviceProxy) handleSetVqueue(msg *vmsg.Msg) error {
	q := msg.DecodeSetVqueue()
	return p.dev.SetQueue(q.Index, q.Size, q.DescAddr, q.DriverAddr, q.DeviceAddr)
}

func (p *DeviceProxy) handleResetVqueue(msg *vmsg.Msg) error {
	return p.dev.ResetQueue(msg.DecodeResetVqueue())
}

func (p *DeviceProxy) handleEventAvail(msg *vmsg.Msg) error {
	ev := msg.DecodeEventAvail()

	if p.dev.Status()&virtio.VIRTIO_CONFIG_S_DRIVER_OK == 0 {
		// Kick before DRIVER_OK: tell the driver side about the state
		// it missed and drop the event.
		slog.Warn("virtio-msg: queue notification while driver not OK",
			"index", ev.Index, "status", vmsg.FormatStatus(p.dev.Status()))
		var evc vmsg.Msg
		vmsg.PackEventConfig(&evc, p.devID, p.dev.Status(), 0, 0, nil)
		return p.ep.Send(&evc, nil)
	}

	return p.dev.NotifyQueue(ev.Index)
}

func (p *DeviceProxy) handleIOMMUEnable(msg *vmsg.Msg) error {
	enable := msg.DecodeIOMMUEnable()
	slog.Debug("virtio-msg: iommu", "enable", enable)
	p.dma.SetEnabled(enable)
	return nil
}

// NotifyQueue implements virtio.Transport: used buffers are available.
// Must be called from the serving context (a device handler or the
// proxy's ioeventfd loop).
func (p *DeviceProxy) NotifyQueue(index uint32) error {
	if !p.ep.Connected() {
		return nil
	}
	var msg vmsg.Msg
	vmsg.PackEventUsed(&msg, p.devID, index)
	return p.ep.Send(&msg, nil)
}

// NotifyConfig implements virtio.Transport: the device configuration
// changed.
func (p *DeviceProxy) NotifyConfig() error {
	if !p.ep.Connected() {
		return nil
	}
	var msg vmsg.Msg
	vmsg.PackEventConfig(&msg, p.devID, p.dev.Status(), 0, 0, nil)
	return p.ep.Send(&msg, nil)
}

// GuestFeatures returns the negotiated-features latch. The latch
// survives soft resets only through GuestFeatures/RestoreGuestFeatures,
// which migration uses.
func (p *DeviceProxy) GuestFeatures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guestFeatures
}

// RestoreGuestFeatures reinstates a migrated feature latch.
func (p *DeviceProxy) RestoreGuestFeatures(f uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guestFeatures = f
}

// Close disconnects the proxy and shuts the endpoint down.
func (p *DeviceProxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ep.Close()
}

var _ virtio.Transport = (*DeviceProxy)(nil)
