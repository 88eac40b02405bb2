package proxy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/devices/virtio"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// DriverHost is the callback surface the driver proxy uses to reach the
// local virtio host: forwarding device events into the synthesized
// device the guest sees.
type DriverHost interface {
	// QueueNotify force-notifies the local virtqueue: the remote device
	// used buffers.
	QueueNotify(index uint32) error
	// ConfigNotify signals a device configuration change.
	ConfigNotify() error
}

// DriverConfig configures a driver proxy.
type DriverConfig struct {
	// VirtioID is the expected virtio device id of the peer. A
	// mismatch at connect time is fatal for the proxy.
	VirtioID uint16 `yaml:"virtio-id"`

	// DevID is the multiplex tag stamped on outgoing messages.
	DevID uint16 `yaml:"dev-id"`
}

// driverQueue is the local view of one remote virtqueue.
type driverQueue struct {
	maxSize uint32
}

// DriverProxy is the client side: it drives the remote device over the
// bus and presents a synthesized virtio device to the local host. Every
// device-class operation turns into a request, most with a synchronous
// response.
type DriverProxy struct {
	mu sync.Mutex

	ep   *bus.Endpoint
	host DriverHost
	cfg  DriverConfig

	port bus.Port

	hostFeatures  uint64
	guestFeatures uint64
	status        uint32

	queues []driverQueue
}

// NewDriverProxy connects to the bus and performs the connect-time
// handshake: DEVICE_INFO (checked against the configured id),
// GET_FEATURES, and the initial queue probe. A handshake failure
// terminates only this proxy, never the host process.
func NewDriverProxy(ep *bus.Endpoint, host DriverHost, cfg DriverConfig) (*DriverProxy, error) {
	p := &DriverProxy{
		ep:   ep,
		host: host,
		cfg:  cfg,
	}
	p.port = bus.Port{Receive: p.receive, IsDriver: true}

	if !ep.Connect(&p.port, p) {
		return nil, fmt.Errorf("virtio-msg: no bus endpoint attached")
	}
	ep.SetNotifyHandler(p.processNotify)

	p.mu.Lock()
	err := p.handshake()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DriverProxy) processNotify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ep.Process(); err != nil && err != bus.ErrCarrierClosed {
		slog.Error("virtio-msg: driver proxy process", "err", err)
	}
}

func (p *DriverProxy) handshake() error {
	var req, resp vmsg.Msg

	vmsg.PackDeviceInfo(&req, p.cfg.DevID)
	if err := p.ep.Send(&req, &resp); err != nil {
		return err
	}
	info := resp.DecodeDeviceInfoResp()
	if info.DeviceID != uint32(p.cfg.VirtioID) {
		return fmt.Errorf("virtio-msg: device id mismatch: peer %#x, configured %#x: %w",
			info.DeviceID, p.cfg.VirtioID, bus.ErrPeerProtocolViolation)
	}
	slog.Info("virtio-msg: connected to device",
		"device_id", info.DeviceID,
		"version", fmt.Sprintf("%#06x", info.DeviceVersion),
		"vendor_id", fmt.Sprintf("%#x", info.VendorID))

	f, err := p.getFeatures(0)
	if err != nil {
		return err
	}
	p.hostFeatures |= f

	return p.probeQueues()
}

// receive handles peer events. Requests the driver side does not serve
// are ignored, matching the reference behavior; IOMMU_TRANSLATE is the
// exception, answered from the carrier's local translator.
func (p *DriverProxy) receive(ep *bus.Endpoint, msg *vmsg.Msg) error {
	switch msg.ID {
	case vmsg.VIRTIO_MSG_EVENT_USED:
		if p.host == nil {
			return nil
		}
		return p.host.QueueNotify(msg.DecodeEventUsed())

	case vmsg.VIRTIO_MSG_EVENT_CONFIG:
		if p.host == nil {
			return nil
		}
		return p.host.ConfigNotify()

	case vmsg.VIRTIO_MSG_IOMMU_TRANSLATE:
		if msg.IsResponse() {
			return nil
		}
		return p.handleIOMMUTranslate(msg)
	}
	// Ignore.
	return nil
}

// handleIOMMUTranslate serves the peer's software IOMMU from this
// side's pagemap translator.
func (p *DriverProxy) handleIOMMUTranslate(msg *vmsg.Msg) error {
	tr := msg.DecodeIOMMUTranslate()

	entry, err := p.ep.IOMMUTranslate(tr.VA, tr.Prot)
	if err != nil {
		slog.Warn("virtio-msg: translate failed", "va", fmt.Sprintf("%#x", tr.VA), "err", err)
		entry = bus.IOMMUTLBEntry{IOVA: tr.VA} // Prot 0: no access.
	}

	var resp vmsg.Msg
	vmsg.PackIOMMUTranslateResp(&resp, msg.DevID, entry.IOVA, entry.TranslatedAddr, entry.Prot)
	return p.ep.Send(&resp, nil)
}

func (p *DriverProxy) getFeatures(index uint32) (uint64, error) {
	var req, resp vmsg.Msg
	vmsg.PackGetFeatures(&req, p.cfg.DevID, index)
	if err := p.ep.Send(&req, &resp); err != nil {
		return 0, err
	}
	return resp.DecodeFeatures().Features, nil
}

// probeQueue asks the peer about queue i and mirrors it locally.
// Returns false when the peer reports no such queue.
func (p *DriverProxy) probeQueue(i uint32) (bool, error) {
	var req, resp vmsg.Msg
	vmsg.PackGetVqueue(&req, p.cfg.DevID, i)
	if err := p.ep.Send(&req, &resp); err != nil {
		return false, err
	}

	r := resp.DecodeGetVqueueResp()
	if r.MaxSize == 0 {
		return false, nil
	}

	slog.Debug("virtio-msg: queue add", "index", i, "max_size", r.MaxSize)
	p.queues = append(p.queues, driverQueue{maxSize: r.MaxSize})
	return true, nil
}

// probeQueues rebuilds the local queue table from the peer. Re-probing
// first deletes all existing local queues, making the operation
// idempotent; it runs again after FEATURES_OK because feature
// negotiation can change the set of active queues.
func (p *DriverProxy) probeQueues() error {
	for i := range p.queues {
		slog.Debug("virtio-msg: queue remove", "index", i)
	}
	p.queues = p.queues[:0]

	for i := uint32(0); i < virtio.VIRTIO_QUEUE_MAX; i++ {
		more, err := p.probeQueue(i)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// GetFeatures returns the feature set learned from the peer.
func (p *DriverProxy) GetFeatures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hostFeatures
}

// SetFeatures forwards the local driver's feature selection and latches
// it for migration.
func (p *DriverProxy) SetFeatures(features uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.guestFeatures = features
	var req vmsg.Msg
	vmsg.PackSetFeatures(&req, p.cfg.DevID, 0, features)
	return p.ep.Send(&req, nil)
}

// SetStatus forwards a driver status write. At FEATURES_OK the queue
// table is re-probed first; afterwards the peer's view of the status is
// read back and adopted, which may legally differ from what was written
// (NEEDS_RESET, FAILED).
func (p *DriverProxy) SetStatus(status uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status&virtio.VIRTIO_CONFIG_S_FEATURES_OK != 0 {
		if err := p.probeQueues(); err != nil {
			return err
		}
	}

	var req, resp vmsg.Msg
	vmsg.PackSetDeviceStatus(&req, p.cfg.DevID, status)
	if err := p.ep.Send(&req, nil); err != nil {
		return err
	}

	vmsg.PackGetDeviceStatus(&req, p.cfg.DevID)
	if err := p.ep.Send(&req, &resp); err != nil {
		return err
	}
	p.status = resp.DecodeDeviceStatus()

	if status == 0 {
		p.guestFeatures = 0
	}
	return nil
}

// Status returns the last status read back from the peer.
func (p *DriverProxy) Status() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ReadConfig reads size bytes (1, 2 or 4) of device config.
func (p *DriverProxy) ReadConfig(offset uint32, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req, resp vmsg.Msg
	vmsg.PackGetConfig(&req, p.cfg.DevID, offset, uint8(size))
	if err := p.ep.Send(&req, &resp); err != nil {
		return 0, err
	}
	return resp.DecodeConfig().Data, nil
}

// WriteConfig writes size bytes (1, 2 or 4) of device config.
func (p *DriverProxy) WriteConfig(offset uint32, size int, data uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req vmsg.Msg
	vmsg.PackSetConfig(&req, p.cfg.DevID, offset, uint8(size), data)
	return p.ep.Send(&req, nil)
}

// ConfigGeneration reads the peer's config generation counter.
func (p *DriverProxy) ConfigGeneration() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req, resp vmsg.Msg
	vmsg.PackGetConfigGen(&req, p.cfg.DevID)
	if err := p.ep.Send(&req, &resp); err != nil {
		return 0, err
	}
	return resp.DecodeConfigGenResp(), nil
}

// QueueMax returns the probed maximum size of a queue, 0 if absent.
func (p *DriverProxy) QueueMax(index uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(index) >= len(p.queues) {
		return 0
	}
	return p.queues[index].maxSize
}

// NumQueues returns the number of probed queues.
func (p *DriverProxy) NumQueues() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// QueueEnable programs the ring geometry of queue index on the peer and
// enables it.
func (p *DriverProxy) QueueEnable(index, size uint32, descAddr, driverAddr, deviceAddr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req vmsg.Msg
	vmsg.PackSetVqueue(&req, p.cfg.DevID, index, size, descAddr, driverAddr, deviceAddr)
	return p.ep.Send(&req, nil)
}

// QueueReset disables queue index on the peer.
func (p *DriverProxy) QueueReset(index uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req vmsg.Msg
	vmsg.PackResetVqueue(&req, p.cfg.DevID, index)
	return p.ep.Send(&req, nil)
}

// QueueNotifyAvail is the local guest's kick: new available buffers on
// queue index.
func (p *DriverProxy) QueueNotifyAvail(index uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req vmsg.Msg
	vmsg.PackEventAvail(&req, p.cfg.DevID, index, 0, 0)
	return p.ep.Send(&req, nil)
}

// IOMMUEnable toggles the peer's software IOMMU.
func (p *DriverProxy) IOMMUEnable(enable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var req vmsg.Msg
	vmsg.PackIOMMUEnable(&req, p.cfg.DevID, enable)
	return p.ep.Send(&req, nil)
}

// GuestFeatures returns the migration latch of negotiated features.
func (p *DriverProxy) GuestFeatures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guestFeatures
}

// RestoreGuestFeatures reinstates a migrated feature latch.
func (p *DriverProxy) RestoreGuestFeatures(f uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guestFeatures = f
}

// Close disconnects the proxy and shuts the endpoint down.
func (p *DriverProxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ep.Close()
}
