// Command vmsg-probe is the driver-side diagnostic tool: it connects to
// a virtio-msg device endpoint, performs the handshake and prints what
// it finds. With -cycle it additionally walks the device through a full
// status negotiation and back to reset.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/devices/virtio"
	"github.com/wmamills/virtiomsg/internal/proxy"
	"github.com/wmamills/virtiomsg/internal/vmsg"
)

// Config is the vmsg-probe configuration file.
type Config struct {
	Carrier string             `yaml:"carrier"`
	Local   bus.LocalOptions   `yaml:"local"`
	Ivshmem bus.IvshmemOptions `yaml:"ivshmem"`
	Driver  proxy.DriverConfig `yaml:"driver"`
	Trace   bool               `yaml:"trace"`
}

// printHost logs forwarded device events while the probe runs.
type printHost struct{}

func (printHost) QueueNotify(index uint32) error {
	slog.Info("vmsg-probe: EVENT_USED", "queue", index)
	return nil
}

func (printHost) ConfigNotify() error {
	slog.Info("vmsg-probe: EVENT_CONFIG")
	return nil
}

func run() error {
	configPath := flag.String("config", "vmsg-probe.yaml", "configuration file")
	cycle := flag.Bool("cycle", false, "drive a status negotiation cycle")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	data, err := os.ReadFile(*configPath)
	if err != nil {
		return err
	}
	cfg := &Config{Carrier: "local"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", *configPath, err)
	}

	var ep *bus.Endpoint
	switch cfg.Carrier {
	case "local":
		ep, err = bus.OpenLocal(cfg.Local)
	case "ivshmem":
		ep, err = bus.OpenIvshmem(cfg.Ivshmem)
	default:
		return fmt.Errorf("unknown carrier %q", cfg.Carrier)
	}
	if err != nil {
		return err
	}
	ep.SetTrace(cfg.Trace)

	p, err := proxy.NewDriverProxy(ep, printHost{}, cfg.Driver)
	if err != nil {
		ep.Close()
		return err
	}
	defer p.Close()

	fmt.Printf("device-id:  %#x\n", cfg.Driver.VirtioID)
	fmt.Printf("features:   %#x\n", p.GetFeatures())
	fmt.Printf("queues:     %d\n", p.NumQueues())
	for i := 0; i < p.NumQueues(); i++ {
		fmt.Printf("  queue %d: max_size %d\n", i, p.QueueMax(uint32(i)))
	}

	gen, err := p.ConfigGeneration()
	if err != nil {
		return err
	}
	fmt.Printf("config-gen: %d\n", gen)

	if !*cycle {
		return nil
	}

	// Feature negotiation and status walk, then a soft reset.
	steps := []uint32{
		virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE,
		virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE | virtio.VIRTIO_CONFIG_S_DRIVER,
	}
	for _, s := range steps {
		if err := p.SetStatus(s); err != nil {
			return err
		}
	}
	if err := p.SetFeatures(p.GetFeatures()); err != nil {
		return err
	}

	s := virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE | virtio.VIRTIO_CONFIG_S_DRIVER |
		virtio.VIRTIO_CONFIG_S_FEATURES_OK
	if err := p.SetStatus(uint32(s)); err != nil {
		return err
	}
	if p.Status()&virtio.VIRTIO_CONFIG_S_FEATURES_OK == 0 {
		return fmt.Errorf("device rejected features: %s", vmsg.FormatStatus(p.Status()))
	}

	if err := p.SetStatus(uint32(s | virtio.VIRTIO_CONFIG_S_DRIVER_OK)); err != nil {
		return err
	}
	fmt.Printf("status:     %s\n", vmsg.FormatStatus(p.Status()))

	if err := p.SetStatus(0); err != nil {
		return err
	}
	fmt.Printf("reset:      %s\n", vmsg.FormatStatus(p.Status()))
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("vmsg-probe: fatal", "err", err)
		os.Exit(1)
	}
}
