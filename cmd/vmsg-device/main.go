// Command vmsg-device serves a local virtio device to a remote driver
// over a virtio-msg bus. The demo device is virtio-rng; the carrier and
// its layout come from a yaml config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/wmamills/virtiomsg/internal/bus"
	"github.com/wmamills/virtiomsg/internal/devices/virtio"
	"github.com/wmamills/virtiomsg/internal/proxy"
)

// Config is the vmsg-device configuration file.
type Config struct {
	// Carrier selects the transport: "local" or "ivshmem".
	Carrier string `yaml:"carrier"`

	Local   bus.LocalOptions   `yaml:"local"`
	Ivshmem bus.IvshmemOptions `yaml:"ivshmem"`

	// Trace enables per-message debug logging.
	Trace bool `yaml:"trace"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Carrier: "local"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func run() error {
	configPath := flag.String("config", "vmsg-device.yaml", "configuration file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ep *bus.Endpoint

	switch cfg.Carrier {
	case "local":
		slog.Info("vmsg-device: opening local carrier", "name", cfg.Local.Name,
			"chardev", cfg.Local.Chardev)
		// The device side owns the rings and waits for its driver.
		cfg.Local.Listen = true
		ep, err = bus.OpenLocal(cfg.Local)
	case "ivshmem":
		slog.Info("vmsg-device: opening ivshmem carrier", "dev", cfg.Ivshmem.Dev)
		ep, err = bus.OpenIvshmem(cfg.Ivshmem)
	default:
		return fmt.Errorf("unknown carrier %q", cfg.Carrier)
	}
	if err != nil {
		return err
	}
	ep.SetTrace(cfg.Trace)

	dev := virtio.NewEntropy()
	p, err := proxy.NewDeviceProxy(ep, dev)
	if err != nil {
		ep.Close()
		return err
	}
	slog.Info("vmsg-device: serving", "device_id", dev.DeviceID())

	g, ctx := errgroup.WithContext(ctx)
	if ivc, ok := epCarrierIvshmem(ep, cfg.Carrier); ok {
		g.Go(func() error { return ivc.ServeINTx(ep) })
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("vmsg-device: shutting down")
		return p.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// epCarrierIvshmem recovers the ivshmem carrier for its interrupt loop.
func epCarrierIvshmem(ep *bus.Endpoint, carrier string) (*bus.IvshmemCarrier, bool) {
	if carrier != "ivshmem" {
		return nil, false
	}
	c, ok := ep.Carrier().(*bus.IvshmemCarrier)
	return c, ok
}

func main() {
	if err := run(); err != nil {
		slog.Error("vmsg-device: fatal", "err", err)
		os.Exit(1)
	}
}
