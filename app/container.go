package app

import (
	"log/slog"

	"github.com/soocke/livecap-go/config"
	"github.com/soocke/livecap-go/domain/capture"
	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/source"
)

// Platform bundles the collaborators one operating system provides.
type Platform struct {
	Name    string
	Sources source.Platform
	Driver  device.Driver
	Backend capture.Backend
	// Close releases platform-wide resources; may be nil.
	Close func() error
}

// Relay is what the consumer loop needs from a frame relay.
type Relay interface {
	capture.Relay
	Ready() <-chan struct{}
	Stats() capture.RelayStats
}

// Container assembles the services a run needs. Side-effects are limited to
// allocating the relay.
type Container struct {
	Config   *config.Config
	Logger   *slog.Logger
	Platform Platform
	Selector *source.Selector
	Provider *device.Provider
	Relay    Relay
}

// BuildContainer constructs all components from cfg and the platform.
func BuildContainer(cfg *config.Config, logger *slog.Logger, p Platform) *Container {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Container{Config: cfg, Logger: logger, Platform: p}
	c.Selector = source.NewSelector(p.Sources, logger.With("component", "selector"))
	c.Provider = device.NewProvider(p.Driver, cfg.DeviceOptions(), logger.With("component", "device"))
	c.Relay = newRelay(cfg)
	return c
}

func newRelay(cfg *config.Config) Relay {
	if cfg.Relay == config.RelayChan {
		return capture.NewChanRelay(cfg.RelayDepth)
	}
	return capture.NewSlot()
}

// SessionOptions translates config into capture options.
func (c *Container) SessionOptions() []capture.Option {
	return []capture.Option{
		capture.WithSurfaces(c.Config.RetainSurfaces),
		capture.WithDrainTimeout(c.Config.DrainTimeout()),
		capture.WithLogger(c.Logger),
	}
}
