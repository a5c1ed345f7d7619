package device

import (
	"fmt"
	"log/slog"

	"github.com/soocke/livecap-go/domain/fault"
	"github.com/soocke/livecap-go/domain/runloop"
)

// Provider creates devices with fixed options. There is no adapter fallback
// chain: a failure is final for the session being built.
type Provider struct {
	driver Driver
	opts   Options
	logger *slog.Logger
}

// NewProvider returns a Provider. A zero MinFeatureLevel means Level11_1.
func NewProvider(driver Driver, opts Options, logger *slog.Logger) *Provider {
	if opts.MinFeatureLevel == 0 {
		opts.MinFeatureLevel = Level11_1
	}
	return &Provider{driver: driver, opts: opts, logger: logger}
}

// Options returns the creation options.
func (p *Provider) Options() Options { return p.opts }

// CreateDevice creates a hardware device. Thread-affine devices are created
// on a fresh owner loop that stays with the device until Close.
func (p *Provider) CreateDevice() (*Device, error) {
	var owner *runloop.Loop
	if p.opts.Affinity == ThreadAffine {
		owner = runloop.New("device-owner")
	}

	var (
		native Native
		err    error
	)
	create := func() { native, err = p.driver.CreateHardware(p.opts) }
	if owner != nil {
		if derr := owner.Do(create); derr != nil {
			err = derr
		}
	} else {
		create()
	}
	if err != nil {
		if owner != nil {
			owner.Close()
		}
		return nil, fault.Wrap(err, fault.DeviceCreationFailed, "no hardware adapter satisfies the feature level floor").
			WithMetadata("min_level", p.opts.MinFeatureLevel.String())
	}

	if lvl := native.FeatureLevel(); lvl < p.opts.MinFeatureLevel {
		release := func() { _ = native.Release() }
		if owner != nil {
			_ = owner.Do(release)
			owner.Close()
		} else {
			release()
		}
		return nil, fault.New(fault.DeviceCreationFailed, fmt.Sprintf("granted level %s below floor", lvl)).
			WithMetadata("min_level", p.opts.MinFeatureLevel.String())
	}

	d := &Device{native: native, affinity: p.opts.Affinity, owner: owner, logger: p.logger}
	if p.logger != nil {
		p.logger.Info("device created", "level", native.FeatureLevel().String(), "affinity", d.affinity.String())
	}
	return d, nil
}
