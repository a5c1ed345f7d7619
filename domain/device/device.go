// Package device creates the GPU device the capture subsystem allocates
// surfaces with, and tags it with the thread affinity it was created under.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soocke/livecap-go/domain/fault"
	"github.com/soocke/livecap-go/domain/runloop"
)

// FeatureLevel mirrors D3D_FEATURE_LEVEL.
type FeatureLevel uint32

const (
	Level10_0 FeatureLevel = 0xa000
	Level10_1 FeatureLevel = 0xa100
	Level11_0 FeatureLevel = 0xb000
	Level11_1 FeatureLevel = 0xb100
)

func (l FeatureLevel) String() string {
	return fmt.Sprintf("%d_%d", uint32(l)>>12, (uint32(l)>>8)&0xf)
}

// ParseFeatureLevel accepts "11_1", "11_0", "10_1" or "10_0".
func ParseFeatureLevel(s string) (FeatureLevel, error) {
	for _, l := range []FeatureLevel{Level11_1, Level11_0, Level10_1, Level10_0} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("device: unknown feature level %q", s)
}

// LevelsFrom returns the known feature levels at or above floor, highest
// first, in the form D3D11CreateDevice expects.
func LevelsFrom(floor FeatureLevel) []FeatureLevel {
	var out []FeatureLevel
	for _, l := range []FeatureLevel{Level11_1, Level11_0, Level10_1, Level10_0} {
		if l >= floor {
			out = append(out, l)
		}
	}
	return out
}

// Affinity records which threads may operate on a device.
type Affinity int

const (
	// MultiThreaded devices are created with multithread protection and may
	// be used from any thread, including capture callback threads.
	MultiThreaded Affinity = iota
	// ThreadAffine devices may only be used on the thread that created them.
	ThreadAffine
)

func (a Affinity) String() string {
	if a == ThreadAffine {
		return "thread-affine"
	}
	return "multi-threaded"
}

// Options controls device creation. Only hardware adapters are considered.
type Options struct {
	MinFeatureLevel FeatureLevel
	Affinity        Affinity
}

// DefaultOptions requests feature level 11.1 with multithread protection.
func DefaultOptions() Options {
	return Options{MinFeatureLevel: Level11_1, Affinity: MultiThreaded}
}

// Interop is the device representation the capture subsystem consumes
// (IDirect3DDevice on Windows). Backends type-assert it to their own type.
type Interop interface {
	Release() error
}

// Native is a created hardware device.
type Native interface {
	FeatureLevel() FeatureLevel
	// Interop adapts the device to the capture subsystem's representation.
	Interop() (Interop, error)
	Release() error
}

// Driver creates native hardware devices.
type Driver interface {
	CreateHardware(opts Options) (Native, error)
}

// Device is a created GPU device plus its affinity capability. It is handed
// to exactly one capture session.
type Device struct {
	native   Native
	affinity Affinity
	owner    *runloop.Loop // set for ThreadAffine devices
	logger   *slog.Logger

	mu      sync.Mutex
	interop Interop
	closed  bool
}

// Affinity returns the capability the device was created with.
func (d *Device) Affinity() Affinity { return d.affinity }

// FeatureLevel returns the level the driver granted.
func (d *Device) FeatureLevel() FeatureLevel { return d.native.FeatureLevel() }

// Owner returns the loop that owns a thread-affine device, or nil.
func (d *Device) Owner() *runloop.Loop { return d.owner }

// Do runs fn where the device may be used: inline for multi-threaded devices,
// on the owner thread (waiting for completion) for thread-affine ones.
func (d *Device) Do(fn func()) error {
	if d.owner == nil {
		fn()
		return nil
	}
	return d.owner.Do(fn)
}

// Post queues fn on the owner thread without blocking. For multi-threaded
// devices it runs fn inline. It returns false when the work was not accepted.
func (d *Device) Post(fn func()) bool {
	if d.owner == nil {
		fn()
		return true
	}
	return d.owner.Post(fn)
}

// Interop returns the capture-subsystem representation, adapting the device
// on first use. The result is owned by the Device.
func (d *Device) Interop() (Interop, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fault.New(fault.InvalidState, "device closed")
	}
	if d.interop != nil {
		return d.interop, nil
	}
	var (
		in  Interop
		err error
	)
	if derr := d.Do(func() { in, err = d.native.Interop() }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	d.interop = in
	return in, nil
}

// Close releases the interop object and the native device on the owning
// thread, then stops the owner loop. Calling Close twice is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	release := func() {
		if d.interop != nil {
			if err := d.interop.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release interop: %w", err))
			}
			d.interop = nil
		}
		if err := d.native.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release device: %w", err))
		}
	}
	if err := d.Do(release); err != nil {
		errs = append(errs, err)
	}
	if d.owner != nil {
		d.owner.Close()
	}
	if len(errs) > 0 {
		if d.logger != nil {
			d.logger.Warn("device release incomplete", "errors", len(errs))
		}
		return fmt.Errorf("device: close: %w", errors.Join(errs...))
	}
	return nil
}
