package synthetic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/soocke/livecap-go/domain/device"
)

var errReleased = errors.New("synthetic: object already released")

type native struct {
	c        *Compositor
	level    device.FeatureLevel
	affinity device.Affinity
	released atomic.Bool
}

// Interop is the synthetic capture-interop device.
type Interop struct {
	dev      *native
	released atomic.Bool
}

// CreateHardware grants the highest supported level at or above the floor,
// like D3D11CreateDevice does with a descending level list.
func (c *Compositor) CreateHardware(opts device.Options) (device.Native, error) {
	c.record("create device")
	c.mu.Lock()
	level, fail := c.level, c.fail.Device
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	for _, l := range device.LevelsFrom(opts.MinFeatureLevel) {
		if l <= level {
			return &native{c: c, level: l, affinity: opts.Affinity}, nil
		}
	}
	return nil, fmt.Errorf("synthetic: adapter supports %s, floor is %s", level, opts.MinFeatureLevel)
}

func (n *native) FeatureLevel() device.FeatureLevel { return n.level }

func (n *native) Interop() (device.Interop, error) {
	if n.released.Load() {
		return nil, errReleased
	}
	n.c.mu.Lock()
	fail := n.c.fail.Interop
	n.c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	n.c.record("create interop")
	return &Interop{dev: n}, nil
}

func (n *native) Release() error {
	if n.released.Swap(true) {
		return errReleased
	}
	n.c.record("release device")
	return nil
}

func (i *Interop) Release() error {
	if i.released.Swap(true) {
		return errReleased
	}
	i.dev.c.record("release interop")
	return nil
}
