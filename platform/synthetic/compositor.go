// Package synthetic is an in-process stand-in for the desktop compositor. It
// implements window enumeration, device creation and the capture backend so
// sessions can run where Windows.Graphics.Capture is unavailable, and so
// tests can inject frames, resizes and failures deterministically.
package synthetic

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/soocke/livecap-go/domain/capture"
	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/source"
)

// Window describes a simulated top-level window.
type Window struct {
	Handle   uintptr
	Title    string
	Bounds   image.Rectangle
	Hidden   bool
	Disabled bool
	// Cloak holds DWMWA_CLOAKED bits; zero means not cloaked.
	Cloak uint32
	// Parent makes the window a child; RootAncestor reports it.
	Parent uintptr
}

// Failures lets tests make individual platform calls fail.
type Failures struct {
	Device   error
	Interop  error
	Resolve  error
	Pool     error
	Acquire  error
	Recreate error
}

// Compositor is the simulated desktop. The zero value is not usable; call New.
type Compositor struct {
	logger *slog.Logger
	epoch  time.Time

	mu       sync.Mutex
	shell    uintptr
	windows  []Window
	monitors []source.Source
	level    device.FeatureLevel
	fail     Failures
	fps      int
	ops      []string
	items    map[uintptr]*item
	pools    []*pool
}

// New returns an empty compositor granting feature level 11_1.
func New(logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compositor{
		logger: logger,
		epoch:  time.Now(),
		level:  device.Level11_1,
		items:  make(map[uintptr]*item),
	}
}

// SetShell marks h as the shell (desktop) window.
func (c *Compositor) SetShell(h uintptr) {
	c.mu.Lock()
	c.shell = h
	c.mu.Unlock()
}

// AddWindow appends a window to the enumeration order.
func (c *Compositor) AddWindow(w Window) {
	c.mu.Lock()
	c.windows = append(c.windows, w)
	c.mu.Unlock()
}

// AddMonitor appends a monitor.
func (c *Compositor) AddMonitor(m source.Source) {
	m.Kind = source.KindMonitor
	c.mu.Lock()
	c.monitors = append(c.monitors, m)
	c.mu.Unlock()
}

// SetFeatureLevel sets the highest level the simulated adapter supports.
func (c *Compositor) SetFeatureLevel(l device.FeatureLevel) {
	c.mu.Lock()
	c.level = l
	c.mu.Unlock()
}

// SetFailures replaces the injected failures.
func (c *Compositor) SetFailures(f Failures) {
	c.mu.Lock()
	c.fail = f
	c.mu.Unlock()
}

// SetFPS makes started sessions produce frames on their own at fps frames per
// second. Zero disables automatic frames; use Fire instead.
func (c *Compositor) SetFPS(fps int) {
	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

// Ops returns the platform calls made so far, oldest first.
func (c *Compositor) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

func (c *Compositor) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *Compositor) window(h uintptr) (Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.windows {
		if w.Handle == h {
			return w, true
		}
	}
	return Window{}, false
}

// source.Platform

func (c *Compositor) ShellWindow() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shell
}

func (c *Compositor) IsVisible(h uintptr) bool {
	w, ok := c.window(h)
	return ok && !w.Hidden
}

func (c *Compositor) RootAncestor(h uintptr) uintptr {
	w, ok := c.window(h)
	if !ok || w.Parent == 0 {
		return h
	}
	return w.Parent
}

func (c *Compositor) Style(h uintptr) uint32 {
	if w, ok := c.window(h); ok && w.Disabled {
		return source.StyleDisabled
	}
	return 0
}

func (c *Compositor) CloakReason(h uintptr) (uint32, bool) {
	w, ok := c.window(h)
	if !ok {
		return 0, false
	}
	return w.Cloak, true
}

func (c *Compositor) Title(h uintptr) string {
	w, _ := c.window(h)
	return w.Title
}

func (c *Compositor) WindowHandles() ([]uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uintptr, 0, len(c.windows)+1)
	if c.shell != 0 {
		out = append(out, c.shell)
	}
	for _, w := range c.windows {
		if w.Handle != c.shell {
			out = append(out, w.Handle)
		}
	}
	return out, nil
}

func (c *Compositor) Monitors() ([]source.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.monitors), nil
}

// Resize changes a source's size. Frames produced afterwards report the new
// size, as the real compositor does before the pool is recreated.
func (c *Compositor) Resize(h uintptr, width, height int32) error {
	c.mu.Lock()
	it, ok := c.items[h]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("synthetic: no capture item for %#x", h)
	}
	it.setSize(capture.Dimensions{Width: width, Height: height})
	return nil
}

// Fire delivers one frame-arrived event to every started pool capturing h,
// synchronously on the caller's goroutine. It returns the number of pools
// that were notified.
func (c *Compositor) Fire(h uintptr) int {
	c.mu.Lock()
	pools := slices.Clone(c.pools)
	c.mu.Unlock()
	n := 0
	for _, p := range pools {
		if p.capturing(h) {
			p.arrive()
			n++
		}
	}
	return n
}

func (c *Compositor) lookupSize(src source.Source) (capture.Dimensions, error) {
	var r image.Rectangle
	switch src.Kind {
	case source.KindWindow:
		w, ok := c.window(src.Handle)
		if !ok {
			return capture.Dimensions{}, fmt.Errorf("synthetic: window %#x not found", src.Handle)
		}
		r = w.Bounds
	case source.KindMonitor:
		mons, _ := c.Monitors()
		i := slices.IndexFunc(mons, func(m source.Source) bool { return m.Handle == src.Handle })
		if i < 0 {
			return capture.Dimensions{}, fmt.Errorf("synthetic: monitor %#x not found", src.Handle)
		}
		r = mons[i].Bounds
	default:
		return capture.Dimensions{}, errors.New("synthetic: unknown source kind")
	}
	return capture.Dimensions{Width: int32(r.Dx()), Height: int32(r.Dy())}, nil
}
