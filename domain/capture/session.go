// Package capture binds a capture source to a GPU frame pool and hands the
// frames it produces to a consumer through a Relay.
package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/fault"
	"github.com/soocke/livecap-go/domain/source"
)

// DefaultDrainTimeout bounds how long Stop waits for an in-flight
// frame-arrived callback before closing the pool.
const DefaultDrainTimeout = 250 * time.Millisecond

// State is the session lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type options struct {
	device       *device.Device
	surfaces     bool
	drainTimeout time.Duration
	logger       *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithDevice uses an existing device instead of asking the provider for one.
// The session does not release it on Stop.
func WithDevice(d *device.Device) Option { return func(o *options) { o.device = d } }

// WithSurfaces makes published frames carry their GPU surface.
func WithSurfaces(retain bool) Option { return func(o *options) { o.surfaces = retain } }

// WithDrainTimeout overrides DefaultDrainTimeout. Non-positive values are
// ignored.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Session owns a frame pool, the platform capture session bound to it and the
// frame-arrived subscription. Use New to construct one.
type Session struct {
	id     uuid.UUID
	src    source.Source
	relay  Relay
	logger *slog.Logger

	dev        *device.Device
	ownsDevice bool
	interop    device.Interop
	item       Item
	pool       Pool
	platform   PlatformSession
	token      Token

	retainSurfaces bool
	drainTimeout   time.Duration

	mu    sync.Mutex // serialises Start and Stop
	state atomic.Int32

	// dims is written by New and afterwards only by the compare-and-swap in
	// onFrameArrived.
	dims     atomic.Uint64
	sequence atomic.Uint64

	closing  atomic.Bool
	inflight atomic.Int32

	poolMu     sync.Mutex
	poolClosed bool

	callbacks        atomic.Uint64
	frames           atomic.Uint64
	empty            atomic.Uint64
	acquireFailures  atomic.Uint64
	recreations      atomic.Uint64
	recreateFailures atomic.Uint64
	panics           atomic.Uint64
	lastFrame        atomic.Int64
	startedAt        atomic.Int64
}

func poolSpec(size Dimensions) PoolSpec {
	return PoolSpec{Format: PixelFormatB8G8R8A8, Capacity: PoolCapacity, Size: size}
}

// New binds src to a new frame pool. The steps run in a fixed order and a
// failure releases whatever the earlier steps acquired, newest first.
func New(src source.Source, provider *device.Provider, backend Backend, relay Relay, opts ...Option) (*Session, error) {
	o := options{drainTimeout: DefaultDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if relay == nil {
		return nil, fault.New(fault.InvalidState, "nil relay")
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		id:             uuid.New(),
		src:            src,
		relay:          relay,
		retainSurfaces: o.surfaces,
		drainTimeout:   o.drainTimeout,
	}
	s.logger = logger.With("session", s.id.String(), "source", src.String())

	var acquired []teardownStep
	fail := func(err error) (*Session, error) {
		for i := len(acquired) - 1; i >= 0; i-- {
			if rerr := runStep(acquired[i].run); rerr != nil {
				s.logger.Warn("release after failed construction", "step", acquired[i].name, "error", rerr)
			}
		}
		s.logger.Error("capture session construction failed", "error", err)
		return nil, err
	}

	// 1. device
	if o.device != nil {
		s.dev = o.device
	} else {
		if provider == nil {
			return nil, fault.New(fault.InvalidState, "no device and no device provider")
		}
		d, err := provider.CreateDevice()
		if err != nil {
			return fail(err)
		}
		s.dev, s.ownsDevice = d, true
		acquired = append(acquired, teardownStep{"release device", d.Close})
	}

	// 2. interop view, owned by the device
	interop, err := s.dev.Interop()
	if err != nil {
		return fail(fault.Wrap(err, fault.DeviceCreationFailed, "adapt device for capture"))
	}
	s.interop = interop

	// 3. capture item
	item, err := backend.ResolveItem(src)
	if err != nil {
		return fail(fault.Wrap(err, fault.SourceResolutionFailed, "resolve capture item").
			WithMetadata("source", src.String()))
	}
	s.item = item
	acquired = append(acquired, teardownStep{"close item", item.Close})

	// 4. current size
	size, err := item.Size()
	if err != nil {
		return fail(fault.Wrap(err, fault.SourceResolutionFailed, "read item size"))
	}
	if size.Width <= 0 || size.Height <= 0 {
		return fail(fault.Newf(fault.SourceResolutionFailed, "item reports empty size %s", size))
	}
	s.dims.Store(size.pack())

	// 5. frame pool, allocated where the device may be used
	var pool Pool
	if derr := s.dev.Do(func() { pool, err = backend.CreatePool(interop, poolSpec(size)) }); derr != nil {
		err = derr
	}
	if err != nil {
		return fail(fault.Wrap(err, fault.PoolCreationFailed, "create frame pool").
			WithMetadata("size", size.String()))
	}
	s.pool = pool
	acquired = append(acquired, teardownStep{"close pool", s.closePool})

	// 6. platform capture session
	ps, err := pool.CreateSession(item)
	if err != nil {
		return fail(fault.Wrap(err, fault.SessionCreationFailed, "create capture session"))
	}
	s.platform = ps
	acquired = append(acquired, teardownStep{"close session", ps.Close})

	// 7. frame-arrived subscription
	tok, err := pool.AddFrameArrived(s.onFrameArrived)
	if err != nil {
		return fail(fault.Wrap(err, fault.SubscriptionFailed, "subscribe frame arrived"))
	}
	s.token = tok

	s.state.Store(int32(StateCreated))
	s.logger.Info("capture session created",
		"size", size.String(),
		"device_level", s.dev.FeatureLevel().String(),
		"affinity", s.dev.Affinity().String(),
	)
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Source returns the bound source.
func (s *Session) Source() source.Source { return s.src }

// Device returns the device the pool was allocated on.
func (s *Session) Device() *device.Device { return s.dev }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Dimensions returns the size the pool is currently allocated for.
func (s *Session) Dimensions() Dimensions { return unpackDimensions(s.dims.Load()) }

// Start begins frame delivery. It is only valid in the Created state.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != StateCreated {
		return fault.Newf(fault.InvalidState, "start in state %s", st)
	}
	if err := s.platform.StartCapture(); err != nil {
		return fault.Wrap(err, fault.SessionCreationFailed, "start capture")
	}
	s.startedAt.Store(time.Now().UnixNano())
	s.state.Store(int32(StateStarted))
	s.logger.Info("capture started")
	return nil
}

// Stop tears the session down: unsubscribe, wait for in-flight callbacks,
// close the pool, close the platform session, then release the item and any
// device the session created. Every step runs even if an earlier one fails.
// Calling Stop on a stopped session returns an InvalidState error.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateStopped {
		return fault.New(fault.InvalidState, "session already stopped")
	}
	s.state.Store(int32(StateStopped))
	s.closing.Store(true)

	steps := []teardownStep{
		{"unsubscribe", func() error { return s.pool.RemoveFrameArrived(s.token) }},
		{"drain callbacks", s.drain},
		{"close pool", s.closePool},
		{"close session", s.platform.Close},
		{"close item", s.item.Close},
	}
	if s.ownsDevice {
		steps = append(steps, teardownStep{"release device", s.dev.Close})
	}
	err := runTeardown(s.logger, steps)

	st := s.Stats()
	s.logger.Info("capture stopped",
		"frames", st.Frames,
		"recreations", st.Recreations,
		"acquire_failures", st.AcquireFailures,
		"teardown_ok", err == nil,
	)
	return err
}

func (s *Session) drain() error {
	deadline := time.Now().Add(s.drainTimeout)
	for {
		n := s.inflight.Load()
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%d frame callbacks still running after %s", n, s.drainTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// closePool runs on the device's thread so it serialises with deferred
// recreations queued there.
func (s *Session) closePool() error {
	var err error
	derr := s.dev.Do(func() {
		s.poolMu.Lock()
		defer s.poolMu.Unlock()
		if s.poolClosed {
			return
		}
		s.poolClosed = true
		err = s.pool.Close()
	})
	if derr != nil {
		return derr
	}
	return err
}

func (s *Session) onFrameArrived() {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	if s.closing.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("frame handler panic", "panic", r)
		}
	}()
	s.callbacks.Add(1)
	seq := s.sequence.Add(1)

	pf, err := s.pool.TryGetNextFrame()
	if err != nil {
		s.acquireFailures.Add(1)
		s.logger.Warn("frame acquisition failed", "seq", seq,
			"error", fault.Wrap(err, fault.FrameAcquisitionFailed, "try get next frame"))
		return
	}
	if pf == nil {
		s.empty.Add(1)
		return
	}
	closed := false
	defer func() {
		if !closed {
			_ = pf.Close()
		}
	}()

	size := pf.ContentSize()
	if size.Width <= 0 || size.Height <= 0 {
		// An unreadable content size is not a resize.
		s.logger.Debug("frame reports empty content size", "seq", seq)
		size = s.Dimensions()
	} else if prev := s.dims.Load(); unpackDimensions(prev) != size {
		// Concurrent callbacks observing the same change race here; only the
		// winner recreates.
		if s.dims.CompareAndSwap(prev, size.pack()) {
			s.recreate(unpackDimensions(prev), size)
		}
	}

	f := Frame{
		Session:            s.id,
		Sequence:           seq,
		CapturedAt:         time.Now(),
		SystemRelativeTime: pf.SystemRelativeTime(),
		Size:               size,
	}
	if s.retainSurfaces {
		if surf, err := pf.Surface(); err != nil {
			s.logger.Debug("frame surface unavailable", "seq", seq, "error", err)
		} else {
			f.Surface = surf
		}
	}
	closed = true
	if err := pf.Close(); err != nil {
		s.logger.Debug("close pool frame", "seq", seq, "error", err)
	}
	s.frames.Add(1)
	s.lastFrame.Store(f.CapturedAt.UnixNano())
	s.relay.Publish(f)
}

// recreate reallocates the pool for a new size. Multi-threaded devices do it
// inline; thread-affine devices get it queued on their owner thread.
func (s *Session) recreate(from, to Dimensions) {
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				s.recreateFailed(from, to, fmt.Errorf("panic: %v", r))
			}
		}()
		s.poolMu.Lock()
		defer s.poolMu.Unlock()
		if s.poolClosed {
			return
		}
		if err := s.pool.Recreate(s.interop, poolSpec(to)); err != nil {
			s.recreateFailed(from, to, err)
			return
		}
		s.recreations.Add(1)
		s.logger.Info("frame pool recreated", "from", from.String(), "to", to.String())
	}
	if !s.dev.Post(task) {
		s.recreateFailed(from, to, fmt.Errorf("device owner %s rejected the work", s.dev.Owner().Name()))
	}
}

func (s *Session) recreateFailed(from, to Dimensions, err error) {
	s.recreateFailures.Add(1)
	s.logger.Error("frame pool recreation failed",
		"from", from.String(),
		"to", to.String(),
		"error", fault.Wrap(err, fault.PoolRecreationFailed, "recreate frame pool"),
	)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Callbacks:        s.callbacks.Load(),
		Frames:           s.frames.Load(),
		Empty:            s.empty.Load(),
		AcquireFailures:  s.acquireFailures.Load(),
		Recreations:      s.recreations.Load(),
		RecreateFailures: s.recreateFailures.Load(),
		Panics:           s.panics.Load(),
		Sequence:         s.sequence.Load(),
		Dimensions:       s.Dimensions(),
	}
	if ns := s.lastFrame.Load(); ns != 0 {
		st.LastFrame = time.Unix(0, ns)
		st.LatestFrameAge = time.Since(st.LastFrame)
	}
	if ns := s.startedAt.Load(); ns != 0 {
		st.Uptime = time.Since(time.Unix(0, ns))
	}
	return st
}
