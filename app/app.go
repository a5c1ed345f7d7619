// Package app runs one capture session end to end: it picks a source, owns
// the producer thread, polls the relay from its own goroutine and tears the
// session down when the run ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soocke/livecap-go/config"
	"github.com/soocke/livecap-go/debug"
	"github.com/soocke/livecap-go/domain/capture"
	"github.com/soocke/livecap-go/domain/fault"
	"github.com/soocke/livecap-go/domain/runloop"
	"github.com/soocke/livecap-go/domain/source"
)

// logEvery is the consumer's info-level frame cadence.
const logEvery = 10

// ErrNoSource is returned when no window or monitor survives selection.
var ErrNoSource = errors.New("app: no capture source found")

// Summary describes a finished run.
type Summary struct {
	Source       source.Source
	SessionID    string
	Consumed     uint64
	LastSequence uint64
	Capture      capture.Stats
	Relay        capture.RelayStats
}

// App orchestrates a single capture run.
type App struct {
	c       *Container
	cfg     *config.Config
	logger  *slog.Logger
	observe func(capture.Frame)

	consumed atomic.Uint64
	lastSeq  atomic.Uint64
}

// Option configures an App.
type Option func(*App)

// WithFrameObserver registers fn to see every frame the consumer takes,
// before the frame is released.
func WithFrameObserver(fn func(capture.Frame)) Option {
	return func(a *App) { a.observe = fn }
}

// New returns an App over a built container.
func New(c *Container, opts ...Option) *App {
	a := &App{c: c, cfg: c.Config, logger: c.Logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// PickSource applies the configured target to the selector.
func (a *App) PickSource() (source.Source, error) {
	kind := source.KindWindow
	if a.cfg.Target == config.TargetMonitor {
		kind = source.KindMonitor
	}
	src, ok, err := a.c.Selector.Pick(kind, a.cfg.WindowPrefix, a.cfg.MonitorIndex)
	if err != nil {
		return source.Source{}, err
	}
	if !ok {
		return source.Source{}, fmt.Errorf("%w (target=%s)", ErrNoSource, kind)
	}
	return src, nil
}

// Run captures until ctx is cancelled or the configured duration elapses.
// The session is always stopped before Run returns.
func (a *App) Run(ctx context.Context) (Summary, error) {
	a.consumed.Store(0)
	a.lastSeq.Store(0)
	src, err := a.PickSource()
	if err != nil {
		return Summary{}, err
	}
	a.logger.Info("source selected",
		slog.String("kind", src.Kind.String()),
		slog.String("title", src.Title),
		slog.Any("handle", src.Handle),
	)

	if d := a.cfg.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	sess, stop, err := a.startSession(src)
	if err != nil {
		return Summary{Source: src}, err
	}
	a.logger.Info("capture started",
		slog.String("session", sess.ID().String()),
		slog.String("dimensions", sess.Dimensions().String()),
		slog.String("affinity", sess.Device().Affinity().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consume(gctx) })
	g.Go(func() error { return a.logStats(gctx, sess) })
	if a.cfg.Debug {
		g.Go(func() error { return debug.RunGoroutineLogger(gctx, a.cfg.StatsInterval(), a.logger) })
		g.Go(func() error { return debug.RunMemLogger(gctx, a.cfg.StatsInterval(), a.logger) })
	}
	runErr := g.Wait()

	stopErr := stop()
	// Frames published after the consumer left are released here.
	for {
		f, ok := a.c.Relay.TryTake()
		if !ok {
			break
		}
		f.Release()
	}

	sum := Summary{
		Source:       src,
		SessionID:    sess.ID().String(),
		Consumed:     a.consumed.Load(),
		LastSequence: a.lastSeq.Load(),
		Capture:      sess.Stats(),
		Relay:        a.c.Relay.Stats(),
	}
	a.logger.Info("capture finished",
		slog.String("session", sum.SessionID),
		slog.Uint64("consumed", sum.Consumed),
		slog.Uint64("last_sequence", sum.LastSequence),
		slog.Uint64("recreations", sum.Capture.Recreations),
		slog.Float64("fps", sum.Capture.FPS()),
	)
	if stopErr != nil {
		a.logger.Error("teardown incomplete", slog.String("err", stopErr.Error()))
	}
	return sum, errors.Join(runErr, stopErr)
}

// startSession builds and starts the session. With DedicatedThread the
// session lives on a thread pumping the platform message queue, and stop
// tears it down on that same thread.
func (a *App) startSession(src source.Source) (*capture.Session, func() error, error) {
	opts := a.c.SessionOptions()
	if !a.cfg.DedicatedThread {
		sess, err := capture.New(src, a.c.Provider, a.c.Platform.Backend, a.c.Relay, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := sess.Start(); err != nil {
			_ = sess.Stop()
			return nil, nil, err
		}
		return sess, sess.Stop, nil
	}

	loop, err := runloop.NewMessageLoop("capture-pump")
	if err != nil {
		return nil, nil, fmt.Errorf("app: start message loop: %w", err)
	}
	var sess *capture.Session
	if derr := loop.Do(func() {
		sess, err = capture.New(src, a.c.Provider, a.c.Platform.Backend, a.c.Relay, opts...)
		if err != nil {
			return
		}
		if err = sess.Start(); err != nil {
			_ = sess.Stop()
		}
	}); derr != nil {
		err = derr
	}
	if err != nil {
		loop.Close()
		return nil, nil, err
	}
	stop := func() error {
		var serr error
		if derr := loop.Do(func() { serr = sess.Stop() }); derr != nil {
			serr = errors.Join(fault.Wrap(derr, fault.InvalidState, "message loop gone before stop"), sess.Stop())
		}
		loop.Close()
		return serr
	}
	return sess, stop, nil
}

// consume polls the relay until ctx is done, waking early when a frame is
// published.
func (a *App) consume(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.c.Relay.Ready():
		case <-ticker.C:
		}
		for {
			f, ok := a.c.Relay.TryTake()
			if !ok {
				break
			}
			a.handle(f)
		}
	}
}

func (a *App) handle(f capture.Frame) {
	defer f.Release()
	n := a.consumed.Add(1)
	a.lastSeq.Store(f.Sequence)
	if n%logEvery == 0 {
		a.logger.Info("frame",
			slog.Uint64("sequence", f.Sequence),
			slog.Uint64("consumed", n),
			slog.String("size", f.Size.String()),
			slog.Duration("age", time.Since(f.CapturedAt)),
		)
	}
	if a.observe != nil {
		a.observe(f)
	}
}

func (a *App) logStats(ctx context.Context, sess *capture.Session) error {
	t := time.NewTicker(a.cfg.StatsInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		st := sess.Stats()
		rs := a.c.Relay.Stats()
		a.logger.Debug("capture.stats",
			slog.String("session", sess.ID().String()),
			slog.Uint64("callbacks", st.Callbacks),
			slog.Uint64("frames", st.Frames),
			slog.Uint64("empty", st.Empty),
			slog.Uint64("acquire_failures", st.AcquireFailures),
			slog.Uint64("recreations", st.Recreations),
			slog.Uint64("recreate_failures", st.RecreateFailures),
			slog.Uint64("panics", st.Panics),
			slog.Uint64("sequence", st.Sequence),
			slog.String("dimensions", st.Dimensions.String()),
			slog.Duration("latest_frame_age", st.LatestFrameAge),
			slog.Float64("fps", st.FPS()),
			slog.Uint64("relay_overwritten", rs.Overwritten),
			slog.Uint64("relay_stale", rs.Stale),
			slog.Uint64("consumed", a.consumed.Load()),
		)
	}
}
