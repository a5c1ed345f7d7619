package capture

import (
	"errors"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/fault"
	"github.com/soocke/livecap-go/domain/source"
)

var discardLogger = slog.New(slog.NewTextHandler(&discardWriter{}, nil))

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// opLog records platform calls in the order they happen.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ops)
}

func (l *opLog) index(op string) int { return slices.Index(l.list(), op) }

// device fakes

type testInterop struct{}

func (testInterop) Release() error { return nil }

type testNative struct{ log *opLog }

func (n *testNative) FeatureLevel() device.FeatureLevel                    { return device.Level11_1 }
func (n *testNative) Interop() (device.Interop, error)                     { return testInterop{}, nil }
func (n *testNative) Release() error                                       { n.log.add("release device"); return nil }
func (n *testNative) CreateHardware(device.Options) (device.Native, error) { return n, nil }

type failingDriver struct{}

func (failingDriver) CreateHardware(device.Options) (device.Native, error) {
	return nil, errors.New("no adapter")
}

func newProvider(log *opLog, aff device.Affinity) *device.Provider {
	return device.NewProvider(&testNative{log: log}, device.Options{Affinity: aff}, nil)
}

// capture platform fakes

type fakeItem struct {
	log  *opLog
	size Dimensions
}

func (i *fakeItem) DisplayName() string       { return "fake" }
func (i *fakeItem) Size() (Dimensions, error) { return i.size, nil }
func (i *fakeItem) Close() error              { i.log.add("close item"); return nil }

type fakeFrame struct {
	size   Dimensions
	panic  bool
	closes *atomic.Int32
}

func (f fakeFrame) ContentSize() Dimensions {
	if f.panic {
		panic("content size exploded")
	}
	return f.size
}
func (f fakeFrame) SystemRelativeTime() time.Duration { return time.Second }
func (f fakeFrame) Surface() (Surface, error)         { return nil, errors.New("no surface") }
func (f fakeFrame) Close() error                      { f.closes.Add(1); return nil }

type fakePlatformSession struct{ log *opLog }

func (s *fakePlatformSession) StartCapture() error { s.log.add("start capture"); return nil }
func (s *fakePlatformSession) Close() error        { s.log.add("close session"); return nil }

type fakePool struct {
	log *opLog

	mu          sync.Mutex
	content     Dimensions
	handler     func()
	closed      bool
	recreated   []PoolSpec
	recreateErr error
	acquireErr  error
	closeErr    error
	panicFrame  bool
	// beforeAcquire runs at the start of TryGetNextFrame, outside the lock.
	beforeAcquire func()
	onRecreate    func()
	subscribeErr  error
	sessionErr    error
	frameCloses   atomic.Int32
}

func (p *fakePool) TryGetNextFrame() (PoolFrame, error) {
	if p.beforeAcquire != nil {
		p.beforeAcquire()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pool closed")
	}
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return fakeFrame{size: p.content, panic: p.panicFrame, closes: &p.frameCloses}, nil
}

func (p *fakePool) Recreate(_ device.Interop, spec PoolSpec) error {
	p.log.add("recreate")
	if p.onRecreate != nil {
		p.onRecreate()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recreateErr != nil {
		return p.recreateErr
	}
	p.recreated = append(p.recreated, spec)
	return nil
}

func (p *fakePool) CreateSession(Item) (PlatformSession, error) {
	p.log.add("create session")
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	return &fakePlatformSession{log: p.log}, nil
}

func (p *fakePool) AddFrameArrived(h func()) (Token, error) {
	p.log.add("subscribe")
	if p.subscribeErr != nil {
		return 0, p.subscribeErr
	}
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	return 1, nil
}

func (p *fakePool) RemoveFrameArrived(Token) error {
	p.log.add("unsubscribe")
	p.mu.Lock()
	p.handler = nil
	p.mu.Unlock()
	return nil
}

func (p *fakePool) Close() error {
	p.log.add("close pool")
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.closeErr
}

func (p *fakePool) currentHandler() func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// fire delivers one frame-arrived event if a handler is subscribed.
func (p *fakePool) fire() {
	if h := p.currentHandler(); h != nil {
		h()
	}
}

func (p *fakePool) setContent(d Dimensions) {
	p.mu.Lock()
	p.content = d
	p.mu.Unlock()
}

func (p *fakePool) recreations() []PoolSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.recreated)
}

type fakeBackend struct {
	log        *opLog
	size       Dimensions
	resolveErr error
	poolErr    error
	// pool is returned by CreatePool; configure its failure knobs up front.
	pool *fakePool
}

func newFakeBackend(log *opLog, size Dimensions) *fakeBackend {
	return &fakeBackend{log: log, size: size, pool: &fakePool{log: log, content: size}}
}

func (b *fakeBackend) ResolveItem(source.Source) (Item, error) {
	b.log.add("resolve item")
	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	return &fakeItem{log: b.log, size: b.size}, nil
}

func (b *fakeBackend) CreatePool(_ device.Interop, spec PoolSpec) (Pool, error) {
	b.log.add("create pool")
	if b.poolErr != nil {
		return nil, b.poolErr
	}
	if spec.Capacity != PoolCapacity || spec.Format != PixelFormatB8G8R8A8 || spec.Size != b.size {
		return nil, errors.New("unexpected pool spec")
	}
	return b.pool, nil
}

// recordingRelay logs each publish into the op log before storing it.
type recordingRelay struct {
	*Slot
	log *opLog

	mu   sync.Mutex
	seqs []uint64
	dims []Dimensions
}

func newRecordingRelay(log *opLog) *recordingRelay {
	return &recordingRelay{Slot: NewSlot(), log: log}
}

func (r *recordingRelay) Publish(f Frame) {
	r.log.add("publish")
	r.mu.Lock()
	r.seqs = append(r.seqs, f.Sequence)
	r.dims = append(r.dims, f.Size)
	r.mu.Unlock()
	r.Slot.Publish(f)
}

func (r *recordingRelay) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seqs)
}

var testSource = source.Source{Kind: source.KindWindow, Handle: 42, Title: "Notepad", Bounds: image.Rect(0, 0, 640, 480)}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNew_ConstructionOrder(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{640, 480})
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, NewSlot(), WithLogger(discardLogger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{"resolve item", "create pool", "create session", "subscribe"}
	if got := log.list(); !slices.Equal(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if s.State() != StateCreated {
		t.Errorf("state = %s", s.State())
	}
	if s.Dimensions() != (Dimensions{640, 480}) {
		t.Errorf("dimensions = %s", s.Dimensions())
	}
	if s.Source() != testSource || s.ID().String() == "" {
		t.Error("accessors not populated")
	}
}

func TestNew_FailureReleasesAcquiredInReverse(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		setup  func(b *fakeBackend)
		code   fault.Code
		wantOp []string
	}{
		{
			name:   "resolve",
			setup:  func(b *fakeBackend) { b.resolveErr = boom },
			code:   fault.SourceResolutionFailed,
			wantOp: []string{"resolve item", "release device"},
		},
		{
			name:   "pool",
			setup:  func(b *fakeBackend) { b.poolErr = boom },
			code:   fault.PoolCreationFailed,
			wantOp: []string{"resolve item", "create pool", "close item", "release device"},
		},
		{
			name:  "session",
			setup: func(b *fakeBackend) { b.pool.sessionErr = boom },
			code:  fault.SessionCreationFailed,
			wantOp: []string{"resolve item", "create pool", "create session",
				"close pool", "close item", "release device"},
		},
		{
			name:  "subscribe",
			setup: func(b *fakeBackend) { b.pool.subscribeErr = boom },
			code:  fault.SubscriptionFailed,
			wantOp: []string{"resolve item", "create pool", "create session", "subscribe",
				"close session", "close pool", "close item", "release device"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := &opLog{}
			b := newFakeBackend(log, Dimensions{10, 10})
			tc.setup(b)
			_, err := New(testSource, newProvider(log, device.MultiThreaded), b, NewSlot(), WithLogger(discardLogger))
			if !fault.IsCode(err, tc.code) {
				t.Fatalf("err = %v, want %s", err, tc.code)
			}
			if !errors.Is(err, boom) {
				t.Errorf("cause lost: %v", err)
			}
			if got := log.list(); !slices.Equal(got, tc.wantOp) {
				t.Errorf("ops = %v, want %v", got, tc.wantOp)
			}
		})
	}
}

func TestNew_DeviceCreationFailed(t *testing.T) {
	log := &opLog{}
	p := device.NewProvider(failingDriver{}, device.DefaultOptions(), nil)
	_, err := New(testSource, p, newFakeBackend(log, Dimensions{1, 1}), NewSlot())
	if !fault.IsCode(err, fault.DeviceCreationFailed) {
		t.Fatalf("err = %v", err)
	}
	if len(log.list()) != 0 {
		t.Errorf("nothing should be touched after device failure: %v", log.list())
	}
}

func TestNew_EmptyItemSize(t *testing.T) {
	log := &opLog{}
	_, err := New(testSource, newProvider(log, device.MultiThreaded), newFakeBackend(log, Dimensions{0, 0}), NewSlot())
	if !fault.IsCode(err, fault.SourceResolutionFailed) || !fault.IsRetriable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestSession_PublishesIncreasingSequences(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{64, 64})
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay, WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		b.pool.fire()
	}
	if got := relay.sequences(); !slices.Equal(got, []uint64{1, 2, 3}) {
		t.Fatalf("sequences = %v", got)
	}
	f, ok := relay.TryTake()
	if !ok || f.Sequence != 3 || f.Size != (Dimensions{64, 64}) || f.SystemRelativeTime != time.Second {
		t.Fatalf("latest = %+v ok=%v", f, ok)
	}
	st := s.Stats()
	if st.Frames != 3 || st.Recreations != 0 || st.Sequence != 3 {
		t.Errorf("stats = %+v", st)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestSession_ResizeRecreatesOnceBeforeNextPublish(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{100, 100})
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay, WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	b.pool.fire()
	b.pool.setContent(Dimensions{200, 150})
	for i := 0; i < 3; i++ {
		b.pool.fire()
	}

	ops := log.list()
	start := slices.Index(ops, "start capture")
	want := []string{"publish", "recreate", "publish", "publish", "publish"}
	if got := ops[start+1:]; !slices.Equal(got, want) {
		t.Fatalf("ops after start = %v, want %v", got, want)
	}
	rec := b.pool.recreations()
	if len(rec) != 1 || rec[0].Size != (Dimensions{200, 150}) || rec[0].Capacity != PoolCapacity {
		t.Fatalf("recreations = %+v", rec)
	}
	if s.Dimensions() != (Dimensions{200, 150}) {
		t.Errorf("dimensions = %s", s.Dimensions())
	}
	if st := s.Stats(); st.Recreations != 1 || st.RecreateFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
	_ = s.Stop()
}

func TestSession_EmptyContentSizeIsNotAResize(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{100, 100})
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay, WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Start()

	b.pool.setContent(Dimensions{})
	b.pool.fire()
	b.pool.setContent(Dimensions{100, 100})
	b.pool.fire()

	if rec := b.pool.recreations(); len(rec) != 0 {
		t.Fatalf("recreations = %+v, want none", rec)
	}
	if s.Dimensions() != (Dimensions{100, 100}) {
		t.Errorf("dimensions = %s", s.Dimensions())
	}
	relay.mu.Lock()
	dims := slices.Clone(relay.dims)
	relay.mu.Unlock()
	if !slices.Equal(dims, []Dimensions{{100, 100}, {100, 100}}) {
		t.Errorf("published sizes = %v", dims)
	}
	_ = s.Stop()
}

func TestSession_SequentialSessionsShareOneSlot(t *testing.T) {
	slot := NewSlot()
	run := func(frames int) (*Session, Frame, bool) {
		t.Helper()
		log := &opLog{}
		b := newFakeBackend(log, Dimensions{16, 16})
		s, err := New(testSource, newProvider(log, device.MultiThreaded), b, slot, WithLogger(discardLogger))
		if err != nil {
			t.Fatal(err)
		}
		_ = s.Start()
		for i := 0; i < frames; i++ {
			b.pool.fire()
		}
		f, ok := slot.TryTake()
		if err := s.Stop(); err != nil {
			t.Fatal(err)
		}
		return s, f, ok
	}

	_, f1, ok := run(3)
	if !ok || f1.Sequence != 3 {
		t.Fatalf("first session: seq %d ok=%v", f1.Sequence, ok)
	}
	s2, f2, ok := run(2)
	if !ok || f2.Sequence != 2 || f2.Session != s2.ID() {
		t.Fatalf("second session: %+v ok=%v", f2, ok)
	}
	if st := slot.Stats(); st.Stale != 0 {
		t.Errorf("stale = %d, want 0", st.Stale)
	}
}

func TestSession_ResizeOnThreadAffineDeviceRunsOnOwner(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{100, 100})
	s, err := New(testSource, newProvider(log, device.ThreadAffine), b, NewSlot(), WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	var onOwner atomic.Bool
	b.pool.onRecreate = func() { onOwner.Store(s.Device().Owner().Busy()) }
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	b.pool.setContent(Dimensions{300, 200})
	b.pool.fire()

	waitFor(t, "deferred recreation", time.Second, func() bool { return s.Stats().Recreations == 1 })
	if !onOwner.Load() {
		t.Error("recreation did not run on the device owner thread")
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if log.index("close pool") < log.index("recreate") {
		t.Error("pool closed before queued recreation ran")
	}
}

func TestSession_RecreationFailureKeepsCapturing(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{100, 100})
	b.pool.recreateErr = errors.New("device removed")
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay, WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Start()
	b.pool.setContent(Dimensions{120, 100})
	b.pool.fire()
	b.pool.fire()

	st := s.Stats()
	if st.RecreateFailures != 1 || st.Frames != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if got := relay.sequences(); !slices.Equal(got, []uint64{1, 2}) {
		t.Errorf("sequences = %v", got)
	}
	_ = s.Stop()
}

func TestSession_CallbackFailuresAreContained(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{8, 8})
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay, WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Start()

	b.pool.mu.Lock()
	b.pool.acquireErr = errors.New("E_ACCESSDENIED")
	b.pool.mu.Unlock()
	b.pool.fire()

	b.pool.mu.Lock()
	b.pool.acquireErr = nil
	b.pool.panicFrame = true
	b.pool.mu.Unlock()
	b.pool.fire()

	b.pool.mu.Lock()
	b.pool.panicFrame = false
	b.pool.mu.Unlock()
	b.pool.fire()

	st := s.Stats()
	if st.AcquireFailures != 1 || st.Panics != 1 || st.Frames != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if got := relay.sequences(); !slices.Equal(got, []uint64{3}) {
		t.Errorf("sequences = %v, want [3]", got)
	}
	// The frame whose handler panicked is closed as well as the good one.
	if n := b.pool.frameCloses.Load(); n != 2 {
		t.Errorf("pool frames closed = %d, want 2", n)
	}
	_ = s.Stop()
}

func TestSession_StopOrderWithInflightCallback(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{32, 32})
	relay := newRecordingRelay(log)
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, relay,
		WithLogger(discardLogger), WithDrainTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Start()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.pool.beforeAcquire = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	handler := b.pool.currentHandler()
	go handler()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()

	waitFor(t, "unsubscribe", time.Second, func() bool { return log.index("unsubscribe") >= 0 })
	time.Sleep(20 * time.Millisecond)
	if log.index("close pool") >= 0 {
		t.Fatal("pool closed while a callback was still running")
	}
	close(release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ops := log.list()
	unsub := slices.Index(ops, "unsubscribe")
	pub := slices.Index(ops, "publish")
	closePool := slices.Index(ops, "close pool")
	closeSession := slices.Index(ops, "close session")
	closeItem := slices.Index(ops, "close item")
	releaseDev := slices.Index(ops, "release device")
	if !(unsub < pub && pub < closePool && closePool < closeSession && closeSession < closeItem && closeItem < releaseDev) {
		t.Fatalf("teardown order wrong: %v", ops)
	}

	// A late callback after stop must not touch the pool.
	before := s.Stats().Callbacks
	handler()
	if s.Stats().Callbacks != before {
		t.Error("callback after stop was processed")
	}
}

func TestSession_DrainTimeoutStillClosesEverything(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{32, 32})
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, NewSlot(),
		WithLogger(discardLogger), WithDrainTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Start()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.pool.beforeAcquire = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.pool.fire()
	}()
	<-entered

	err = s.Stop()
	if !fault.IsCode(err, fault.TeardownStepFailed) {
		t.Fatalf("err = %v, want TeardownStepFailed", err)
	}
	for _, op := range []string{"close pool", "close session", "close item", "release device"} {
		if log.index(op) < 0 {
			t.Errorf("%s skipped after drain timeout", op)
		}
	}
	close(release)
	<-done
	if s.Stats().AcquireFailures != 1 {
		t.Errorf("late callback should fail against the closed pool")
	}
}

func TestSession_TeardownContinuesAfterFailedStep(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{32, 32})
	b.pool.closeErr = errors.New("close failed")
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, NewSlot(), WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	err = s.Stop()
	if !fault.IsCode(err, fault.TeardownStepFailed) || fault.IsFatal(err) {
		t.Fatalf("err = %v", err)
	}
	if log.index("close session") < 0 || log.index("release device") < 0 {
		t.Errorf("later steps skipped: %v", log.list())
	}
}

func TestSession_StateGuards(t *testing.T) {
	log := &opLog{}
	b := newFakeBackend(log, Dimensions{32, 32})
	s, err := New(testSource, newProvider(log, device.MultiThreaded), b, NewSlot(), WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); !fault.IsCode(err, fault.InvalidState) {
		t.Errorf("second Start = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	n := len(log.list())
	if err := s.Stop(); !fault.IsCode(err, fault.InvalidState) {
		t.Errorf("second Stop = %v", err)
	}
	if len(log.list()) != n {
		t.Error("second Stop touched resources")
	}
	if err := s.Start(); !fault.IsCode(err, fault.InvalidState) {
		t.Errorf("Start after Stop = %v", err)
	}
}

func TestSession_BorrowedDeviceIsNotReleased(t *testing.T) {
	log := &opLog{}
	dev, err := newProvider(log, device.MultiThreaded).CreateDevice()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(testSource, nil, newFakeBackend(log, Dimensions{16, 16}), NewSlot(),
		WithDevice(dev), WithLogger(discardLogger))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if log.index("release device") >= 0 {
		t.Error("session released a device it does not own")
	}
	_ = dev.Close()
	if log.index("release device") < 0 {
		t.Error("device Close did not release")
	}
}
