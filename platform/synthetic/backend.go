package synthetic

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soocke/livecap-go/domain/capture"
	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/source"
)

type item struct {
	c   *Compositor
	src source.Source

	mu     sync.Mutex
	size   capture.Dimensions
	closed bool
}

func (i *item) DisplayName() string { return i.src.Title }

func (i *item) Size() (capture.Dimensions, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return capture.Dimensions{}, errReleased
	}
	return i.size, nil
}

func (i *item) setSize(d capture.Dimensions) {
	i.mu.Lock()
	i.size = d
	i.mu.Unlock()
}

func (i *item) currentSize() capture.Dimensions {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.size
}

func (i *item) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return errReleased
	}
	i.closed = true
	i.mu.Unlock()

	i.c.record("close item")
	i.c.mu.Lock()
	if i.c.items[i.src.Handle] == i {
		delete(i.c.items, i.src.Handle)
	}
	i.c.mu.Unlock()
	return nil
}

// ResolveItem creates a capture item for a window or monitor.
func (c *Compositor) ResolveItem(src source.Source) (capture.Item, error) {
	c.record("resolve item")
	c.mu.Lock()
	fail := c.fail.Resolve
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	size, err := c.lookupSize(src)
	if err != nil {
		return nil, err
	}
	it := &item{c: c, src: src, size: size}
	c.mu.Lock()
	c.items[src.Handle] = it
	c.mu.Unlock()
	return it, nil
}

// CreatePool allocates a free-threaded pool: handlers run on whichever
// goroutine delivers the frame.
func (c *Compositor) CreatePool(dev device.Interop, spec capture.PoolSpec) (capture.Pool, error) {
	c.record("create pool")
	in, ok := dev.(*Interop)
	if !ok {
		return nil, fmt.Errorf("synthetic: foreign device %T", dev)
	}
	if in.released.Load() {
		return nil, errReleased
	}
	c.mu.Lock()
	fail := c.fail.Pool
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if spec.Capacity < 1 || spec.Size.Width <= 0 || spec.Size.Height <= 0 {
		return nil, fmt.Errorf("synthetic: invalid pool spec %+v", spec)
	}
	p := &pool{c: c, spec: spec, handlers: make(map[capture.Token]func())}
	c.mu.Lock()
	c.pools = append(c.pools, p)
	c.mu.Unlock()
	return p, nil
}

type pool struct {
	c *Compositor

	mu       sync.Mutex
	spec     capture.PoolSpec
	item     *item
	pending  int
	handlers map[capture.Token]func()
	nextTok  capture.Token
	started  bool
	closed   bool
	stop     chan struct{}
}

func (p *pool) capturing(h uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.closed && p.item != nil && p.item.src.Handle == h
}

// arrive queues a frame and notifies subscribers. A full pool drops its
// oldest pending frame.
func (p *pool) arrive() {
	p.mu.Lock()
	if p.closed || !p.started {
		p.mu.Unlock()
		return
	}
	if p.pending < int(p.spec.Capacity) {
		p.pending++
	}
	hs := make([]func(), 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	p.mu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (p *pool) TryGetNextFrame() (capture.PoolFrame, error) {
	p.c.mu.Lock()
	fail := p.c.fail.Acquire
	p.c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errReleased
	}
	if p.pending == 0 {
		return nil, nil
	}
	p.pending--
	var size capture.Dimensions
	if p.item != nil {
		size = p.item.currentSize()
	}
	return &frame{size: size, at: time.Since(p.c.epoch)}, nil
}

func (p *pool) Recreate(dev device.Interop, spec capture.PoolSpec) error {
	p.c.record("recreate pool")
	if _, ok := dev.(*Interop); !ok {
		return fmt.Errorf("synthetic: foreign device %T", dev)
	}
	p.c.mu.Lock()
	fail := p.c.fail.Recreate
	p.c.mu.Unlock()
	if fail != nil {
		return fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errReleased
	}
	p.spec = spec
	p.pending = 0
	return nil
}

func (p *pool) CreateSession(it capture.Item) (capture.PlatformSession, error) {
	p.c.record("create session")
	si, ok := it.(*item)
	if !ok {
		return nil, fmt.Errorf("synthetic: foreign item %T", it)
	}
	p.mu.Lock()
	p.item = si
	p.mu.Unlock()
	return &session{p: p}, nil
}

func (p *pool) AddFrameArrived(h func()) (capture.Token, error) {
	p.c.record("subscribe")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errReleased
	}
	p.nextTok++
	p.handlers[p.nextTok] = h
	return p.nextTok, nil
}

func (p *pool) RemoveFrameArrived(tok capture.Token) error {
	p.c.record("unsubscribe")
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[tok]; !ok {
		return fmt.Errorf("synthetic: unknown token %d", tok)
	}
	delete(p.handlers, tok)
	return nil
}

func (p *pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errReleased
	}
	if len(p.handlers) > 0 {
		p.c.logger.Warn("synthetic pool closed with live subscriptions", "count", len(p.handlers))
	}
	p.closed = true
	p.stopTicker()
	p.mu.Unlock()

	p.c.mu.Lock()
	if i := slices.Index(p.c.pools, p); i >= 0 {
		p.c.pools = slices.Delete(p.c.pools, i, i+1)
	}
	p.c.mu.Unlock()
	p.c.record("close pool")
	return nil
}

// stopTicker must be called with p.mu held.
func (p *pool) stopTicker() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *pool) tick(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.arrive()
		}
	}
}

type session struct {
	p      *pool
	closed atomic.Bool
}

func (s *session) StartCapture() error {
	s.p.c.record("start capture")
	s.p.c.mu.Lock()
	fps := s.p.c.fps
	s.p.c.mu.Unlock()

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.closed || s.closed.Load() {
		return errors.New("synthetic: start on closed session")
	}
	s.p.started = true
	if fps > 0 && s.p.stop == nil {
		s.p.stop = make(chan struct{})
		go s.p.tick(time.Second/time.Duration(fps), s.p.stop)
	}
	return nil
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return errReleased
	}
	s.p.mu.Lock()
	s.p.started = false
	s.p.stopTicker()
	s.p.mu.Unlock()
	s.p.c.record("close session")
	return nil
}

type frame struct {
	size capture.Dimensions
	at   time.Duration
}

func (f *frame) ContentSize() capture.Dimensions   { return f.size }
func (f *frame) SystemRelativeTime() time.Duration { return f.at }
func (f *frame) Surface() (capture.Surface, error) { return &Surface{size: f.size}, nil }
func (f *frame) Close() error                      { return nil }

// Surface is a placeholder GPU surface carrying only its size.
type Surface struct {
	size     capture.Dimensions
	released atomic.Bool
}

func (s *Surface) Size() capture.Dimensions { return s.size }

func (s *Surface) Release() error {
	if s.released.Swap(true) {
		return errReleased
	}
	return nil
}
