package capture

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Relay hands frames from the capture callback to a consumer. Publish must
// never block; TryTake must never block.
type Relay interface {
	Publish(f Frame)
	TryTake() (Frame, bool)
}

// RelayStats counts relay traffic.
type RelayStats struct {
	Published   uint64
	Overwritten uint64 // unread frames replaced by newer ones
	Stale       uint64 // frames discarded for arriving out of order
	Taken       uint64
}

// Slot is a single-frame mailbox with drop-oldest semantics: a publish always
// replaces an unread frame, and a take empties the slot.
type Slot struct {
	mu      sync.Mutex
	frame   Frame
	full    bool
	lastSeq uint64
	lastID  uuid.UUID
	ready   chan struct{}

	published   atomic.Uint64
	overwritten atomic.Uint64
	stale       atomic.Uint64
	taken       atomic.Uint64
}

// NewSlot returns an empty Slot.
func NewSlot() *Slot {
	return &Slot{ready: make(chan struct{}, 1)}
}

// Publish stores f, replacing any unread frame. A frame whose sequence is not
// newer than the last one published by the same session is discarded, so
// consumers observe strictly increasing sequences even when callbacks
// overlap. A frame from another session starts a new ordering.
func (s *Slot) Publish(f Frame) {
	s.mu.Lock()
	if f.Session == s.lastID && s.lastSeq != 0 && f.Sequence <= s.lastSeq {
		s.mu.Unlock()
		s.stale.Add(1)
		f.Release()
		return
	}
	prev, hadPrev := s.frame, s.full
	s.frame, s.full, s.lastSeq, s.lastID = f, true, f.Sequence, f.Session
	s.mu.Unlock()

	s.published.Add(1)
	if hadPrev {
		s.overwritten.Add(1)
		prev.Release()
	}
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// TryTake returns and clears the stored frame.
func (s *Slot) TryTake() (Frame, bool) {
	s.mu.Lock()
	if !s.full {
		s.mu.Unlock()
		return Frame{}, false
	}
	f := s.frame
	s.frame, s.full = Frame{}, false
	s.mu.Unlock()
	s.taken.Add(1)
	return f, true
}

// Ready receives a value after a publish. It is a wake-up hint only: the
// slot may already be empty again when the consumer gets to it.
func (s *Slot) Ready() <-chan struct{} { return s.ready }

// Stats returns the relay counters.
func (s *Slot) Stats() RelayStats {
	return RelayStats{
		Published:   s.published.Load(),
		Overwritten: s.overwritten.Load(),
		Stale:       s.stale.Load(),
		Taken:       s.taken.Load(),
	}
}

// ChanRelay is a bounded channel relay. When the buffer is full the oldest
// frame is dropped to make room. It suits consumers that range over Frames;
// it preserves order for a single producer.
type ChanRelay struct {
	mu     sync.RWMutex
	ch     chan Frame
	ready  chan struct{}
	closed bool

	published   atomic.Uint64
	overwritten atomic.Uint64
	taken       atomic.Uint64
}

// NewChanRelay returns a relay buffering up to depth frames (minimum 1).
func NewChanRelay(depth int) *ChanRelay {
	if depth < 1 {
		depth = 1
	}
	return &ChanRelay{ch: make(chan Frame, depth), ready: make(chan struct{}, 1)}
}

// Publish enqueues f, evicting the oldest buffered frame when full. Frames
// published after Close are released and dropped.
func (r *ChanRelay) Publish(f Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		f.Release()
		return
	}
	for {
		select {
		case r.ch <- f:
			r.published.Add(1)
			select {
			case r.ready <- struct{}{}:
			default:
			}
			return
		default:
		}
		select {
		case old := <-r.ch:
			r.overwritten.Add(1)
			old.Release()
		default:
		}
	}
}

// TryTake receives a buffered frame without blocking.
func (r *ChanRelay) TryTake() (Frame, bool) {
	select {
	case f, ok := <-r.ch:
		if ok {
			r.taken.Add(1)
		}
		return f, ok
	default:
		return Frame{}, false
	}
}

// Ready receives a value after a publish, like Slot.Ready.
func (r *ChanRelay) Ready() <-chan struct{} { return r.ready }

// Frames exposes the channel for range loops; it is closed by Close.
func (r *ChanRelay) Frames() <-chan Frame { return r.ch }

// Close ends the stream. Call it after the producing session has stopped.
func (r *ChanRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Stats returns the relay counters.
func (r *ChanRelay) Stats() RelayStats {
	return RelayStats{
		Published:   r.published.Load(),
		Overwritten: r.overwritten.Load(),
		Taken:       r.taken.Load(),
	}
}
