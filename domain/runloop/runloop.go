// Package runloop provides a goroutine pinned to one OS thread that executes
// posted work in order. Thread-affine native resources are created, used and
// released through a Loop so every call lands on the thread that owns them.
package runloop

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when work is submitted to a stopped loop.
var ErrClosed = errors.New("runloop: closed")

const queueDepth = 16

// Loop executes tasks on a single locked OS thread.
type Loop struct {
	name  string
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	// wake nudges a loop that blocks outside the task channel (a platform
	// message pump). Nil for the plain loop.
	wake func()
	// halt asks the pump to return. Nil for the plain loop.
	halt func()

	closeOnce sync.Once
	busy      atomic.Int32
}

func newLoop(name string) *Loop {
	return &Loop{
		name:  name,
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// New starts a plain loop that blocks on its task queue.
func New(name string) *Loop {
	l := newLoop(name)
	started := make(chan struct{})
	go func() {
		// The thread is never unlocked: when the goroutine exits the runtime
		// retires the thread together with whatever state was bound to it.
		runtime.LockOSThread()
		defer close(l.done)
		close(started)
		for {
			select {
			case fn := <-l.tasks:
				l.run(fn)
			case <-l.quit:
				return
			}
		}
	}()
	<-started
	return l
}

// Name returns the loop's label used in logs.
func (l *Loop) Name() string { return l.name }

// Busy reports whether a task is executing right now.
func (l *Loop) Busy() bool { return l.busy.Load() > 0 }

func (l *Loop) run(fn func()) {
	l.busy.Add(1)
	defer l.busy.Add(-1)
	fn()
}

// drain runs every queued task without blocking. Message pumps call it when
// woken.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.run(fn)
		default:
			return
		}
	}
}

func (l *Loop) notify() {
	if l.wake != nil {
		l.wake()
	}
}

// Post queues fn without blocking. It returns false when the queue is full or
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		l.notify()
		return true
	default:
		return false
	}
}

// Do runs fn on the loop thread and waits for it to return.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
		l.notify()
	case <-l.quit:
		return ErrClosed
	case <-l.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have picked the task up just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop and waits for its goroutine to exit. Tasks still
// queued are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		if l.halt != nil {
			l.halt()
		}
	})
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }
