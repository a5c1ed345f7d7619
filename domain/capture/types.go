package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/source"
)

// Dimensions is a content size in pixels.
type Dimensions struct {
	Width  int32
	Height int32
}

func (d Dimensions) String() string { return fmt.Sprintf("%dx%d", d.Width, d.Height) }

func (d Dimensions) pack() uint64 {
	return uint64(uint32(d.Width))<<32 | uint64(uint32(d.Height))
}

func unpackDimensions(v uint64) Dimensions {
	return Dimensions{Width: int32(uint32(v >> 32)), Height: int32(uint32(v))}
}

// PixelFormat mirrors DirectXPixelFormat.
type PixelFormat int32

// PixelFormatB8G8R8A8 is B8G8R8A8UIntNormalized, the only format pools use.
const PixelFormatB8G8R8A8 PixelFormat = 87

// PoolCapacity is the number of surfaces a frame pool cycles through.
const PoolCapacity = 2

// PoolSpec describes a frame pool allocation.
type PoolSpec struct {
	Format   PixelFormat
	Capacity int32
	Size     Dimensions
}

// Token identifies a frame-arrived subscription.
type Token int64

// Surface is a GPU surface borrowed from the pool. It stays valid until the
// pool cycles back to it; Release drops the reference.
type Surface interface {
	Size() Dimensions
	Release() error
}

// Frame is one capture result. It is never mutated after it is published.
type Frame struct {
	// Session identifies the producing session; sequences are only ordered
	// within one session.
	Session            uuid.UUID
	Sequence           uint64
	CapturedAt         time.Time
	SystemRelativeTime time.Duration
	Size               Dimensions
	// Surface is set only when the session retains surfaces.
	Surface Surface
}

// Release drops the frame's surface reference, if any.
func (f Frame) Release() {
	if f.Surface != nil {
		_ = f.Surface.Release()
	}
}

// Item is the capture subsystem's representation of a source.
type Item interface {
	DisplayName() string
	Size() (Dimensions, error)
	Close() error
}

// PoolFrame is a frame checked out of the pool. Close returns its buffer.
type PoolFrame interface {
	// ContentSize is empty when the platform cannot report it.
	ContentSize() Dimensions
	SystemRelativeTime() time.Duration
	Surface() (Surface, error)
	Close() error
}

// PlatformSession is the capture session object bound to a pool and an item.
type PlatformSession interface {
	StartCapture() error
	Close() error
}

// Pool is a GPU-backed frame pool. Handlers registered with AddFrameArrived
// run on threads the caller does not control.
type Pool interface {
	// TryGetNextFrame returns the next available frame, or nil when none is
	// pending.
	TryGetNextFrame() (PoolFrame, error)
	Recreate(dev device.Interop, spec PoolSpec) error
	CreateSession(item Item) (PlatformSession, error)
	AddFrameArrived(handler func()) (Token, error)
	RemoveFrameArrived(tok Token) error
	Close() error
}

// Backend adapts sources and allocates pools on a platform.
type Backend interface {
	ResolveItem(src source.Source) (Item, error)
	// CreatePool allocates a free-threaded pool: frame-arrived handlers fire
	// on a system thread pool rather than a dispatcher queue.
	CreatePool(dev device.Interop, spec PoolSpec) (Pool, error)
}
