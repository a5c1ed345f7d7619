//go:build windows

package wgc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/soocke/livecap-go/domain/capture"
	"github.com/soocke/livecap-go/domain/device"
	"github.com/soocke/livecap-go/domain/source"
)

// Vtable slots past IInspectable.
const (
	itemInteropCreateForWindow  = 3
	itemInteropCreateForMonitor = 4

	itemGetDisplayName = vtblInspectableBase + 0
	itemGetSize        = vtblInspectableBase + 1

	sessionStaticsIsSupported = vtblInspectableBase + 0

	poolStatics2CreateFreeThreaded = vtblInspectableBase + 0

	poolRecreate             = vtblInspectableBase + 0
	poolTryGetNextFrame      = vtblInspectableBase + 1
	poolAddFrameArrived      = vtblInspectableBase + 2
	poolRemoveFrameArrived   = vtblInspectableBase + 3
	poolCreateCaptureSession = vtblInspectableBase + 4

	frameGetSurface            = vtblInspectableBase + 0
	frameGetSystemRelativeTime = vtblInspectableBase + 1
	frameGetContentSize        = vtblInspectableBase + 2

	sessionStartCapture = vtblInspectableBase + 0
)

const (
	classCaptureItem    = "Windows.Graphics.Capture.GraphicsCaptureItem"
	classCaptureSession = "Windows.Graphics.Capture.GraphicsCaptureSession"
	classFramePool      = "Windows.Graphics.Capture.Direct3D11CaptureFramePool"
)

var errForeign = errors.New("wgc: object created by another backend")

// Backend resolves capture items and allocates free-threaded frame pools.
type Backend struct {
	logger       *slog.Logger
	itemInterop  uintptr // IGraphicsCaptureItemInterop
	poolStatics2 uintptr // IDirect3D11CaptureFramePoolStatics2
}

// NewBackend activates the WinRT factories. It fails when the OS has no
// Windows.Graphics.Capture support.
func NewBackend(logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := ensureMTA(); err != nil {
		return nil, err
	}
	statics, err := activationFactory(classCaptureSession, &iidGraphicsCaptureSessionStatic)
	if err != nil {
		return nil, err
	}
	var supported bool
	err = comCall(statics, sessionStaticsIsSupported, uintptr(unsafe.Pointer(&supported)))
	comRelease(statics)
	if err != nil {
		return nil, fmt.Errorf("GraphicsCaptureSession.IsSupported: %w", err)
	}
	if !supported {
		return nil, errors.New("wgc: Windows.Graphics.Capture is not supported on this system")
	}

	interop, err := activationFactory(classCaptureItem, &iidGraphicsCaptureItemInterop)
	if err != nil {
		return nil, err
	}
	pools, err := activationFactory(classFramePool, &iidFramePoolStatics2)
	if err != nil {
		comRelease(interop)
		return nil, err
	}
	return &Backend{logger: logger, itemInterop: interop, poolStatics2: pools}, nil
}

// Close releases the activation factories.
func (b *Backend) Close() error {
	comRelease(b.itemInterop)
	comRelease(b.poolStatics2)
	b.itemInterop, b.poolStatics2 = 0, 0
	return nil
}

// ResolveItem creates a GraphicsCaptureItem for an HWND or HMONITOR.
func (b *Backend) ResolveItem(src source.Source) (capture.Item, error) {
	method := itemInteropCreateForWindow
	if src.Kind == source.KindMonitor {
		method = itemInteropCreateForMonitor
	}
	var ptr uintptr
	err := comCall(b.itemInterop, method,
		src.Handle,
		uintptr(unsafe.Pointer(&iidGraphicsCaptureItem)),
		uintptr(unsafe.Pointer(&ptr)),
	)
	if err != nil {
		return nil, fmt.Errorf("wgc: create capture item for %s: %w", src, err)
	}
	return &item{ptr: ptr}, nil
}

// CreatePool calls Direct3D11CaptureFramePool.CreateFreeThreaded, so
// FrameArrived fires on the system thread pool instead of a DispatcherQueue.
func (b *Backend) CreatePool(dev device.Interop, spec capture.PoolSpec) (capture.Pool, error) {
	in, ok := dev.(*Interop)
	if !ok {
		return nil, errForeign
	}
	var ptr uintptr
	err := comCall(b.poolStatics2, poolStatics2CreateFreeThreaded,
		in.pointer(),
		uintptr(spec.Format),
		uintptr(spec.Capacity),
		packSize(spec.Size.Width, spec.Size.Height),
		uintptr(unsafe.Pointer(&ptr)),
	)
	if err != nil {
		return nil, fmt.Errorf("wgc: CreateFreeThreaded %s: %w", spec.Size, err)
	}
	return &pool{ptr: ptr, logger: b.logger}, nil
}

type item struct {
	mu  sync.Mutex
	ptr uintptr // IGraphicsCaptureItem
}

func (i *item) DisplayName() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var h hstring
	if err := comCall(i.ptr, itemGetDisplayName, uintptr(unsafe.Pointer(&h))); err != nil {
		return ""
	}
	defer h.delete()
	return h.String()
}

func (i *item) Size() (capture.Dimensions, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var sz sizeInt32
	if err := comCall(i.ptr, itemGetSize, uintptr(unsafe.Pointer(&sz))); err != nil {
		return capture.Dimensions{}, fmt.Errorf("wgc: item size: %w", err)
	}
	return capture.Dimensions{Width: sz.Width, Height: sz.Height}, nil
}

// Close drops the item reference. GraphicsCaptureItem is not closable.
func (i *item) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	comRelease(i.ptr)
	i.ptr = 0
	return nil
}

type pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	ptr     uintptr // IDirect3D11CaptureFramePool
	handler uintptr // frameHandler owned reference
}

func (p *pool) pointer() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptr
}

func (p *pool) TryGetNextFrame() (capture.PoolFrame, error) {
	var f uintptr
	if err := comCall(p.pointer(), poolTryGetNextFrame, uintptr(unsafe.Pointer(&f))); err != nil {
		return nil, fmt.Errorf("wgc: TryGetNextFrame: %w", err)
	}
	if f == 0 {
		return nil, nil
	}
	return &frame{ptr: f}, nil
}

func (p *pool) Recreate(dev device.Interop, spec capture.PoolSpec) error {
	in, ok := dev.(*Interop)
	if !ok {
		return errForeign
	}
	err := comCall(p.pointer(), poolRecreate,
		in.pointer(),
		uintptr(spec.Format),
		uintptr(spec.Capacity),
		packSize(spec.Size.Width, spec.Size.Height),
	)
	if err != nil {
		return fmt.Errorf("wgc: Recreate %s: %w", spec.Size, err)
	}
	return nil
}

func (p *pool) CreateSession(it capture.Item) (capture.PlatformSession, error) {
	ci, ok := it.(*item)
	if !ok {
		return nil, errForeign
	}
	ci.mu.Lock()
	itemPtr := ci.ptr
	ci.mu.Unlock()
	var s uintptr
	if err := comCall(p.pointer(), poolCreateCaptureSession, itemPtr, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, fmt.Errorf("wgc: CreateCaptureSession: %w", err)
	}
	return &session{ptr: s}, nil
}

func (p *pool) AddFrameArrived(fn func()) (capture.Token, error) {
	h := newFrameHandler(fn)
	var tok int64
	if err := comCall(p.pointer(), poolAddFrameArrived, h, uintptr(unsafe.Pointer(&tok))); err != nil {
		comRelease(h)
		return 0, fmt.Errorf("wgc: add FrameArrived: %w", err)
	}
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	return capture.Token(tok), nil
}

func (p *pool) RemoveFrameArrived(tok capture.Token) error {
	err := comCall(p.pointer(), poolRemoveFrameArrived, uintptr(tok))
	p.mu.Lock()
	h := p.handler
	p.handler = 0
	p.mu.Unlock()
	comRelease(h)
	if err != nil {
		return fmt.Errorf("wgc: remove FrameArrived: %w", err)
	}
	return nil
}

func (p *pool) Close() error {
	p.mu.Lock()
	ptr, h := p.ptr, p.handler
	p.ptr, p.handler = 0, 0
	p.mu.Unlock()
	if h != 0 {
		p.logger.Warn("frame pool closed with a live FrameArrived handler")
		comRelease(h)
	}
	if err := closeAndRelease(ptr); err != nil {
		return fmt.Errorf("wgc: close frame pool: %w", err)
	}
	return nil
}

type session struct {
	ptr uintptr // IGraphicsCaptureSession
}

func (s *session) StartCapture() error {
	if err := comCall(s.ptr, sessionStartCapture); err != nil {
		return fmt.Errorf("wgc: StartCapture: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	p := s.ptr
	s.ptr = 0
	if err := closeAndRelease(p); err != nil {
		return fmt.Errorf("wgc: close capture session: %w", err)
	}
	return nil
}

type frame struct {
	ptr uintptr // IDirect3D11CaptureFrame
}

// ContentSize reports the empty size when the property cannot be read; the
// session treats that as unknown rather than as a resize.
func (f *frame) ContentSize() capture.Dimensions {
	var sz sizeInt32
	if err := comCall(f.ptr, frameGetContentSize, uintptr(unsafe.Pointer(&sz))); err != nil {
		return capture.Dimensions{}
	}
	return capture.Dimensions{Width: sz.Width, Height: sz.Height}
}

// SystemRelativeTime converts the frame's TimeSpan (100ns ticks).
func (f *frame) SystemRelativeTime() time.Duration {
	var ticks int64
	_ = comCall(f.ptr, frameGetSystemRelativeTime, uintptr(unsafe.Pointer(&ticks)))
	return time.Duration(ticks) * 100
}

func (f *frame) Surface() (capture.Surface, error) {
	var s uintptr
	if err := comCall(f.ptr, frameGetSurface, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, fmt.Errorf("wgc: frame surface: %w", err)
	}
	return &surface{ptr: s, size: f.ContentSize()}, nil
}

func (f *frame) Close() error {
	p := f.ptr
	f.ptr = 0
	return closeAndRelease(p)
}

// surface is an IDirect3DSurface reference kept past the frame's Close.
type surface struct {
	mu   sync.Mutex
	ptr  uintptr
	size capture.Dimensions
}

func (s *surface) Size() capture.Dimensions { return s.size }

func (s *surface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	comRelease(s.ptr)
	s.ptr = 0
	return nil
}
