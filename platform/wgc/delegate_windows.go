//go:build windows

package wgc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// handlerVtbl is the ABI layout of ITypedEventHandler<Direct3D11CaptureFramePool, IInspectable>.
type handlerVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
	Invoke         uintptr
}

// frameHandler is a COM object implemented in Go. Its address is handed to
// the frame pool, so it stays pinned and registered until its reference
// count drops to zero.
type frameHandler struct {
	vtbl   *handlerVtbl // must be first
	refs   atomic.Int32
	fn     func()
	pinner runtime.Pinner
}

var (
	handlerVtblOnce sync.Once
	sharedVtbl      *handlerVtbl

	handlersMu sync.Mutex
	handlers   = make(map[uintptr]*frameHandler)
)

func lookupHandler(this uintptr) *frameHandler {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	return handlers[this]
}

func initHandlerVtbl() {
	sharedVtbl = &handlerVtbl{
		QueryInterface: syscall.NewCallback(func(this uintptr, riid *windows.GUID, out *uintptr) uintptr {
			if out == nil {
				return ePointer
			}
			if riid == nil {
				*out = 0
				return eNoInterface
			}
			switch *riid {
			case iidIUnknown, iidIAgileObject, iidFrameArrivedHandler:
				if h := lookupHandler(this); h != nil {
					h.refs.Add(1)
					*out = this
					return sOK
				}
			}
			*out = 0
			return eNoInterface
		}),
		AddRef: syscall.NewCallback(func(this uintptr) uintptr {
			if h := lookupHandler(this); h != nil {
				return uintptr(h.refs.Add(1))
			}
			return 0
		}),
		Release: syscall.NewCallback(func(this uintptr) uintptr {
			h := lookupHandler(this)
			if h == nil {
				return 0
			}
			n := h.refs.Add(-1)
			if n == 0 {
				handlersMu.Lock()
				delete(handlers, this)
				handlersMu.Unlock()
				h.pinner.Unpin()
			}
			return uintptr(n)
		}),
		Invoke: syscall.NewCallback(func(this, sender, args uintptr) uintptr {
			if h := lookupHandler(this); h != nil {
				h.fn()
			}
			return sOK
		}),
	}
}

// newFrameHandler returns a handler holding one reference owned by the
// caller, who must drop it with comRelease.
func newFrameHandler(fn func()) uintptr {
	handlerVtblOnce.Do(initHandlerVtbl)
	h := &frameHandler{vtbl: sharedVtbl, fn: fn}
	h.refs.Store(1)
	h.pinner.Pin(h)
	h.pinner.Pin(sharedVtbl)
	this := uintptr(unsafe.Pointer(h))
	handlersMu.Lock()
	handlers[this] = h
	handlersMu.Unlock()
	return this
}
