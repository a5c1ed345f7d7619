//go:build windows

package win32

import (
	"fmt"
	"image"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/soocke/livecap-go/domain/source"
)

const (
	gwlStyle      = -16 // GWL_STYLE
	gaRoot        = 2   // GA_ROOT
	dwmwaCloaked  = 14  // DWMWA_CLOAKED
	maxTitleChars = 512
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procGetWindowLongW      = user32.NewProc("GetWindowLongW")
	procGetAncestor         = user32.NewProc("GetAncestor")
	procGetWindowTextW      = user32.NewProc("GetWindowTextW")
	procEnumDisplayMonitors = user32.NewProc("EnumDisplayMonitors")
	procGetMonitorInfoW     = user32.NewProc("GetMonitorInfoW")
)

// monitorInfoEx mirrors MONITORINFOEXW.
type monitorInfoEx struct {
	CbSize    uint32
	RcMonitor windows.Rect
	RcWork    windows.Rect
	DwFlags   uint32
	SzDevice  [32]uint16
}

// Callbacks are created once: the runtime caps the number of callbacks a
// process may allocate. enumMu serialises the state they append to.
var (
	enumMu      sync.Mutex
	enumHandles []uintptr
	enumMons    []uintptr

	enumWindowsCb = syscall.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		enumHandles = append(enumHandles, hwnd)
		return 1
	})
	enumMonitorsCb = syscall.NewCallback(func(hmon, _ uintptr, _ *windows.Rect, _ uintptr) uintptr {
		enumMons = append(enumMons, hmon)
		return 1
	})
)

// Platform is the live Win32 implementation of source.Platform.
type Platform struct{}

// New returns the Win32 platform.
func New() *Platform { return &Platform{} }

func (Platform) ShellWindow() uintptr { return uintptr(windows.GetShellWindow()) }

func (Platform) IsVisible(h uintptr) bool { return windows.IsWindowVisible(windows.HWND(h)) }

func (Platform) RootAncestor(h uintptr) uintptr {
	r, _, _ := procGetAncestor.Call(h, gaRoot)
	return r
}

func (Platform) Style(h uintptr) uint32 {
	index := int32(gwlStyle)
	r, _, _ := procGetWindowLongW.Call(h, uintptr(index))
	return uint32(r)
}

func (Platform) CloakReason(h uintptr) (uint32, bool) {
	var cloaked uint32
	err := windows.DwmGetWindowAttribute(windows.HWND(h), dwmwaCloaked, unsafe.Pointer(&cloaked), uint32(unsafe.Sizeof(cloaked)))
	if err != nil {
		return 0, false
	}
	return cloaked, true
}

// Title returns the raw window text. Whitespace is kept: only a zero-length
// title counts as untitled.
func (Platform) Title(h uintptr) string {
	buf := make([]uint16, maxTitleChars)
	n, _, _ := procGetWindowTextW.Call(h, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if int32(n) <= 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}

// WindowHandles lists top-level windows in EnumWindows order.
func (Platform) WindowHandles() ([]uintptr, error) {
	enumMu.Lock()
	defer enumMu.Unlock()
	enumHandles = enumHandles[:0]
	if err := windows.EnumWindows(enumWindowsCb, nil); err != nil {
		return nil, fmt.Errorf("win32: EnumWindows: %w", err)
	}
	out := make([]uintptr, len(enumHandles))
	copy(out, enumHandles)
	return out, nil
}

// Monitors lists display monitors in EnumDisplayMonitors order.
func (Platform) Monitors() ([]source.Source, error) {
	enumMu.Lock()
	enumMons = enumMons[:0]
	r, _, callErr := procEnumDisplayMonitors.Call(0, 0, enumMonitorsCb, 0)
	handles := make([]uintptr, len(enumMons))
	copy(handles, enumMons)
	enumMu.Unlock()
	if r == 0 {
		return nil, fmt.Errorf("win32: EnumDisplayMonitors: %w", callErr)
	}

	out := make([]source.Source, 0, len(handles))
	for i, h := range handles {
		mi := monitorInfoEx{CbSize: uint32(unsafe.Sizeof(monitorInfoEx{}))}
		src := source.Source{Kind: source.KindMonitor, Handle: h, Title: fmt.Sprintf("monitor %d", i)}
		if ok, _, _ := procGetMonitorInfoW.Call(h, uintptr(unsafe.Pointer(&mi))); ok != 0 {
			rc := mi.RcMonitor
			src.Bounds = image.Rect(int(rc.Left), int(rc.Top), int(rc.Right), int(rc.Bottom))
			if name := windows.UTF16ToString(mi.SzDevice[:]); name != "" {
				src.Title = name
			}
		}
		out = append(out, src)
	}
	return out, nil
}
