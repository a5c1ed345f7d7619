// Package source enumerates capturable windows and monitors and picks one
// according to a fixed exclusion policy.
package source

import (
	"fmt"
	"image"
)

// Kind distinguishes window sources from monitor sources.
type Kind int

const (
	KindWindow Kind = iota
	KindMonitor
)

func (k Kind) String() string {
	switch k {
	case KindWindow:
		return "window"
	case KindMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source identifies a window or monitor that can be bound to a capture
// session. It is a value; the platform object it names is owned elsewhere.
type Source struct {
	Kind   Kind
	Handle uintptr // HWND or HMONITOR
	Title  string  // window title or monitor label
	Bounds image.Rectangle
}

func (s Source) String() string {
	return fmt.Sprintf("%s %#x %q", s.Kind, s.Handle, s.Title)
}

// Inspector answers the per-window questions the exclusion rules ask.
type Inspector interface {
	ShellWindow() uintptr
	IsVisible(h uintptr) bool
	RootAncestor(h uintptr) uintptr
	Style(h uintptr) uint32
	// CloakReason returns the compositor cloak bits; ok is false when the
	// attribute could not be read.
	CloakReason(h uintptr) (reason uint32, ok bool)
	Title(h uintptr) string
}

// Platform is the enumeration collaborator. Both listings are snapshots taken
// at call time.
type Platform interface {
	Inspector
	// WindowHandles lists top-level windows in platform enumeration order.
	WindowHandles() ([]uintptr, error)
	Monitors() ([]Source, error)
}

// Win32 values the default rules test against.
const (
	StyleDisabled uint32 = 0x08000000 // WS_DISABLED
	CloakedShell  uint32 = 0x00000002 // DWM_CLOAKED_SHELL
)
