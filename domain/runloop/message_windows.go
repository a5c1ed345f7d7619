//go:build windows

package runloop

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	wmQuit     = 0x0012
	wmApp      = 0x8000
	wmRunTasks = wmApp + 1
	pmNoRemove = 0x0000
)

var (
	user32                 = windows.NewLazySystemDLL("user32.dll")
	procGetMessageW        = user32.NewProc("GetMessageW")
	procPeekMessageW       = user32.NewProc("PeekMessageW")
	procTranslateMessage   = user32.NewProc("TranslateMessage")
	procDispatchMessageW   = user32.NewProc("DispatchMessageW")
	procPostThreadMessageW = user32.NewProc("PostThreadMessageW")
)

// msg matches the Win32 MSG layout.
type msg struct {
	hwnd    uintptr
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	ptX     int32
	ptY     int32
	private uint32
}

// NewMessageLoop starts a loop whose thread pumps the Win32 message queue and
// runs posted tasks between messages. COM is initialised multithreaded on the
// pump thread for its whole lifetime.
func NewMessageLoop(name string) (*Loop, error) {
	l := newLoop(name)
	ready := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer close(l.done)

		if err := windows.CoInitializeEx(0, windows.COINIT_MULTITHREADED); err != nil {
			ready <- fmt.Errorf("runloop: CoInitializeEx: %w", err)
			return
		}
		defer windows.CoUninitialize()

		// Force creation of the thread's message queue before anyone posts.
		var m msg
		procPeekMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, wmApp, wmApp, pmNoRemove)

		tid := windows.GetCurrentThreadId()
		l.wake = func() { procPostThreadMessageW.Call(uintptr(tid), wmRunTasks, 0, 0) }
		l.halt = func() { procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0) }
		ready <- nil

		for {
			r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(r) <= 0 { // WM_QUIT or failure
				return
			}
			if m.hwnd == 0 && m.message == wmRunTasks {
				l.drain()
				continue
			}
			procTranslateMessage.Call(uintptr(unsafe.Pointer(&m)))
			procDispatchMessageW.Call(uintptr(unsafe.Pointer(&m)))
		}
	}()
	if err := <-ready; err != nil {
		<-l.done
		return nil, err
	}
	return l, nil
}
