//go:build windows

package wgc

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	combase = windows.NewLazySystemDLL("combase.dll")
	d3d11   = windows.NewLazySystemDLL("d3d11.dll")

	procRoGetActivationFactory      = combase.NewProc("RoGetActivationFactory")
	procWindowsCreateString         = combase.NewProc("WindowsCreateString")
	procWindowsDeleteString         = combase.NewProc("WindowsDeleteString")
	procWindowsGetStringRawBuffer   = combase.NewProc("WindowsGetStringRawBuffer")
	procCoIncrementMTAUsage         = combase.NewProc("CoIncrementMTAUsage")
	procD3D11CreateDevice           = d3d11.NewProc("D3D11CreateDevice")
	procCreateDirect3D11FromDXGIDev = d3d11.NewProc("CreateDirect3D11DeviceFromDXGIDevice")
)

// IUnknown / IInspectable vtable layout.
const (
	vtblQueryInterface = 0
	vtblAddRef         = 1
	vtblRelease        = 2
	// First method slot after the three IInspectable methods.
	vtblInspectableBase = 6
)

const (
	sOK           = 0
	eNoInterface  = 0x80004002
	ePointer      = 0x80004003
	roErrorClosed = 0x80000013 // RO_E_CLOSED
)

func mustGUID(s string) windows.GUID {
	g, err := windows.GUIDFromString(s)
	if err != nil {
		panic(err)
	}
	return g
}

var (
	iidIUnknown                     = mustGUID("{00000000-0000-0000-C000-000000000046}")
	iidIAgileObject                 = mustGUID("{94EA2B94-E9CC-49E0-C0FF-EE64CA8F5B90}")
	iidIClosable                    = mustGUID("{30D5A829-7FA4-4026-83BB-D75BAE4EA99E}")
	iidIDXGIDevice                  = mustGUID("{54EC77FA-1377-44E6-8C32-88FD5F44C84C}")
	iidID3D10Multithread            = mustGUID("{9B7E4E00-342C-4106-A19F-4F2704F689F0}")
	iidIDirect3DDevice              = mustGUID("{A37624AB-8D5F-4650-9D3E-9EAE3D9BC670}")
	iidGraphicsCaptureItemInterop   = mustGUID("{3628E81B-3CAC-4C60-B7F4-23CE0E0C3356}")
	iidGraphicsCaptureItem          = mustGUID("{79C3F95B-31F7-4EC2-A464-632EF5D30760}")
	iidGraphicsCaptureSessionStatic = mustGUID("{2224A540-5974-49AA-B232-0882536F4CB5}")
	iidFramePoolStatics2            = mustGUID("{589B103F-6BBC-5DF5-A991-02E28B3B66D5}")
	iidFrameArrivedHandler          = mustGUID("{51A947F7-79CF-5A3E-A3A5-1289CFA6DFE8}")
)

// HResultError is a failed HRESULT.
type HResultError uint32

func (e HResultError) Error() string {
	switch uint32(e) {
	case eNoInterface:
		return "E_NOINTERFACE"
	case ePointer:
		return "E_POINTER"
	case roErrorClosed:
		return "RO_E_CLOSED"
	}
	return fmt.Sprintf("HRESULT 0x%08X", uint32(e))
}

func hresult(r uintptr) error {
	if int32(r) < 0 {
		return HResultError(uint32(r))
	}
	return nil
}

// vtblFn resolves a COM vtable function pointer by index.
func vtblFn(obj uintptr, idx int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(idx)*unsafe.Sizeof(uintptr(0))))
}

// comCall invokes method idx on obj and converts a failing HRESULT to an
// error.
func comCall(obj uintptr, idx int, args ...uintptr) error {
	if obj == 0 {
		return HResultError(ePointer)
	}
	all := make([]uintptr, 0, len(args)+1)
	all = append(all, obj)
	all = append(all, args...)
	r, _, _ := syscall.SyscallN(vtblFn(obj, idx), all...)
	return hresult(r)
}

func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(vtblFn(obj, vtblRelease), obj)
	}
}

func queryInterface(obj uintptr, iid *windows.GUID) (uintptr, error) {
	var out uintptr
	if err := comCall(obj, vtblQueryInterface, uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&out))); err != nil {
		return 0, err
	}
	return out, nil
}

// closeAndRelease calls IClosable::Close and drops the reference.
func closeAndRelease(obj uintptr) error {
	if obj == 0 {
		return nil
	}
	defer comRelease(obj)
	closable, err := queryInterface(obj, &iidIClosable)
	if err != nil {
		return fmt.Errorf("query IClosable: %w", err)
	}
	defer comRelease(closable)
	return comCall(closable, vtblInspectableBase)
}

// hstring is a WinRT HSTRING handle.
type hstring uintptr

func newHString(s string) (hstring, error) {
	u, err := windows.UTF16FromString(s)
	if err != nil {
		return 0, err
	}
	var h hstring
	r, _, _ := procWindowsCreateString.Call(uintptr(unsafe.Pointer(&u[0])), uintptr(len(u)-1), uintptr(unsafe.Pointer(&h)))
	if err := hresult(r); err != nil {
		return 0, fmt.Errorf("WindowsCreateString: %w", err)
	}
	return h, nil
}

func (h hstring) String() string {
	if h == 0 {
		return ""
	}
	var n uint32
	p, _, _ := procWindowsGetStringRawBuffer.Call(uintptr(h), uintptr(unsafe.Pointer(&n)))
	if p == 0 || n == 0 {
		return ""
	}
	return windows.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(p)), n))
}

func (h hstring) delete() {
	if h != 0 {
		procWindowsDeleteString.Call(uintptr(h))
	}
}

func activationFactory(class string, iid *windows.GUID) (uintptr, error) {
	name, err := newHString(class)
	if err != nil {
		return 0, err
	}
	defer name.delete()
	var factory uintptr
	r, _, _ := procRoGetActivationFactory.Call(uintptr(name), uintptr(unsafe.Pointer(iid)), uintptr(unsafe.Pointer(&factory)))
	if err := hresult(r); err != nil {
		return 0, fmt.Errorf("RoGetActivationFactory %s: %w", class, err)
	}
	return factory, nil
}

var (
	mtaOnce sync.Once
	mtaErr  error
)

// ensureMTA keeps the process multithreaded apartment alive so that any
// goroutine, on whatever OS thread, may call into WinRT without its own
// CoInitializeEx.
func ensureMTA() error {
	mtaOnce.Do(func() {
		var cookie uintptr
		r, _, _ := procCoIncrementMTAUsage.Call(uintptr(unsafe.Pointer(&cookie)))
		if err := hresult(r); err != nil {
			mtaErr = fmt.Errorf("CoIncrementMTAUsage: %w", err)
		}
	})
	return mtaErr
}

// sizeInt32 mirrors Windows.Graphics.SizeInt32.
type sizeInt32 struct {
	Width  int32
	Height int32
}

// packSize passes a SizeInt32 by value. The x64 and arm64 calling
// conventions pass an 8-byte struct in a single register.
func packSize(w, h int32) uintptr {
	return uintptr(uint32(w)) | uintptr(uint32(h))<<32
}
