//go:build windows

package wgc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/soocke/livecap-go/domain/device"
)

const (
	d3dDriverTypeHardware = 1
	d3d11SDKVersion       = 7

	d3d11CreateDeviceSingleThreaded = 0x1
	d3d11CreateDeviceBGRASupport    = 0x20

	d3d10MultithreadSetProtected = 5 // ID3D10Multithread::SetMultithreadProtected
)

// Driver creates hardware D3D11 devices.
type Driver struct{}

// NewDriver returns the D3D11 hardware driver.
func NewDriver() *Driver { return &Driver{} }

// CreateHardware calls D3D11CreateDevice on the default hardware adapter with
// BGRA support, offering every level at or above the floor. Thread-affine
// devices are created single-threaded; the rest get multithread protection
// so capture callbacks may recreate pools on them.
func (Driver) CreateHardware(opts device.Options) (device.Native, error) {
	levels := device.LevelsFrom(opts.MinFeatureLevel)
	if len(levels) == 0 {
		return nil, fmt.Errorf("wgc: no feature level at or above %s", opts.MinFeatureLevel)
	}
	raw := make([]uint32, len(levels))
	for i, l := range levels {
		raw[i] = uint32(l)
	}
	flags := uintptr(d3d11CreateDeviceBGRASupport)
	if opts.Affinity == device.ThreadAffine {
		flags |= d3d11CreateDeviceSingleThreaded
	}

	var dev, ctx uintptr
	var granted uint32
	r, _, _ := procD3D11CreateDevice.Call(
		0,                              // pAdapter (NULL = default)
		uintptr(d3dDriverTypeHardware), // DriverType
		0,                              // Software
		flags,                          // Flags
		uintptr(unsafe.Pointer(&raw[0])),
		uintptr(len(raw)),
		uintptr(d3d11SDKVersion),
		uintptr(unsafe.Pointer(&dev)),
		uintptr(unsafe.Pointer(&granted)),
		uintptr(unsafe.Pointer(&ctx)),
	)
	if err := hresult(r); err != nil {
		return nil, fmt.Errorf("D3D11CreateDevice: %w", err)
	}

	if opts.Affinity == device.MultiThreaded {
		mt, err := queryInterface(dev, &iidID3D10Multithread)
		if err != nil {
			comRelease(ctx)
			comRelease(dev)
			return nil, fmt.Errorf("query ID3D10Multithread: %w", err)
		}
		// SetMultithreadProtected returns the previous state, not an HRESULT.
		_ = comCall(mt, d3d10MultithreadSetProtected, 1)
		comRelease(mt)
	}
	return &native{dev: dev, ctx: ctx, level: device.FeatureLevel(granted)}, nil
}

type native struct {
	mu    sync.Mutex
	dev   uintptr // ID3D11Device
	ctx   uintptr // ID3D11DeviceContext
	level device.FeatureLevel
}

func (n *native) FeatureLevel() device.FeatureLevel { return n.level }

// Interop wraps the device as a WinRT IDirect3DDevice.
func (n *native) Interop() (device.Interop, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dev == 0 {
		return nil, HResultError(roErrorClosed)
	}
	dxgi, err := queryInterface(n.dev, &iidIDXGIDevice)
	if err != nil {
		return nil, fmt.Errorf("query IDXGIDevice: %w", err)
	}
	defer comRelease(dxgi)

	var insp uintptr
	r, _, _ := procCreateDirect3D11FromDXGIDev.Call(dxgi, uintptr(unsafe.Pointer(&insp)))
	if err := hresult(r); err != nil {
		return nil, fmt.Errorf("CreateDirect3D11DeviceFromDXGIDevice: %w", err)
	}
	defer comRelease(insp)

	d3d, err := queryInterface(insp, &iidIDirect3DDevice)
	if err != nil {
		return nil, fmt.Errorf("query IDirect3DDevice: %w", err)
	}
	return &Interop{ptr: d3d}, nil
}

func (n *native) Release() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	comRelease(n.ctx)
	comRelease(n.dev)
	n.ctx, n.dev = 0, 0
	return nil
}

// Interop is an IDirect3DDevice reference.
type Interop struct {
	mu  sync.Mutex
	ptr uintptr
}

func (i *Interop) pointer() uintptr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ptr
}

// Release closes the WinRT device and drops the reference.
func (i *Interop) Release() error {
	i.mu.Lock()
	p := i.ptr
	i.ptr = 0
	i.mu.Unlock()
	return closeAndRelease(p)
}
