// Package wgc captures windows and monitors with Windows.Graphics.Capture on
// a Direct3D 11 device. WinRT objects are driven through their ABI vtables;
// there is no cgo.
package wgc
