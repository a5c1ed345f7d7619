//go:build !windows

package runloop

// NewMessageLoop returns a plain loop; there is no platform message queue to
// pump on this OS.
func NewMessageLoop(name string) (*Loop, error) {
	return New(name), nil
}
