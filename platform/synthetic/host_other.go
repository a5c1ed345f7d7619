//go:build !linux && !windows

package synthetic

import (
	"errors"

	"github.com/soocke/livecap-go/domain/source"
)

// HostMonitors is unavailable on this platform.
func HostMonitors() ([]source.Source, error) {
	return nil, errors.New("synthetic: host screen bounds not supported on this platform")
}
