//go:build linux || windows

package synthetic

import (
	"fmt"

	"github.com/vova616/screenshot"

	"github.com/soocke/livecap-go/domain/source"
)

// HostMonitors describes the host's primary screen as a single simulated
// monitor so synthetic captures run at a realistic resolution.
func HostMonitors() ([]source.Source, error) {
	r, err := screenshot.ScreenRect()
	if err != nil {
		return nil, fmt.Errorf("synthetic: read host screen: %w", err)
	}
	if r.Empty() {
		return nil, fmt.Errorf("synthetic: host screen reports empty bounds %v", r)
	}
	return []source.Source{{Kind: source.KindMonitor, Handle: 1, Title: "host", Bounds: r}}, nil
}
