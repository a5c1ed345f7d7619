package synthetic

import (
	"image"
	"log/slog"

	"github.com/soocke/livecap-go/domain/source"
)

// NewDesktop returns a compositor populated with a typical desktop: the shell
// window, a few windows each tripping one exclusion rule, two capturable
// windows and the host's monitors. Monitor bounds fall back to 1920x1080 when
// the host screen cannot be read.
func NewDesktop(logger *slog.Logger) *Compositor {
	c := New(logger)
	c.SetShell(0x10)
	for _, w := range []Window{
		{Handle: 0x10, Title: "Program Manager", Bounds: image.Rect(0, 0, 1920, 1080)},
		{Handle: 0x20, Title: "Hidden Tool", Bounds: image.Rect(0, 0, 300, 200), Hidden: true},
		{Handle: 0x30, Title: "Properties", Bounds: image.Rect(0, 0, 400, 300), Parent: 0x50},
		{Handle: 0x40, Title: "Busy Dialog", Bounds: image.Rect(0, 0, 400, 150), Disabled: true},
		{Handle: 0x50, Title: "Notepad", Bounds: image.Rect(100, 100, 1124, 868)},
		{Handle: 0x60, Title: "Settings", Bounds: image.Rect(0, 0, 800, 600), Cloak: source.CloakedShell},
		{Handle: 0x70, Bounds: image.Rect(0, 0, 10, 10)},
		{Handle: 0x80, Title: "Terminal", Bounds: image.Rect(0, 0, 1280, 720)},
	} {
		c.AddWindow(w)
	}

	mons, err := HostMonitors()
	if err != nil {
		c.logger.Debug("host monitors unavailable, using default", "error", err)
		mons = []source.Source{{Handle: 1, Title: "primary", Bounds: image.Rect(0, 0, 1920, 1080)}}
	}
	for _, m := range mons {
		c.AddMonitor(m)
	}
	c.AddMonitor(source.Source{Handle: 2, Title: "secondary", Bounds: image.Rect(1920, 0, 3200, 1024)})
	return c
}
