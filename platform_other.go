//go:build !windows

package main

import (
	"log/slog"

	"github.com/soocke/livecap-go/app"
	"github.com/soocke/livecap-go/config"
	"github.com/soocke/livecap-go/platform/synthetic"
)

// newPlatform runs against the simulated desktop where there is no
// Windows.Graphics.Capture.
func newPlatform(cfg *config.Config, logger *slog.Logger) (app.Platform, error) {
	c := synthetic.NewDesktop(logger.With("component", "synthetic"))
	c.SetFPS(cfg.SyntheticFPS)
	return app.Platform{Name: "synthetic", Sources: c, Driver: c, Backend: c}, nil
}
