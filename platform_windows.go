//go:build windows

package main

import (
	"log/slog"

	"github.com/soocke/livecap-go/app"
	"github.com/soocke/livecap-go/config"
	"github.com/soocke/livecap-go/platform/wgc"
	"github.com/soocke/livecap-go/platform/win32"
)

func newPlatform(_ *config.Config, logger *slog.Logger) (app.Platform, error) {
	backend, err := wgc.NewBackend(logger.With("component", "wgc"))
	if err != nil {
		return app.Platform{}, err
	}
	return app.Platform{
		Name:    "windows.graphics.capture",
		Sources: win32.New(),
		Driver:  wgc.NewDriver(),
		Backend: backend,
		Close:   backend.Close,
	}, nil
}
