package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/soocke/livecap-go/app"
	"github.com/soocke/livecap-go/config"
	"github.com/soocke/livecap-go/domain/fault"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "livecap.json", "path to the JSON config file")
	target := flag.String("target", "", "capture target: window or monitor")
	window := flag.String("window", "", "window title prefix to capture")
	monitor := flag.Int("monitor", -1, "monitor index to capture")
	duration := flag.Int("duration", -1, "seconds to capture; 0 runs until interrupted")
	dedicated := flag.Bool("dedicated-thread", false, "run the session on a dedicated message-pump thread")
	affine := flag.Bool("thread-affine", false, "create a thread-affine device owned by one thread")
	relay := flag.String("relay", "", "frame relay: slot (latest frame only) or chan (bounded queue)")
	debugFlag := flag.Bool("debug", false, "enable debug logging and runtime loggers")
	flag.Parse()

	// Base config from file, falling back to defaults
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v (using defaults)\n", *cfgPath, err)
	}
	// Flags override file values
	if *target != "" {
		cfg.Target = *target
	}
	if *window != "" {
		cfg.WindowPrefix = *window
	}
	if *monitor >= 0 {
		cfg.MonitorIndex = *monitor
		if *target == "" {
			cfg.Target = config.TargetMonitor
		}
	}
	if *duration >= 0 {
		cfg.DurationSeconds = *duration
	}
	if *relay != "" {
		cfg.Relay = *relay
	}
	cfg.DedicatedThread = cfg.DedicatedThread || *dedicated
	cfg.ThreadAffineDevice = cfg.ThreadAffineDevice || *affine
	cfg.Debug = cfg.Debug || *debugFlag
	_ = cfg.Validate()

	logger := NewLogger(cfg.Level())

	platform, err := newPlatform(cfg, logger)
	if err != nil {
		logger.Error("platform unavailable", slog.String("err", err.Error()))
		return 1
	}
	defer func() {
		if platform.Close != nil {
			if err := platform.Close(); err != nil {
				logger.Warn("platform close", slog.String("err", err.Error()))
			}
		}
	}()
	logger.Info("starting",
		slog.String("platform", platform.Name),
		slog.String("target", cfg.Target),
		slog.Bool("dedicated_thread", cfg.DedicatedThread),
		slog.Bool("thread_affine", cfg.ThreadAffineDevice),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(app.BuildContainer(cfg, logger, platform))
	if _, err := a.Run(ctx); err != nil {
		logger.Error("capture failed",
			slog.String("err", err.Error()),
			slog.String("code", fault.CodeOf(err).String()),
		)
		if errors.Is(err, app.ErrNoSource) {
			return 2
		}
		return 1
	}
	return 0
}
