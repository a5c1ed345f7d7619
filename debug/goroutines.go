package debug

// Debug goroutine metrics logger. Runs only when config.Debug is true.
// Emits goroutine count (runtime metrics) and stack usage at a fixed interval,
// which is enough to spot callback goroutines piling up behind a stalled
// consumer.

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/metrics"
	"time"
)

// RunGoroutineLogger logs goroutine count and stack memory every interval
// until ctx is done.
func RunGoroutineLogger(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	samples := []metrics.Sample{{Name: "/sched/goroutines:goroutines"}}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		metrics.Read(samples)
		goroutines := samples[0].Value.Uint64()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		logger.Info("goroutine-stacks",
			slog.Uint64("goroutines", goroutines),
			slog.Uint64("stack_inuse", uint64(ms.StackInuse)),
			slog.Uint64("stack_sys", uint64(ms.StackSys)),
			slog.Uint64("heap_alloc", uint64(ms.HeapAlloc)),
		)
	}
}
