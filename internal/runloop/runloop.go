package runloop

import (
	"context"
	"log/slog"
	"time"
)

// Func is one pass of a periodic loop.
type Func func(ctx context.Context) error

// Every runs fn immediately and then once per interval until ctx is done.
// A failing pass is logged and the loop carries on.
func Every(ctx context.Context, name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		interval = time.Second
	}
	slog.Info("loop started", "loop", name, "interval", interval.String())
	defer slog.Info("loop stopped", "loop", name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runOnce(ctx, name, fn)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, name string, fn Func) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop pass panicked", "loop", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("loop pass failed", "loop", name, "error", err)
	}
}
