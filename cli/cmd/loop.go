package cmd

import (
	"context"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/services/studio"
)

// frameInterval returns the frame loop tick.
func frameInterval() time.Duration {
	if cfg == nil || cfg.FrameInterval <= 0 {
		return 16 * time.Millisecond
	}
	return cfg.FrameInterval
}

// runFrames drives the studio frame loop until done reports true or ctx ends.
// A bridge whose worker panicked is replaced between frames.
func runFrames(ctx context.Context, s *studio.Studio, done func() bool) error {
	ticker := time.NewTicker(frameInterval())
	defer ticker.Stop()

	for {
		s.Frame(time.Now())
		s.Recover(ctx)
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// roundTrip submits one request and runs frames until its response has been
// applied.
func roundTrip[R any](ctx context.Context, s *studio.Studio, submit func(apply func(bridge.Response[R])) (bridge.CorrelationID, error)) (R, error) {
	var (
		zero R
		got  *bridge.Response[R]
	)
	if _, err := submit(func(r bridge.Response[R]) { got = &r }); err != nil {
		return zero, err
	}
	if err := runFrames(ctx, s, func() bool { return got != nil }); err != nil {
		return zero, err
	}
	return got.Value, got.Err
}
