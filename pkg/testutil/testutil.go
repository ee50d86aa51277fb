// Package testutil provides testing utilities for studio packages.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(100),
	}))
}

// WaitFor polls condition until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for condition: %s", msg)
}

// Within fails the test if fn does not return before timeout.
func Within(t *testing.T, timeout time.Duration, fn func(), msg string) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("did not finish within %v: %s", timeout, msg)
	}
}

// UniqueName returns a name unique to the running test, suitable for
// process-wide registries.
func UniqueName(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s/%s/%d", prefix, t.Name(), time.Now().UnixNano())
}
