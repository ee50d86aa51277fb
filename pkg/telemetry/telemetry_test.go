package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/instantcocoa/dorastudio/pkg/config"
)

func TestSetup_TracingDisabled(t *testing.T) {
	cfg := Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		TracingEnabled: false,
		LogLevel:       "info",
		LogFormat:      "json",
		Writer:         io.Discard,
	}

	provider, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer provider.Shutdown(context.Background())

	if provider.Logger() == nil {
		t.Error("Logger() returned nil")
	}
	if provider.TracingEnabled() {
		t.Error("TracingEnabled() = true, want false")
	}
	if provider.Tracer("test") == nil {
		t.Error("Tracer() returned nil")
	}
}

func TestSetup_WritesToWriter(t *testing.T) {
	tests := []struct {
		format string
		check  func(t *testing.T, out string)
	}{
		{"json", func(t *testing.T, out string) {
			var rec map[string]interface{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
				t.Fatalf("output is not JSON: %v (%q)", err, out)
			}
			if rec["msg"] != "bridge started" || rec["service"] != "test-service" {
				t.Errorf("record = %v", rec)
			}
		}},
		{"text", func(t *testing.T, out string) {
			if !strings.Contains(out, "msg=\"bridge started\"") || !strings.Contains(out, "env=test") {
				t.Errorf("output = %q", out)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			provider, err := Setup(context.Background(), Config{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Environment:    "test",
				LogLevel:       "info",
				LogFormat:      tt.format,
				Writer:         &buf,
			})
			if err != nil {
				t.Fatalf("Setup() error = %v", err)
			}
			provider.Logger().Info("bridge started")
			tt.check(t, buf.String())
		})
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	provider, err := Setup(context.Background(), Config{
		LogLevel:  "warn",
		LogFormat: "text",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	provider.Logger().Info("hidden")
	provider.Logger().Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Environment:     "production",
		Version:         "v1.2.3",
		LogLevel:        "debug",
		LogFormat:       "json",
		TracingEnabled:  true,
		TracingSampling: 0.25,
		OTLPEndpoint:    "collector:4317",
	}

	got := FromConfig(cfg)
	if got.ServiceName != ServiceName {
		t.Errorf("ServiceName = %q, want %q", got.ServiceName, ServiceName)
	}
	if got.ServiceVersion != "v1.2.3" || got.Environment != "production" {
		t.Errorf("version/env = %q/%q", got.ServiceVersion, got.Environment)
	}
	if !got.TracingEnabled || got.TracingSampling != 0.25 || got.OTLPEndpoint != "collector:4317" {
		t.Errorf("tracing = %v/%v/%q", got.TracingEnabled, got.TracingSampling, got.OTLPEndpoint)
	}
	if got.Writer != nil {
		t.Error("Writer set, want default")
	}
}

func TestProvider_Shutdown(t *testing.T) {
	t.Run("with tracing disabled", func(t *testing.T) {
		provider, err := Setup(context.Background(), Config{LogLevel: "info", Writer: io.Discard})
		if err != nil {
			t.Fatalf("Setup() error = %v", err)
		}

		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	t.Run("nil tracer provider", func(t *testing.T) {
		provider := &Provider{}

		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() with nil tracerProvider error = %v", err)
		}
	})
}

func TestTraceIDFromContext(t *testing.T) {
	t.Run("empty context", func(t *testing.T) {
		if traceID := TraceIDFromContext(context.Background()); traceID != "" {
			t.Errorf("TraceIDFromContext() = %v, want empty string", traceID)
		}
	})

	t.Run("context with invalid span", func(t *testing.T) {
		ctx := context.Background()
		ctx = trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx))

		if traceID := TraceIDFromContext(ctx); traceID != "" {
			t.Errorf("TraceIDFromContext() = %v, want empty string", traceID)
		}
	})

	t.Run("recording span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("test").Start(context.Background(), "bridge.dispatch")
		defer span.End()

		if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want || len(got) != 32 {
			t.Errorf("TraceIDFromContext() = %v, want %v", got, want)
		}
	})
}
