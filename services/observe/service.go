package observe

import (
	"context"
	"log/slog"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// ObserveService serves telemetry requests arriving over a bridge.
type ObserveService struct {
	backend Backend
	logger  *slog.Logger
}

// NewObserveService creates a service backed by b.
func NewObserveService(b Backend, logger *slog.Logger) *ObserveService {
	return &ObserveService{
		backend: b,
		logger:  logger.With("component", "observe", "backend", b.Name()),
	}
}

// Backend returns the backend requests are dispatched to.
func (s *ObserveService) Backend() Backend {
	return s.backend
}

// Handle is the bridge handler for telemetry requests.
func (s *ObserveService) Handle(ctx context.Context, req bridge.Request[Request]) (Result, error) {
	start := time.Now()

	s.logger.DebugContext(ctx, "dispatching telemetry request",
		"correlation_id", req.ID,
		"slot", req.Slot,
		"kind", req.Payload.Kind,
	)

	res, err := Dispatch(ctx, s.backend, req.Payload)
	if err != nil {
		s.logger.WarnContext(ctx, "telemetry request failed",
			"correlation_id", req.ID,
			"kind", req.Payload.Kind,
			"error_kind", fault.KindOf(err),
			"retryable", fault.Retryable(err),
			"error", err,
		)
		return res, err
	}

	s.logger.InfoContext(ctx, "telemetry request succeeded",
		"correlation_id", req.ID,
		"kind", req.Payload.Kind,
		"rows", res.Rows(),
		"elapsed", time.Since(start),
	)
	return res, nil
}

// NewBridge starts a bridge whose worker dispatches to s.
func (s *ObserveService) NewBridge(opts bridge.Options) (*bridge.Bridge[Request, Result], error) {
	return bridge.New(s.Handle, opts)
}

// Rows returns how many domain values the result carries.
func (r Result) Rows() int {
	switch r.Kind {
	case KindTraces:
		return len(r.Spans)
	case KindLogs:
		return len(r.Logs)
	case KindMetrics:
		return len(r.Metrics)
	case KindServices:
		return len(r.Services)
	default:
		return 0
	}
}
