package dataflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// Op selects the controller operation a Request targets.
type Op string

const (
	OpList    Op = "list"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpDestroy Op = "destroy"
	OpLogs    Op = "logs"
)

// Request is the payload the dataflow bridge carries.
type Request struct {
	Op   Op        `json:"op"`
	Path string    `json:"path,omitempty"`
	ID   uuid.UUID `json:"id,omitempty"`
	Node string    `json:"node,omitempty"`
}

// Result is the value delivered for a Request.
type Result struct {
	Op      Op        `json:"op"`
	Entries []Entry   `json:"entries,omitempty"`
	ID      uuid.UUID `json:"id,omitempty"`
	Logs    string    `json:"logs,omitempty"`
}

// Execute runs req against c.
func Execute(ctx context.Context, c Controller, req Request) (Result, error) {
	res := Result{Op: req.Op, ID: req.ID}
	var err error
	switch req.Op {
	case OpList:
		res.Entries, err = c.List(ctx)
	case OpStart:
		res.ID, err = c.Start(ctx, req.Path)
	case OpStop:
		err = c.Stop(ctx, req.ID)
	case OpDestroy:
		err = c.Destroy(ctx, req.ID)
	case OpLogs:
		res.Logs, err = c.Logs(ctx, req.ID, req.Node)
	default:
		err = fault.InvalidQuery("unknown dataflow op %q", req.Op)
	}
	return res, err
}

// Service serves dataflow requests arriving over a bridge.
type Service struct {
	controller Controller
	logger     *slog.Logger
}

// NewService creates a service driving c.
func NewService(c Controller, logger *slog.Logger) *Service {
	return &Service{
		controller: c,
		logger:     logger.With("component", "dataflow"),
	}
}

// Controller returns the controller requests are dispatched to.
func (s *Service) Controller() Controller {
	return s.controller
}

// Handle is the bridge handler for dataflow requests.
func (s *Service) Handle(ctx context.Context, req bridge.Request[Request]) (Result, error) {
	start := time.Now()

	res, err := Execute(ctx, s.controller, req.Payload)
	if err != nil {
		s.logger.WarnContext(ctx, "dataflow request failed",
			"correlation_id", req.ID,
			"op", req.Payload.Op,
			"error_kind", fault.KindOf(err),
			"error", err,
		)
		return res, err
	}

	s.logger.InfoContext(ctx, "dataflow request succeeded",
		"correlation_id", req.ID,
		"op", req.Payload.Op,
		"entries", len(res.Entries),
		"elapsed", time.Since(start),
	)
	return res, nil
}

// NewBridge starts a bridge whose worker dispatches to s.
func (s *Service) NewBridge(opts bridge.Options) (*bridge.Bridge[Request, Result], error) {
	return bridge.New(s.Handle, opts)
}
