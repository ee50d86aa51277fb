package observe

import (
	"context"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// Backend is the capability every telemetry adapter provides. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Name identifies the adapter in logs.
	Name() string

	QueryTraces(ctx context.Context, q TraceQuery) ([]Span, error)
	QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error)
	QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricPoint, error)
	ListServices(ctx context.Context) ([]ServiceInfo, error)

	// HealthCheck returns nil when the backend is reachable and healthy.
	HealthCheck(ctx context.Context) error
}

// RequestKind selects the backend operation a Request targets.
type RequestKind string

const (
	KindTraces   RequestKind = "traces"
	KindLogs     RequestKind = "logs"
	KindMetrics  RequestKind = "metrics"
	KindServices RequestKind = "services"
	KindHealth   RequestKind = "health"
)

// Request is the payload the telemetry bridge carries. Exactly the query
// matching Kind is set.
type Request struct {
	Kind    RequestKind  `json:"kind"`
	Traces  *TraceQuery  `json:"traces,omitempty"`
	Logs    *LogQuery    `json:"logs,omitempty"`
	Metrics *MetricQuery `json:"metrics,omitempty"`
}

// TracesRequest wraps a trace query.
func TracesRequest(q TraceQuery) Request { return Request{Kind: KindTraces, Traces: &q} }

// LogsRequest wraps a log query.
func LogsRequest(q LogQuery) Request { return Request{Kind: KindLogs, Logs: &q} }

// MetricsRequest wraps a metric query.
func MetricsRequest(q MetricQuery) Request { return Request{Kind: KindMetrics, Metrics: &q} }

// ServicesRequest lists services.
func ServicesRequest() Request { return Request{Kind: KindServices} }

// HealthRequest probes the backend.
func HealthRequest() Request { return Request{Kind: KindHealth} }

// Result is the value delivered for a Request. The field matching Kind is set.
type Result struct {
	Kind     RequestKind   `json:"kind"`
	Spans    []Span        `json:"spans,omitempty"`
	Logs     []LogRecord   `json:"logs,omitempty"`
	Metrics  []MetricPoint `json:"metrics,omitempty"`
	Services []ServiceInfo `json:"services,omitempty"`
	Healthy  bool          `json:"healthy,omitempty"`
}

// Validate checks that the request carries the query its kind needs.
func (r Request) Validate() error {
	switch r.Kind {
	case KindTraces:
		if r.Traces == nil {
			return fault.InvalidQuery("traces request without query")
		}
		return r.Traces.Validate()
	case KindLogs:
		if r.Logs == nil {
			return fault.InvalidQuery("logs request without query")
		}
		return r.Logs.Validate()
	case KindMetrics:
		if r.Metrics == nil {
			return fault.InvalidQuery("metrics request without query")
		}
		return r.Metrics.Validate()
	case KindServices, KindHealth:
		return nil
	default:
		return fault.InvalidQuery("unknown request kind %q", r.Kind)
	}
}

// Dispatch runs req against b.
func Dispatch(ctx context.Context, b Backend, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{Kind: req.Kind}, err
	}

	res := Result{Kind: req.Kind}
	var err error
	switch req.Kind {
	case KindTraces:
		res.Spans, err = b.QueryTraces(ctx, *req.Traces)
	case KindLogs:
		res.Logs, err = b.QueryLogs(ctx, *req.Logs)
	case KindMetrics:
		res.Metrics, err = b.QueryMetrics(ctx, *req.Metrics)
	case KindServices:
		res.Services, err = b.ListServices(ctx)
	case KindHealth:
		err = b.HealthCheck(ctx)
		res.Healthy = err == nil
	}
	return res, err
}
