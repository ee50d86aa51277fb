package observe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// MemoryBackend is an in-memory Backend used in tests and offline mode.
type MemoryBackend struct {
	mu       sync.RWMutex
	spans    []Span
	logs     []LogRecord
	metrics  []MetricPoint
	services map[string]map[string]struct{} // service -> operations
	health   error
	calls    map[RequestKind]int
	now      func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		services: make(map[string]map[string]struct{}),
		calls:    make(map[RequestKind]int),
		now:      time.Now,
	}
}

func (b *MemoryBackend) Name() string { return "memory" }

// IngestSpans stores spans, rejecting the batch if any span fails Validate.
func (b *MemoryBackend) IngestSpans(ctx context.Context, spans []Span) (int, error) {
	for _, s := range spans {
		if err := s.Validate(); err != nil {
			return 0, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range spans {
		b.spans = append(b.spans, s)
		ops, ok := b.services[s.ServiceName]
		if !ok {
			ops = make(map[string]struct{})
			b.services[s.ServiceName] = ops
		}
		ops[s.Name] = struct{}{}
	}
	return len(spans), nil
}

// AppendLogs stores log records.
func (b *MemoryBackend) AppendLogs(ctx context.Context, logs []LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, logs...)
}

// RecordMetric stores one metric sample.
func (b *MemoryBackend) RecordMetric(ctx context.Context, p MetricPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = append(b.metrics, p)
}

// SetHealth makes HealthCheck return err.
func (b *MemoryBackend) SetHealth(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = err
}

// Calls returns how many times the operation for kind was invoked.
func (b *MemoryBackend) Calls(kind RequestKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.calls[kind]
}

func (b *MemoryBackend) QueryTraces(ctx context.Context, q TraceQuery) ([]Span, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[KindTraces]++
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	r := q.Range.OrLastHour(b.now())
	results := make([]Span, 0)
	for _, s := range b.spans {
		if !r.Contains(s.StartTime) {
			continue
		}
		if !q.Filter.Match(spanLookup(s)) {
			continue
		}
		results = append(results, s)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StartTime.After(results[j].StartTime)
	})
	return paginate(results, q.Offset, q.Limit), nil
}

func (b *MemoryBackend) QueryLogs(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[KindLogs]++
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	r := q.Range.OrLastHour(b.now())
	results := make([]LogRecord, 0)
	for _, l := range b.logs {
		if !r.Contains(l.Timestamp) {
			continue
		}
		if !q.Filter.Match(logLookup(l)) {
			continue
		}
		results = append(results, l)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	return paginate(results, q.Offset, q.Limit), nil
}

func (b *MemoryBackend) QueryMetrics(ctx context.Context, q MetricQuery) ([]MetricPoint, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[KindMetrics]++
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	r := q.Range.OrLastHour(b.now())
	results := make([]MetricPoint, 0)
	for _, p := range b.metrics {
		if q.Metric != "" && p.Metric != q.Metric {
			continue
		}
		if !r.Contains(p.Timestamp) {
			continue
		}
		if !q.Filter.Match(labelLookup(p.Labels)) {
			continue
		}
		results = append(results, p)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return paginate(results, 0, q.Limit), nil
}

func (b *MemoryBackend) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	b.mu.Lock()
	b.calls[KindServices]++
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(b.services))
	for name, ops := range b.services {
		out = append(out, ServiceInfo{Name: name, NumOperations: len(ops)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[KindHealth]++
	if b.health != nil {
		return fault.Unreachable(b.health, "memory backend unhealthy")
	}
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// spanLookup resolves the domain keys "service", "operation", "trace_id",
// "span_id", "duration_ms" and "status", falling back to span attributes.
func spanLookup(s Span) Lookup {
	return func(key string) (interface{}, bool) {
		switch key {
		case "service", "service.name", "serviceName":
			return s.ServiceName, true
		case "operation", "name":
			return s.Name, true
		case "trace_id":
			return s.TraceID, true
		case "span_id":
			return s.SpanID, true
		case "duration_ms":
			return float64(s.Duration) / float64(time.Millisecond), true
		case "status":
			return s.Status.String(), true
		}
		v, ok := s.Attributes[key]
		return v, ok
	}
}

func logLookup(l LogRecord) Lookup {
	return func(key string) (interface{}, bool) {
		switch key {
		case "service", "service.name", "service_name":
			return l.ServiceName, true
		case "severity":
			return l.Severity, true
		case "body":
			return l.Body, true
		case "trace_id":
			return l.TraceID, l.TraceID != ""
		}
		v, ok := l.Attributes[key]
		return v, ok
	}
}

func labelLookup(labels map[string]string) Lookup {
	return func(key string) (interface{}, bool) {
		if key == "service" {
			key = "service_name"
		}
		v, ok := labels[key]
		return v, ok
	}
}
