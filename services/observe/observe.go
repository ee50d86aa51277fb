// Package observe defines the telemetry domain model and the backend
// capability used to query traces, logs and metrics.
package observe

import (
	"sort"
	"strings"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// SpanStatus represents the status of a span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

func (s SpanStatus) String() string {
	switch s {
	case SpanStatusOK:
		return "ok"
	case SpanStatusError:
		return "error"
	default:
		return "unset"
	}
}

// MarshalText renders the status by name.
func (s SpanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name. Unknown names decode as unset.
func (s *SpanStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "ok":
		*s = SpanStatusOK
	case "error":
		*s = SpanStatusError
	default:
		*s = SpanStatusUnset
	}
	return nil
}

// Attributes maps attribute keys to scalar values (string, float64, int64 or bool).
type Attributes map[string]interface{}

// Span represents a single operation in a distributed trace.
type Span struct {
	TraceID      string        `json:"trace_id"`
	SpanID       string        `json:"span_id"`
	ParentSpanID string        `json:"parent_span_id,omitempty"`
	ServiceName  string        `json:"service_name"`
	Name         string        `json:"name"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	Status       SpanStatus    `json:"status"`
	Attributes   Attributes    `json:"attributes,omitempty"`
}

// Validate rejects negative durations and self-parented spans.
func (s Span) Validate() error {
	if s.Duration < 0 {
		return fault.InvalidQuery("span %s has negative duration %v", s.SpanID, s.Duration)
	}
	if s.ParentSpanID != "" && s.ParentSpanID == s.SpanID {
		return fault.InvalidQuery("span %s is its own parent", s.SpanID)
	}
	return nil
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// LogRecord is one log line.
type LogRecord struct {
	Timestamp   time.Time  `json:"timestamp"`
	Severity    string     `json:"severity"`
	Body        string     `json:"body"`
	ServiceName string     `json:"service_name"`
	TraceID     string     `json:"trace_id,omitempty"`
	SpanID      string     `json:"span_id,omitempty"`
	Attributes  Attributes `json:"attributes,omitempty"`
}

// MetricPoint is one sample of a metric series.
type MetricPoint struct {
	Metric    string            `json:"metric"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricSeries groups points sharing a metric name and label set.
type MetricSeries struct {
	Metric string            `json:"metric"`
	Labels map[string]string `json:"labels,omitempty"`
	Points []MetricPoint     `json:"points"`
}

// ServiceInfo summarizes one instrumented service.
type ServiceInfo struct {
	Name          string `json:"name"`
	NumOperations int    `json:"num_operations"`
}

// GroupSeries regroups points into series by metric name and label set,
// preserving first-seen order.
func GroupSeries(points []MetricPoint) []MetricSeries {
	index := make(map[string]int)
	var out []MetricSeries
	for _, p := range points {
		key := seriesKey(p.Metric, p.Labels)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, MetricSeries{Metric: p.Metric, Labels: p.Labels})
		}
		out[i].Points = append(out[i].Points, p)
	}
	return out
}

func seriesKey(metric string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(metric)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastHour returns the hour ending at now.
func LastHour(now time.Time) TimeRange {
	return TimeRange{Start: now.Add(-time.Hour), End: now}
}

// Since returns the range from now-d to now.
func Since(now time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: now.Add(-d), End: now}
}

// OrLastHour returns r, or the hour ending at now when r is unset.
func (r TimeRange) OrLastHour(now time.Time) TimeRange {
	if r.IsZero() {
		return LastHour(now)
	}
	return r
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Validate requires Start < End.
func (r TimeRange) Validate() error {
	if !r.Start.Before(r.End) {
		return fault.InvalidQuery("time range start %s must be before end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Aggregation selects how metric samples are reduced per step.
type Aggregation string

const (
	AggregationAvg   Aggregation = "avg"
	AggregationSum   Aggregation = "sum"
	AggregationMin   Aggregation = "min"
	AggregationMax   Aggregation = "max"
	AggregationCount Aggregation = "count"
	AggregationRate  Aggregation = "rate"
)

// TraceQuery selects spans.
type TraceQuery struct {
	Range  TimeRange `json:"range"`
	Filter *Filter   `json:"filter,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// LogQuery selects log records.
type LogQuery struct {
	Range  TimeRange `json:"range"`
	Filter *Filter   `json:"filter,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// MetricQuery selects metric points.
type MetricQuery struct {
	Range       TimeRange     `json:"range"`
	Filter      *Filter       `json:"filter,omitempty"`
	Limit       int           `json:"limit,omitempty"`
	Metric      string        `json:"metric,omitempty"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
	Step        time.Duration `json:"step,omitempty"`
	GroupBy     []string      `json:"group_by,omitempty"`
}

// Validate checks the range, filter, limit and offset.
func (q TraceQuery) Validate() error {
	return validateCommon(q.Range, q.Filter, q.Limit, q.Offset)
}

func (q LogQuery) Validate() error {
	return validateCommon(q.Range, q.Filter, q.Limit, q.Offset)
}

// Validate also rejects a negative step and unknown aggregations.
func (q MetricQuery) Validate() error {
	if err := validateCommon(q.Range, q.Filter, q.Limit, 0); err != nil {
		return err
	}
	if q.Step < 0 {
		return fault.InvalidQuery("step must not be negative, got %v", q.Step)
	}
	switch q.Aggregation {
	case "", AggregationAvg, AggregationSum, AggregationMin, AggregationMax, AggregationCount, AggregationRate:
	default:
		return fault.InvalidQuery("unknown aggregation %q", q.Aggregation)
	}
	return nil
}

func validateCommon(r TimeRange, f *Filter, limit, offset int) error {
	if !r.IsZero() {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if limit < 0 {
		return fault.InvalidQuery("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		return fault.InvalidQuery("offset must not be negative, got %d", offset)
	}
	if f != nil {
		return f.Validate()
	}
	return nil
}
