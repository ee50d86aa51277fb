package observe

import (
	"context"
	"time"

	"github.com/instantcocoa/dorastudio/services/chat"
)

const (
	defaultToolMinutes = 60
	defaultToolLimit   = 20
	maxToolLimit       = 200
)

// toolSpan is the shape a span takes in tool results.
type toolSpan struct {
	TraceID    string  `json:"trace_id"`
	SpanID     string  `json:"span_id"`
	Service    string  `json:"service"`
	Name       string  `json:"name"`
	Start      string  `json:"start"`
	DurationMS float64 `json:"duration_ms"`
	Status     string  `json:"status"`
}

// QueryTracesTool returns a chat tool that searches recent spans in b.
func QueryTracesTool(b Backend) chat.Tool {
	return QueryTracesToolWithClock(b, time.Now)
}

// QueryTracesToolWithClock is QueryTracesTool with an injectable clock.
func QueryTracesToolWithClock(b Backend, now func() time.Time) chat.Tool {
	spec := chat.ToolSpec{
		Name:        "query_traces",
		Description: "Search recent trace spans, optionally by service and status.",
		Parameters: map[string]*chat.Parameter{
			"service": {Type: chat.TypeString, Description: "Only spans of this service"},
			"status":  {Type: chat.TypeString, Description: "Only spans with this status", Enum: []string{"ok", "error"}},
			"minutes": {Type: chat.TypeInteger, Description: "How far back to search, in minutes (default 60)"},
			"limit":   {Type: chat.TypeInteger, Description: "Maximum spans to return (default 20, max 200)"},
		},
	}

	return chat.NewTool(spec, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		minutes, err := chat.IntArg(args, "minutes", defaultToolMinutes)
		if err != nil {
			return nil, err
		}
		limit, err := chat.IntArg(args, "limit", defaultToolLimit)
		if err != nil {
			return nil, err
		}
		if minutes <= 0 {
			minutes = defaultToolMinutes
		}
		switch {
		case limit <= 0:
			limit = defaultToolLimit
		case limit > maxToolLimit:
			limit = maxToolLimit
		}

		var filters []*Filter
		if s, ok := args["service"].(string); ok && s != "" {
			filters = append(filters, Eq("service", s))
		}
		if s, ok := args["status"].(string); ok && s != "" {
			filters = append(filters, Eq("status", s))
		}

		q := TraceQuery{
			Range: Since(now(), time.Duration(minutes)*time.Minute),
			Limit: limit,
		}
		switch len(filters) {
		case 0:
		case 1:
			q.Filter = filters[0]
		default:
			q.Filter = And(filters...)
		}

		spans, err := b.QueryTraces(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]toolSpan, len(spans))
		for i, s := range spans {
			out[i] = toolSpan{
				TraceID:    s.TraceID,
				SpanID:     s.SpanID,
				Service:    s.ServiceName,
				Name:       s.Name,
				Start:      s.StartTime.UTC().Format(time.RFC3339Nano),
				DurationMS: float64(s.Duration) / float64(time.Millisecond),
				Status:     s.Status.String(),
			}
		}
		return out, nil
	})
}
