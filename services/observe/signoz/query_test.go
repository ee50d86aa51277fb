package signoz

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/observe"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTranslator() translator {
	return translator{maxLimit: MaxLimit, now: func() time.Time { return fixedNow }}
}

func TestTranslateFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  *observe.Filter
		src     dataSource
		wantOp  string
		want    []filterItem
		wantErr fault.Kind
	}{
		{
			name:   "nil filter",
			filter: nil,
			src:    sourceTraces,
			wantOp: "AND",
			want:   []filterItem{},
		},
		{
			name:   "single leaf maps domain key to column",
			filter: observe.Eq("service", "yolo"),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("serviceName", "string"), Op: "=", Value: "yolo"},
			},
		},
		{
			name:   "log service is a resource attribute",
			filter: observe.Eq("service", "yolo"),
			src:    sourceLogs,
			wantOp: "AND",
			want: []filterItem{
				{Key: attributeKey{Key: "service_name", DataType: "string", Type: "resource", IsColumn: true}, Op: "=", Value: "yolo"},
			},
		},
		{
			name: "nested and is flattened",
			filter: observe.And(
				observe.Eq("service", "yolo"),
				observe.And(observe.Gte("duration_ms", 5), observe.Exists("http.route")),
			),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("serviceName", "string"), Op: "=", Value: "yolo"},
				{Key: column("durationNano", "float64"), Op: ">=", Value: float64(5000000)},
				{Key: attributeKey{Key: "http.route", DataType: "string", Type: "tag"}, Op: "exists"},
			},
		},
		{
			name:   "or root",
			filter: observe.Or(observe.Eq("severity", "ERROR"), observe.Contains("body", "panic")),
			src:    sourceLogs,
			wantOp: "OR",
			want: []filterItem{
				{Key: column("severity_text", "string"), Op: "=", Value: "ERROR"},
				{Key: column("body", "string"), Op: "contains", Value: "panic"},
			},
		},
		{
			name:   "negated leaf inverts operator",
			filter: observe.And(observe.Not(observe.In("service", "a", "b")), observe.Not(observe.Lt("status_code", 500))),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("serviceName", "string"), Op: "nin", Value: []interface{}{"a", "b"}},
				{Key: column("statusCode", "int64"), Op: ">=", Value: 500},
			},
		},
		{
			name:   "status error maps to hasError",
			filter: observe.Eq("status", "error"),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("hasError", "bool"), Op: "=", Value: true},
			},
		},
		{
			name:   "status ok maps to status code 1",
			filter: observe.Eq("status", "ok"),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("statusCode", "int64"), Op: "=", Value: 1},
			},
		},
		{
			name:   "status ne unset uses status code",
			filter: observe.Ne("status", "unset"),
			src:    sourceTraces,
			wantOp: "AND",
			want: []filterItem{
				{Key: column("statusCode", "int64"), Op: "!=", Value: 0},
			},
		},
		{
			name:   "unknown key becomes typed tag",
			filter: observe.Gt("gpu.utilization", 0.5),
			src:    sourceMetrics,
			wantOp: "AND",
			want: []filterItem{
				{Key: attributeKey{Key: "gpu.utilization", DataType: "float64", Type: "tag"}, Op: ">", Value: 0.5},
			},
		},
		{
			name:    "mixed nesting is unsupported",
			filter:  observe.And(observe.Eq("a", 1), observe.Or(observe.Eq("b", 2), observe.Eq("c", 3))),
			src:     sourceTraces,
			wantErr: fault.KindUnsupportedQuery,
		},
		{
			name:    "negated group is unsupported",
			filter:  observe.Not(observe.And(observe.Eq("a", 1), observe.Eq("b", 2))),
			src:     sourceTraces,
			wantErr: fault.KindUnsupportedQuery,
		},
		{
			name:    "status comparison is unsupported",
			filter:  observe.Gt("status", "ok"),
			src:     sourceTraces,
			wantErr: fault.KindUnsupportedQuery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := translateFilter(tt.filter, tt.src)
			if tt.wantErr != "" {
				if fault.KindOf(err) != tt.wantErr {
					t.Fatalf("translateFilter() error = %v, want kind %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("translateFilter() error = %v", err)
			}
			if got.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", got.Op, tt.wantOp)
			}
			gotJSON, _ := json.Marshal(got.Items)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("Items = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestTranslator_Traces(t *testing.T) {
	tr := testTranslator()
	t0 := fixedNow.Add(-10 * time.Minute)

	payload, err := tr.traces(observe.TraceQuery{
		Range:  observe.TimeRange{Start: t0, End: t0.Add(5 * time.Minute)},
		Filter: observe.Eq("service", "yolo"),
		Offset: 20,
	})
	if err != nil {
		t.Fatalf("traces() error = %v", err)
	}

	if payload.Start != t0.UnixNano() {
		t.Errorf("Start = %d, want %d", payload.Start, t0.UnixNano())
	}
	if payload.End != t0.Add(5*time.Minute).UnixNano() {
		t.Errorf("End = %d, want %d", payload.End, t0.Add(5*time.Minute).UnixNano())
	}
	if payload.CompositeQuery.PanelType != "list" {
		t.Errorf("PanelType = %q, want list", payload.CompositeQuery.PanelType)
	}

	q := payload.CompositeQuery.BuilderQueries["A"]
	if q.DataSource != sourceTraces {
		t.Errorf("DataSource = %q, want traces", q.DataSource)
	}
	if q.AggregateOperator != "noop" {
		t.Errorf("AggregateOperator = %q, want noop", q.AggregateOperator)
	}
	if q.Limit != DefaultLimit {
		t.Errorf("Limit = %d, want %d", q.Limit, DefaultLimit)
	}
	if q.Offset != 20 {
		t.Errorf("Offset = %d, want 20", q.Offset)
	}
	if len(q.SelectColumns) != 8 {
		t.Errorf("SelectColumns count = %d, want 8", len(q.SelectColumns))
	}
	if len(q.OrderBy) != 1 || q.OrderBy[0].Order != "desc" {
		t.Errorf("OrderBy = %+v, want timestamp desc", q.OrderBy)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var generic map[string]interface{}
	_ = json.Unmarshal(raw, &generic)
	agg := generic["compositeQuery"].(map[string]interface{})["builderQueries"].(map[string]interface{})["A"].(map[string]interface{})["aggregateAttribute"]
	if m, ok := agg.(map[string]interface{}); !ok || len(m) != 0 {
		t.Errorf("aggregateAttribute = %v, want empty object", agg)
	}
}

func TestTranslator_DefaultRange(t *testing.T) {
	payload, err := testTranslator().logs(observe.LogQuery{})
	if err != nil {
		t.Fatalf("logs() error = %v", err)
	}
	if payload.End != fixedNow.UnixNano() {
		t.Errorf("End = %d, want now", payload.End)
	}
	if payload.End-payload.Start != int64(time.Hour) {
		t.Errorf("range = %v, want 1h", time.Duration(payload.End-payload.Start))
	}
}

func TestTranslator_Metrics(t *testing.T) {
	payload, err := testTranslator().metrics(observe.MetricQuery{
		Aggregation: observe.AggregationSum,
		Step:        30 * time.Second,
		GroupBy:     []string{"service", "operation"},
	})
	if err != nil {
		t.Fatalf("metrics() error = %v", err)
	}

	if payload.Step != 30 {
		t.Errorf("Step = %d, want 30", payload.Step)
	}
	if payload.CompositeQuery.PanelType != "time_series" {
		t.Errorf("PanelType = %q, want time_series", payload.CompositeQuery.PanelType)
	}
	q := payload.CompositeQuery.BuilderQueries["A"]
	if q.AggregateOperator != "sum" {
		t.Errorf("AggregateOperator = %q, want sum", q.AggregateOperator)
	}
	if q.AggregateAttribute.Key != DefaultMetric {
		t.Errorf("AggregateAttribute.Key = %q, want %q", q.AggregateAttribute.Key, DefaultMetric)
	}
	if len(q.GroupBy) != 2 || q.GroupBy[0].Key != "service_name" || q.GroupBy[1].Key != "operation" {
		t.Errorf("GroupBy = %+v, want service_name, operation", q.GroupBy)
	}
}

func TestTranslator_Limits(t *testing.T) {
	tr := testTranslator()

	tests := []struct {
		name     string
		run      func() error
		wantKind fault.Kind
	}{
		{"limit above max", func() error {
			_, err := tr.traces(observe.TraceQuery{Limit: MaxLimit + 1})
			return err
		}, fault.KindUnsupportedQuery},
		{"limit at max", func() error {
			_, err := tr.traces(observe.TraceQuery{Limit: MaxLimit})
			return err
		}, ""},
		{"negative limit", func() error {
			_, err := tr.logs(observe.LogQuery{Limit: -1})
			return err
		}, fault.KindInvalidQuery},
		{"inverted range", func() error {
			_, err := tr.traces(observe.TraceQuery{Range: observe.TimeRange{Start: fixedNow, End: fixedNow}})
			return err
		}, fault.KindInvalidQuery},
		{"sub-second step", func() error {
			_, err := tr.metrics(observe.MetricQuery{Step: time.Millisecond})
			return err
		}, fault.KindUnsupportedQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fault.KindOf(tt.run()); got != tt.wantKind {
				t.Errorf("error kind = %q, want %q", got, tt.wantKind)
			}
		})
	}
}
