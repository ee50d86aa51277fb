package signoz

import (
	"testing"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/observe"
)

func TestParseSpans(t *testing.T) {
	body := []byte(`{
		"status": "success",
		"data": {
			"resultType": "",
			"result": [{
				"queryName": "A",
				"list": [
					{
						"timestamp": "2026-02-02T19:40:37.126981Z",
						"data": {
							"serviceName": "yolo",
							"name": "detect",
							"durationNano": "1500000",
							"traceID": "t1",
							"spanID": "s1",
							"parentSpanID": "",
							"statusCode": 1,
							"hasError": false,
							"gpu": "0",
							"batch_size": 8,
							"unknown_future_field": {"nested": true}
						}
					},
					{
						"timestamp": 1770061237000,
						"data": {
							"serviceName": "camera",
							"name": "capture",
							"durationNano": 250000,
							"traceID": "t1",
							"spanID": "s2",
							"parentSpanID": "s1",
							"hasError": true
						}
					}
				]
			}]
		}
	}`)

	spans, err := parseSpans(body)
	if err != nil {
		t.Fatalf("parseSpans() error = %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("parseSpans() count = %d, want 2", len(spans))
	}

	first := spans[0]
	if first.ServiceName != "yolo" || first.Name != "detect" {
		t.Errorf("first = %s/%s, want yolo/detect", first.ServiceName, first.Name)
	}
	if first.Duration != 1500*time.Microsecond {
		t.Errorf("first.Duration = %v, want 1.5ms", first.Duration)
	}
	if !first.IsRoot() {
		t.Errorf("first.ParentSpanID = %q, want root", first.ParentSpanID)
	}
	if first.Status != observe.SpanStatusOK {
		t.Errorf("first.Status = %v, want ok", first.Status)
	}
	wantStart := time.Date(2026, 2, 2, 19, 40, 37, 126981000, time.UTC)
	if !first.StartTime.Equal(wantStart) {
		t.Errorf("first.StartTime = %v, want %v", first.StartTime, wantStart)
	}
	if first.Attributes["batch_size"] != int64(8) {
		t.Errorf("batch_size = %#v, want int64(8)", first.Attributes["batch_size"])
	}
	if first.Attributes["gpu"] != "0" {
		t.Errorf("gpu = %#v, want \"0\"", first.Attributes["gpu"])
	}

	second := spans[1]
	if second.ParentSpanID != "s1" {
		t.Errorf("second.ParentSpanID = %q, want s1", second.ParentSpanID)
	}
	if second.Status != observe.SpanStatusError {
		t.Errorf("second.Status = %v, want error", second.Status)
	}
	if !second.StartTime.Equal(time.UnixMilli(1770061237000)) {
		t.Errorf("second.StartTime = %v, want epoch millis", second.StartTime)
	}
}

func TestParseSpans_Empty(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty result", `{"status":"success","data":{"result":[]}}`},
		{"empty list", `{"status":"success","data":{"result":[{"queryName":"A","list":[]}]}}`},
		{"null list", `{"status":"success","data":{"result":[{"queryName":"A","list":null}]}}`},
		{"no data", `{"status":"success"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans, err := parseSpans([]byte(tt.body))
			if err != nil {
				t.Fatalf("parseSpans() error = %v", err)
			}
			if spans == nil || len(spans) != 0 {
				t.Errorf("parseSpans() = %#v, want empty non-nil slice", spans)
			}
		})
	}
}

func TestParseSpans_NewResultPreferred(t *testing.T) {
	body := []byte(`{
		"status": "success",
		"data": {
			"result": [],
			"newResult": {"data": {"result": [{"queryName": "A", "list": [
				{"timestamp": 1770061237, "data": {"serviceName": "a", "name": "b", "durationNano": 1, "traceID": "t", "spanID": "s"}}
			]}]}}
		}
	}`)

	spans, err := parseSpans(body)
	if err != nil {
		t.Fatalf("parseSpans() error = %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("parseSpans() count = %d, want 1", len(spans))
	}
	if !spans[0].StartTime.Equal(time.Unix(1770061237, 0)) {
		t.Errorf("StartTime = %v, want epoch seconds", spans[0].StartTime)
	}
}

func TestParseSpans_Malformed(t *testing.T) {
	row := func(extra string) string {
		return `{"timestamp": 1770061237000, "data": {"serviceName": "a", "name": "b", "traceID": "t", ` + extra + `}}`
	}
	good := row(`"spanID": "s0", "durationNano": 10`)

	tests := []struct {
		name    string
		rows    []string
		wantRow int
	}{
		{"missing span id", []string{good, row(`"durationNano": 10`)}, 1},
		{"null span id", []string{row(`"spanID": null, "durationNano": 10`)}, 0},
		{"non numeric duration", []string{good, good, row(`"spanID": "s", "durationNano": "fast"`)}, 2},
		{"negative duration", []string{row(`"spanID": "s", "durationNano": -5`)}, 0},
		{"self parent", []string{good, row(`"spanID": "s", "parentSpanID": "s", "durationNano": 1`)}, 1},
		{"missing timestamp", []string{`{"data": {"serviceName": "a", "name": "b", "traceID": "t", "spanID": "s", "durationNano": 1}}`}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := ""
			for i, r := range tt.rows {
				if i > 0 {
					list += ","
				}
				list += r
			}
			body := `{"status":"success","data":{"result":[{"queryName":"A","list":[` + list + `]}]}}`

			spans, err := parseSpans([]byte(body))
			if fault.KindOf(err) != fault.KindMalformedResponse {
				t.Fatalf("parseSpans() error = %v, want malformed response", err)
			}
			if spans != nil {
				t.Errorf("parseSpans() = %v, want no partial result", spans)
			}
			if got := fault.RowOf(err); got != tt.wantRow {
				t.Errorf("RowOf() = %d, want %d", got, tt.wantRow)
			}
		})
	}
}

func TestParseEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind fault.Kind
	}{
		{"backend error string", `{"status":"error","error":"query timeout"}`, fault.KindBackendError},
		{"backend error object", `{"status":"error","error":{"message":"bad filter"}}`, fault.KindBackendError},
		{"not json", `<html>gateway</html>`, fault.KindParseError},
		{"data wrong shape", `{"status":"success","data":{"result":"nope"}}`, fault.KindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSpans([]byte(tt.body))
			if got := fault.KindOf(err); got != tt.wantKind {
				t.Errorf("parseSpans() error kind = %q, want %q (err = %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestParseLogs(t *testing.T) {
	body := []byte(`{
		"status": "success",
		"data": {"result": [{"queryName": "A", "list": [
			{
				"timestamp": "2026-02-02T19:40:37Z",
				"data": {
					"body": "frame dropped",
					"severity_text": "WARN",
					"trace_id": "t1",
					"resources_string": {"service.name": "camera"},
					"attributes_string": {"node": "camera-0"},
					"attributes_number": {"fps": 29.5}
				}
			},
			{
				"timestamp": 1770061237000000000,
				"data": {"body": "ready", "service_name": "yolo"}
			}
		]}]}
	}`)

	logs, err := parseLogs(body)
	if err != nil {
		t.Fatalf("parseLogs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("parseLogs() count = %d, want 2", len(logs))
	}

	if logs[0].ServiceName != "camera" {
		t.Errorf("logs[0].ServiceName = %q, want camera", logs[0].ServiceName)
	}
	if logs[0].Severity != "WARN" || logs[0].TraceID != "t1" {
		t.Errorf("logs[0] = %+v, want WARN with trace t1", logs[0])
	}
	if logs[0].Attributes["node"] != "camera-0" {
		t.Errorf("node = %#v, want camera-0", logs[0].Attributes["node"])
	}
	if logs[0].Attributes["fps"] != 29.5 {
		t.Errorf("fps = %#v, want 29.5", logs[0].Attributes["fps"])
	}
	if logs[1].ServiceName != "yolo" {
		t.Errorf("logs[1].ServiceName = %q, want yolo", logs[1].ServiceName)
	}
	if !logs[1].Timestamp.Equal(time.Unix(0, 1770061237000000000)) {
		t.Errorf("logs[1].Timestamp = %v, want epoch nanos", logs[1].Timestamp)
	}

	_, err = parseLogs([]byte(`{"status":"success","data":{"result":[{"list":[{"timestamp":1,"data":{"severity_text":"INFO"}}]}]}}`))
	if fault.KindOf(err) != fault.KindMalformedResponse || fault.RowOf(err) != 0 {
		t.Errorf("parseLogs() without body error = %v, want malformed row 0", err)
	}
}

func TestParseMetrics(t *testing.T) {
	body := []byte(`{
		"status": "success",
		"data": {"result": [{
			"queryName": "A",
			"series": [
				{
					"labels": {"service_name": "web"},
					"values": [
						{"timestamp": 1700000000, "value": 42.5},
						{"timestamp": 1700000060, "value": "43.1"}
					]
				},
				{
					"labels": {"service_name": "api", "__name__": "custom_metric"},
					"values": [{"timestamp": 1700000000000, "value": 7}]
				}
			]
		}]}
	}`)

	points, err := parseMetrics(body, DefaultMetric)
	if err != nil {
		t.Fatalf("parseMetrics() error = %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("parseMetrics() count = %d, want 3", len(points))
	}
	if points[1].Value != 43.1 {
		t.Errorf("points[1].Value = %v, want 43.1 from numeric string", points[1].Value)
	}
	if points[0].Metric != DefaultMetric {
		t.Errorf("points[0].Metric = %q, want %q", points[0].Metric, DefaultMetric)
	}
	if points[2].Metric != "custom_metric" {
		t.Errorf("points[2].Metric = %q, want custom_metric", points[2].Metric)
	}
	if _, ok := points[2].Labels["__name__"]; ok {
		t.Error("points[2].Labels still carries __name__")
	}
	if !points[0].Timestamp.Equal(points[2].Timestamp) {
		t.Errorf("seconds and millis timestamps differ: %v vs %v", points[0].Timestamp, points[2].Timestamp)
	}

	series := observe.GroupSeries(points)
	if len(series) != 2 || len(series[0].Points) != 2 {
		t.Errorf("GroupSeries() = %+v, want 2 series with 2 and 1 points", series)
	}

	_, err = parseMetrics([]byte(`{"status":"success","data":{"result":[{"series":[{"labels":{},"values":[{"timestamp":1,"value":"NaN?"}]}]}]}}`), DefaultMetric)
	if fault.KindOf(err) != fault.KindMalformedResponse {
		t.Errorf("parseMetrics() error = %v, want malformed response", err)
	}
}

func TestParseServices(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []observe.ServiceInfo
		wantErr fault.Kind
	}{
		{
			name: "envelope",
			body: `{"status":"success","data":[{"serviceName":"frontend","numOperations":12},{"serviceName":"backend","numOperations":"35"}]}`,
			want: []observe.ServiceInfo{{Name: "frontend", NumOperations: 12}, {Name: "backend", NumOperations: 35}},
		},
		{
			name: "bare array",
			body: `[{"serviceName":"frontend"}]`,
			want: []observe.ServiceInfo{{Name: "frontend"}},
		},
		{
			name: "empty",
			body: `{"status":"success","data":[]}`,
			want: []observe.ServiceInfo{},
		},
		{
			name:    "missing name",
			body:    `{"status":"success","data":[{"serviceName":"a"},{"numOperations":1}]}`,
			wantErr: fault.KindMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServices([]byte(tt.body))
			if fault.KindOf(err) != tt.wantErr {
				t.Fatalf("parseServices() error = %v, want kind %q", err, tt.wantErr)
			}
			if tt.wantErr != "" {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseServices() count = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 2, 2, 19, 40, 37, 0, time.UTC)

	tests := []struct {
		name  string
		value interface{}
	}{
		{"rfc3339", "2026-02-02T19:40:37Z"},
		{"seconds string", "1770061237"},
		{"seconds float", float64(1770061237)},
		{"millis", float64(1770061237000)},
		{"micros string", "1770061237000000"},
		{"nanos string", "1770061237000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTimestamp(tt.value)
			if !ok {
				t.Fatalf("parseTimestamp(%v) failed", tt.value)
			}
			if !got.Equal(want) {
				t.Errorf("parseTimestamp(%v) = %v, want %v", tt.value, got, want)
			}
		})
	}

	for _, bad := range []interface{}{"yesterday", true, float64(-1)} {
		if _, ok := parseTimestamp(bad); ok {
			t.Errorf("parseTimestamp(%v) succeeded, want failure", bad)
		}
	}
}
