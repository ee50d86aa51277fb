package signoz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/observe"
)

// envelope is the outer shape of every query service response.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  json.RawMessage `json:"error"`
}

type resultEntry struct {
	QueryName string        `json:"queryName"`
	Series    []seriesEntry `json:"series"`
	List      []listRow     `json:"list"`
}

type queryData struct {
	Result    []resultEntry `json:"result"`
	NewResult *struct {
		Data struct {
			Result []resultEntry `json:"result"`
		} `json:"data"`
	} `json:"newResult"`
}

type listRow struct {
	Timestamp interface{}            `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type seriesEntry struct {
	Labels map[string]string `json:"labels"`
	Values []seriesValue     `json:"values"`
}

type seriesValue struct {
	Timestamp interface{} `json:"timestamp"`
	Value     interface{} `json:"value"`
}

type serviceRow struct {
	ServiceName   *string     `json:"serviceName"`
	NumOperations interface{} `json:"numOperations"`
}

func decode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// openEnvelope decodes the outer envelope and surfaces backend-reported errors.
func openEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := decode(body, &env); err != nil {
		return env, fault.ParseError(err, "decode response envelope")
	}
	if env.Status == "error" {
		return env, fault.BackendError("%s", errorMessage(env.Error))
	}
	return env, nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(raw)
}

// results returns the result entries, preferring the newResult variant.
func results(body []byte) ([]resultEntry, error) {
	env, err := openEnvelope(body)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var data queryData
	if err := decode(env.Data, &data); err != nil {
		return nil, fault.ParseError(err, "decode response data")
	}
	if data.NewResult != nil && len(data.NewResult.Data.Result) > 0 {
		return data.NewResult.Data.Result, nil
	}
	return data.Result, nil
}

// rowReader extracts typed fields from one list row, remembering its index
// for error reporting.
type rowReader struct {
	index int
	row   listRow
}

func (r rowReader) missing(field string) error {
	return fault.MalformedResponse(r.index, "missing required field %q", field)
}

func (r rowReader) raw(field string) (interface{}, bool) {
	v, ok := r.row.Data[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r rowReader) requiredString(field string) (string, error) {
	v, ok := r.raw(field)
	if !ok {
		return "", r.missing(field)
	}
	s := stringify(v)
	if s == "" {
		return "", r.missing(field)
	}
	return s, nil
}

func (r rowReader) optionalString(field string) string {
	v, ok := r.raw(field)
	if !ok {
		return ""
	}
	return stringify(v)
}

func (r rowReader) requiredNumber(field string) (float64, error) {
	v, ok := r.raw(field)
	if !ok {
		return 0, r.missing(field)
	}
	f, ok := number(v)
	if !ok {
		return 0, fault.MalformedResponse(r.index, "field %q is not numeric: %v", field, v)
	}
	return f, nil
}

func (r rowReader) timestamp() (time.Time, error) {
	v := r.row.Timestamp
	if v == nil {
		v, _ = r.raw("timestamp")
	}
	if v == nil {
		return time.Time{}, r.missing("timestamp")
	}
	ts, ok := parseTimestamp(v)
	if !ok {
		return time.Time{}, fault.MalformedResponse(r.index, "unparseable timestamp %v", v)
	}
	return ts, nil
}

var spanColumns = map[string]bool{
	"timestamp": true, "serviceName": true, "name": true, "durationNano": true,
	"traceID": true, "spanID": true, "parentSpanID": true, "statusCode": true, "hasError": true,
}

func parseSpans(body []byte) ([]observe.Span, error) {
	entries, err := results(body)
	if err != nil {
		return nil, err
	}

	spans := make([]observe.Span, 0)
	index := 0
	for _, e := range entries {
		for _, row := range e.List {
			span, err := parseSpan(rowReader{index: index, row: row})
			if err != nil {
				return nil, err
			}
			spans = append(spans, span)
			index++
		}
	}
	return spans, nil
}

func parseSpan(r rowReader) (observe.Span, error) {
	var s observe.Span
	var err error

	if s.TraceID, err = r.requiredString("traceID"); err != nil {
		return s, err
	}
	if s.SpanID, err = r.requiredString("spanID"); err != nil {
		return s, err
	}
	if s.ServiceName, err = r.requiredString("serviceName"); err != nil {
		return s, err
	}
	if s.Name, err = r.requiredString("name"); err != nil {
		return s, err
	}
	if s.StartTime, err = r.timestamp(); err != nil {
		return s, err
	}
	nanos, err := r.requiredNumber("durationNano")
	if err != nil {
		return s, err
	}
	s.Duration = time.Duration(nanos)
	s.ParentSpanID = r.optionalString("parentSpanID")
	s.Status = spanStatus(r)

	if err := s.Validate(); err != nil {
		return s, fault.MalformedResponse(r.index, "%s", err.Error())
	}

	for k, v := range r.row.Data {
		if spanColumns[k] || v == nil {
			continue
		}
		if s.Attributes == nil {
			s.Attributes = make(observe.Attributes)
		}
		s.Attributes[k] = scalar(v)
	}
	return s, nil
}

func spanStatus(r rowReader) observe.SpanStatus {
	if v, ok := r.raw("hasError"); ok {
		if b, ok := boolean(v); ok && b {
			return observe.SpanStatusError
		}
	}
	if v, ok := r.raw("statusCode"); ok {
		if code, ok := number(v); ok {
			switch code {
			case 1:
				return observe.SpanStatusOK
			case 2:
				return observe.SpanStatusError
			}
		}
	}
	return observe.SpanStatusUnset
}

var logColumns = map[string]bool{
	"timestamp": true, "body": true, "severity_text": true, "service_name": true,
	"trace_id": true, "span_id": true, "resources_string": true,
}

func parseLogs(body []byte) ([]observe.LogRecord, error) {
	entries, err := results(body)
	if err != nil {
		return nil, err
	}

	logs := make([]observe.LogRecord, 0)
	index := 0
	for _, e := range entries {
		for _, row := range e.List {
			r := rowReader{index: index, row: row}
			rec := observe.LogRecord{
				Severity: r.optionalString("severity_text"),
				TraceID:  r.optionalString("trace_id"),
				SpanID:   r.optionalString("span_id"),
			}
			if rec.Timestamp, err = r.timestamp(); err != nil {
				return nil, err
			}
			v, ok := r.raw("body")
			if !ok {
				return nil, r.missing("body")
			}
			rec.Body = stringify(v)
			rec.ServiceName = r.optionalString("service_name")
			if rec.ServiceName == "" {
				if res, ok := r.row.Data["resources_string"].(map[string]interface{}); ok {
					rec.ServiceName = stringify(res["service.name"])
				}
			}

			for k, v := range row.Data {
				if logColumns[k] || v == nil {
					continue
				}
				if rec.Attributes == nil {
					rec.Attributes = make(observe.Attributes)
				}
				// attributes_string, attributes_number and friends are flattened.
				if nested, ok := v.(map[string]interface{}); ok && strings.HasPrefix(k, "attributes_") {
					for nk, nv := range nested {
						rec.Attributes[nk] = scalar(nv)
					}
					continue
				}
				rec.Attributes[k] = scalar(v)
			}

			logs = append(logs, rec)
			index++
		}
	}
	return logs, nil
}

func parseMetrics(body []byte, metric string) ([]observe.MetricPoint, error) {
	entries, err := results(body)
	if err != nil {
		return nil, err
	}

	points := make([]observe.MetricPoint, 0)
	index := 0
	for _, e := range entries {
		for _, series := range e.Series {
			name := metric
			if n := series.Labels["__name__"]; n != "" {
				name = n
			}
			labels := make(map[string]string, len(series.Labels))
			for k, v := range series.Labels {
				if k != "__name__" {
					labels[k] = v
				}
			}

			for _, v := range series.Values {
				if v.Timestamp == nil {
					return nil, fault.MalformedResponse(index, "missing required field %q", "timestamp")
				}
				ts, ok := parseTimestamp(v.Timestamp)
				if !ok {
					return nil, fault.MalformedResponse(index, "unparseable timestamp %v", v.Timestamp)
				}
				if v.Value == nil {
					return nil, fault.MalformedResponse(index, "missing required field %q", "value")
				}
				f, ok := number(v.Value)
				if !ok {
					return nil, fault.MalformedResponse(index, "field %q is not numeric: %v", "value", v.Value)
				}
				points = append(points, observe.MetricPoint{
					Metric:    name,
					Timestamp: ts,
					Value:     f,
					Labels:    labels,
				})
				index++
			}
		}
	}
	return points, nil
}

func parseServices(body []byte) ([]observe.ServiceInfo, error) {
	var rows []serviceRow
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decode(body, &rows); err != nil {
			return nil, fault.ParseError(err, "decode services")
		}
	} else {
		env, err := openEnvelope(body)
		if err != nil {
			return nil, err
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := decode(env.Data, &rows); err != nil {
				return nil, fault.ParseError(err, "decode services")
			}
		}
	}

	out := make([]observe.ServiceInfo, 0, len(rows))
	for i, row := range rows {
		if row.ServiceName == nil || *row.ServiceName == "" {
			return nil, fault.MalformedResponse(i, "missing required field %q", "serviceName")
		}
		info := observe.ServiceInfo{Name: *row.ServiceName}
		if row.NumOperations != nil {
			n, ok := number(row.NumOperations)
			if !ok {
				return nil, fault.MalformedResponse(i, "field %q is not numeric: %v", "numOperations", row.NumOperations)
			}
			info.NumOperations = int(n)
		}
		out = append(out, info)
	}
	return out, nil
}

// number normalizes JSON numbers and numeric strings.
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func boolean(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	case json.Number:
		return b.String() != "0", true
	}
	return false, false
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

// scalar converts decoded attribute values into int64, float64, bool or string.
func scalar(v interface{}) interface{} {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case bool, string:
		return n
	default:
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprint(n)
		}
		return string(b)
	}
}

// parseTimestamp accepts RFC3339 strings and epoch numbers in seconds,
// milliseconds, microseconds or nanoseconds, told apart by magnitude.
func parseTimestamp(v interface{}) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	f, ok := number(v)
	if !ok || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, false
	}

	// Integer nanosecond epochs exceed float64 precision, so prefer the
	// exact integer form when it is available.
	var whole int64
	exact := false
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			whole, exact = i, true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			whole, exact = i, true
		}
	}

	switch {
	case f < 1e11:
		return time.Unix(0, int64(f*1e9)).UTC(), true
	case f < 1e14:
		if exact {
			return time.UnixMilli(whole).UTC(), true
		}
		return time.Unix(0, int64(f*1e6)).UTC(), true
	case f < 1e17:
		if exact {
			return time.UnixMicro(whole).UTC(), true
		}
		return time.Unix(0, int64(f*1e3)).UTC(), true
	default:
		if exact {
			return time.Unix(0, whole).UTC(), true
		}
		return time.Unix(0, int64(f)).UTC(), true
	}
}
