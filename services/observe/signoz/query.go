package signoz

import (
	"time"

	"github.com/instantcocoa/dorastudio/pkg/fault"
	"github.com/instantcocoa/dorastudio/services/observe"
)

type dataSource string

const (
	sourceTraces  dataSource = "traces"
	sourceLogs    dataSource = "logs"
	sourceMetrics dataSource = "metrics"
)

// attributeKey identifies a column or attribute in the query builder grammar.
type attributeKey struct {
	Key         string `json:"key,omitempty"`
	DataType    string `json:"dataType,omitempty"`
	Type        string `json:"type,omitempty"`
	IsColumn    bool   `json:"isColumn,omitempty"`
	IsMonotonic bool   `json:"isMonotonic,omitempty"`
}

type filterItem struct {
	Key   attributeKey `json:"key"`
	Op    string       `json:"op"`
	Value interface{}  `json:"value,omitempty"`
}

type filterSet struct {
	Op    string       `json:"op"`
	Items []filterItem `json:"items"`
}

type orderBy struct {
	ColumnName string `json:"columnName"`
	Order      string `json:"order"`
}

type builderQuery struct {
	DataSource         dataSource     `json:"dataSource"`
	QueryName          string         `json:"queryName"`
	Expression         string         `json:"expression"`
	AggregateOperator  string         `json:"aggregateOperator"`
	AggregateAttribute attributeKey   `json:"aggregateAttribute"`
	Filters            filterSet      `json:"filters"`
	Limit              int            `json:"limit,omitempty"`
	Offset             int            `json:"offset,omitempty"`
	StepInterval       int64          `json:"stepInterval,omitempty"`
	OrderBy            []orderBy      `json:"orderBy"`
	SelectColumns      []attributeKey `json:"selectColumns,omitempty"`
	GroupBy            []attributeKey `json:"groupBy,omitempty"`
}

type compositeQuery struct {
	QueryType      string                  `json:"queryType"`
	PanelType      string                  `json:"panelType"`
	BuilderQueries map[string]builderQuery `json:"builderQueries"`
}

// queryRange is the body of POST /api/v3/query_range.
type queryRange struct {
	Start          int64          `json:"start"`
	End            int64          `json:"end"`
	Step           int64          `json:"step,omitempty"`
	CompositeQuery compositeQuery `json:"compositeQuery"`
}

func column(key, dataType string) attributeKey {
	return attributeKey{Key: key, DataType: dataType, Type: "tag", IsColumn: true}
}

var traceColumns = []attributeKey{
	column("serviceName", "string"),
	column("name", "string"),
	column("durationNano", "float64"),
	column("traceID", "string"),
	column("spanID", "string"),
	column("parentSpanID", "string"),
	column("statusCode", "int64"),
	column("hasError", "bool"),
}

var descByTimestamp = []orderBy{{ColumnName: "timestamp", Order: "desc"}}

// operators maps filter ops onto the builder grammar. negated maps each
// native op onto its complement.
var operators = map[observe.Op]string{
	observe.OpEq:          "=",
	observe.OpNe:          "!=",
	observe.OpGt:          ">",
	observe.OpGte:         ">=",
	observe.OpLt:          "<",
	observe.OpLte:         "<=",
	observe.OpContains:    "contains",
	observe.OpNotContains: "ncontains",
	observe.OpIn:          "in",
	observe.OpNotIn:       "nin",
	observe.OpExists:      "exists",
	observe.OpNotExists:   "nexists",
	observe.OpLike:        "like",
	observe.OpRegex:       "regex",
}

var negated = map[string]string{
	"=": "!=", "!=": "=",
	">": "<=", "<=": ">",
	"<": ">=", ">=": "<",
	"contains": "ncontains", "ncontains": "contains",
	"in": "nin", "nin": "in",
	"exists": "nexists", "nexists": "exists",
	"like": "nlike", "regex": "nregex",
}

// translator converts domain queries into query_range payloads.
type translator struct {
	maxLimit int
	now      func() time.Time
}

func (t translator) limit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit > t.maxLimit {
		return 0, fault.UnsupportedQuery("limit %d exceeds backend maximum %d", limit, t.maxLimit)
	}
	return limit, nil
}

func (t translator) bounds(r observe.TimeRange) (int64, int64) {
	r = r.OrLastHour(t.now())
	return r.Start.UnixNano(), r.End.UnixNano()
}

func (t translator) traces(q observe.TraceQuery) (queryRange, error) {
	if err := q.Validate(); err != nil {
		return queryRange{}, err
	}
	limit, err := t.limit(q.Limit)
	if err != nil {
		return queryRange{}, err
	}
	filters, err := translateFilter(q.Filter, sourceTraces)
	if err != nil {
		return queryRange{}, err
	}

	start, end := t.bounds(q.Range)
	return queryRange{
		Start: start,
		End:   end,
		CompositeQuery: compositeQuery{
			QueryType: "builder",
			PanelType: "list",
			BuilderQueries: map[string]builderQuery{
				"A": {
					DataSource:        sourceTraces,
					QueryName:         "A",
					Expression:        "A",
					AggregateOperator: "noop",
					Filters:           filters,
					Limit:             limit,
					Offset:            q.Offset,
					OrderBy:           descByTimestamp,
					SelectColumns:     traceColumns,
				},
			},
		},
	}, nil
}

func (t translator) logs(q observe.LogQuery) (queryRange, error) {
	if err := q.Validate(); err != nil {
		return queryRange{}, err
	}
	limit, err := t.limit(q.Limit)
	if err != nil {
		return queryRange{}, err
	}
	filters, err := translateFilter(q.Filter, sourceLogs)
	if err != nil {
		return queryRange{}, err
	}

	start, end := t.bounds(q.Range)
	return queryRange{
		Start: start,
		End:   end,
		CompositeQuery: compositeQuery{
			QueryType: "builder",
			PanelType: "list",
			BuilderQueries: map[string]builderQuery{
				"A": {
					DataSource:        sourceLogs,
					QueryName:         "A",
					Expression:        "A",
					AggregateOperator: "noop",
					Filters:           filters,
					Limit:             limit,
					Offset:            q.Offset,
					OrderBy:           descByTimestamp,
				},
			},
		},
	}, nil
}

func (t translator) metrics(q observe.MetricQuery) (queryRange, error) {
	if err := q.Validate(); err != nil {
		return queryRange{}, err
	}
	if q.Limit > t.maxLimit {
		return queryRange{}, fault.UnsupportedQuery("limit %d exceeds backend maximum %d", q.Limit, t.maxLimit)
	}
	filters, err := translateFilter(q.Filter, sourceMetrics)
	if err != nil {
		return queryRange{}, err
	}

	metric := q.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	agg := q.Aggregation
	if agg == "" {
		agg = observe.AggregationAvg
	}
	step := q.Step
	if step == 0 {
		step = DefaultStep
	}
	if step < time.Second {
		return queryRange{}, fault.UnsupportedQuery("step %v is below the backend resolution of 1s", step)
	}

	groupBy := make([]attributeKey, 0, len(q.GroupBy))
	for _, g := range q.GroupBy {
		k, _ := mapKey(g, sourceMetrics, "")
		groupBy = append(groupBy, k)
	}

	start, end := t.bounds(q.Range)
	stepSeconds := int64(step / time.Second)
	return queryRange{
		Start: start,
		End:   end,
		Step:  stepSeconds,
		CompositeQuery: compositeQuery{
			QueryType: "builder",
			PanelType: "time_series",
			BuilderQueries: map[string]builderQuery{
				"A": {
					DataSource:        sourceMetrics,
					QueryName:         "A",
					Expression:        "A",
					AggregateOperator: string(agg),
					AggregateAttribute: attributeKey{
						Key:         metric,
						DataType:    "float64",
						Type:        "Sum",
						IsColumn:    true,
						IsMonotonic: true,
					},
					Filters:      filters,
					Limit:        q.Limit,
					StepInterval: stepSeconds,
					OrderBy:      []orderBy{},
					GroupBy:      groupBy,
				},
			},
		},
	}, nil
}

// translateFilter flattens f into one native filter set. The grammar has a
// single boolean level, so nested groups must share the root operator and a
// negation may only wrap a leaf.
func translateFilter(f *observe.Filter, src dataSource) (filterSet, error) {
	set := filterSet{Op: "AND", Items: []filterItem{}}
	if f == nil {
		return set, nil
	}
	if err := f.Validate(); err != nil {
		return set, err
	}

	switch f.Kind {
	case observe.FilterAnd:
	case observe.FilterOr:
		set.Op = "OR"
	default:
		item, err := translateLeaf(f, src)
		if err != nil {
			return set, err
		}
		set.Items = append(set.Items, item)
		return set, nil
	}

	var walk func(n *observe.Filter) error
	walk = func(n *observe.Filter) error {
		for _, c := range n.Children {
			switch c.Kind {
			case observe.FilterLeaf, observe.FilterNot:
				item, err := translateLeaf(c, src)
				if err != nil {
					return err
				}
				set.Items = append(set.Items, item)
			case f.Kind:
				if err := walk(c); err != nil {
					return err
				}
			default:
				return fault.UnsupportedQuery("cannot nest %s inside %s: %s", c.Kind, f.Kind, f)
			}
		}
		return nil
	}
	if err := walk(f); err != nil {
		return set, err
	}
	return set, nil
}

func translateLeaf(f *observe.Filter, src dataSource) (filterItem, error) {
	negate := false
	if f.Kind == observe.FilterNot {
		child := f.Children[0]
		if child.Kind != observe.FilterLeaf {
			return filterItem{}, fault.UnsupportedQuery("negation of a %s group is not supported: %s", child.Kind, f)
		}
		negate = true
		f = child
	}

	op, ok := operators[f.Op]
	if !ok {
		return filterItem{}, fault.UnsupportedQuery("operator %q has no native equivalent", f.Op)
	}

	key, value := mapKey(f.Key, src, f.Value)

	if src == sourceTraces && f.Key == "status" {
		var err error
		key, op, value, err = statusFilter(op, f.Value)
		if err != nil {
			return filterItem{}, err
		}
	}

	if negate {
		inv, ok := negated[op]
		if !ok {
			return filterItem{}, fault.UnsupportedQuery("operator %q cannot be negated", op)
		}
		op = inv
	}

	item := filterItem{Key: key, Op: op}
	if op != "exists" && op != "nexists" {
		item.Value = value
	}
	return item, nil
}

// statusFilter maps a span status onto the column that stores it exactly:
// error is the hasError flag, ok and unset are OTLP status codes 1 and 0.
func statusFilter(op string, v interface{}) (attributeKey, string, interface{}, error) {
	s, _ := v.(string)
	if op != "=" && op != "!=" {
		return attributeKey{}, "", nil, fault.UnsupportedQuery("status only supports eq and ne, got %s", op)
	}
	switch s {
	case "error":
		return column("hasError", "bool"), op, true, nil
	case "ok":
		return column("statusCode", "int64"), op, 1, nil
	case "unset":
		return column("statusCode", "int64"), op, 0, nil
	default:
		return attributeKey{}, "", nil, fault.UnsupportedQuery("unknown span status %q", v)
	}
}

// mapKey resolves a domain key to the backend attribute and converts value
// into the unit that attribute stores.
func mapKey(key string, src dataSource, value interface{}) (attributeKey, interface{}) {
	switch src {
	case sourceTraces:
		switch key {
		case "service", "service.name", "serviceName":
			return column("serviceName", "string"), value
		case "operation", "name":
			return column("name", "string"), value
		case "trace_id":
			return column("traceID", "string"), value
		case "span_id":
			return column("spanID", "string"), value
		case "parent_span_id":
			return column("parentSpanID", "string"), value
		case "duration_ms":
			return column("durationNano", "float64"), scale(value, float64(time.Millisecond))
		case "duration_ns", "durationNano":
			return column("durationNano", "float64"), value
		case "status":
			return column("hasError", "bool"), value
		case "status_code":
			return column("statusCode", "int64"), value
		}
	case sourceLogs:
		switch key {
		case "service", "service.name", "service_name":
			return attributeKey{Key: "service_name", DataType: "string", Type: "resource", IsColumn: true}, value
		case "severity", "severity_text":
			return column("severity_text", "string"), value
		case "body":
			return column("body", "string"), value
		case "trace_id":
			return column("trace_id", "string"), value
		case "span_id":
			return column("span_id", "string"), value
		}
	case sourceMetrics:
		switch key {
		case "service", "service.name", "service_name":
			return attributeKey{Key: "service_name", DataType: "string", Type: "resource"}, value
		}
	}
	return attributeKey{Key: key, DataType: inferType(value), Type: "tag"}, value
}

func scale(v interface{}, factor float64) interface{} {
	if f, ok := number(v); ok {
		return f * factor
	}
	if list := observe.ListValues(v); list != nil {
		out := make([]interface{}, len(list))
		for i, e := range list {
			out[i] = scale(e, factor)
		}
		return out
	}
	return v
}

func inferType(v interface{}) string {
	if list := observe.ListValues(v); len(list) > 0 {
		return inferType(list[0])
	}
	switch v.(type) {
	case bool:
		return "bool"
	case int, int32, int64, uint, uint32, uint64:
		return "int64"
	case float32, float64:
		return "float64"
	default:
		return "string"
	}
}
