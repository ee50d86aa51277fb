package observe

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// Op is a comparison applied by a filter leaf.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpExists      Op = "exists"
	OpNotExists   Op = "not_exists"
	OpLike        Op = "like"
	OpRegex       Op = "regex"
)

// FilterKind distinguishes leaves from boolean composition nodes.
type FilterKind string

const (
	FilterLeaf FilterKind = "leaf"
	FilterAnd  FilterKind = "and"
	FilterOr   FilterKind = "or"
	FilterNot  FilterKind = "not"
)

// Filter is a predicate tree over attribute keys.
type Filter struct {
	Kind     FilterKind  `json:"kind"`
	Key      string      `json:"key,omitempty"`
	Op       Op          `json:"op,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Children []*Filter   `json:"children,omitempty"`
}

// Leaf builds a comparison on key.
func Leaf(key string, op Op, value interface{}) *Filter {
	return &Filter{Kind: FilterLeaf, Key: key, Op: op, Value: value}
}

// Eq builds key = value.
func Eq(key string, value interface{}) *Filter { return Leaf(key, OpEq, value) }

// Ne builds key != value.
func Ne(key string, value interface{}) *Filter { return Leaf(key, OpNe, value) }

// Gt builds key > value.
func Gt(key string, value interface{}) *Filter { return Leaf(key, OpGt, value) }

// Gte builds key >= value.
func Gte(key string, value interface{}) *Filter { return Leaf(key, OpGte, value) }

// Lt builds key < value.
func Lt(key string, value interface{}) *Filter { return Leaf(key, OpLt, value) }

// Lte builds key <= value.
func Lte(key string, value interface{}) *Filter { return Leaf(key, OpLte, value) }

// Contains builds a substring match.
func Contains(key string, value string) *Filter { return Leaf(key, OpContains, value) }

// In builds a set-membership match.
func In(key string, values ...interface{}) *Filter { return Leaf(key, OpIn, values) }

// Exists matches when key is present.
func Exists(key string) *Filter { return Leaf(key, OpExists, nil) }

// And conjoins children.
func And(children ...*Filter) *Filter { return &Filter{Kind: FilterAnd, Children: children} }

// Or disjoins children.
func Or(children ...*Filter) *Filter { return &Filter{Kind: FilterOr, Children: children} }

// Not negates child.
func Not(child *Filter) *Filter { return &Filter{Kind: FilterNot, Children: []*Filter{child}} }

// Validate checks the tree is well formed.
func (f *Filter) Validate() error {
	switch f.Kind {
	case FilterLeaf:
		if f.Key == "" {
			return fault.InvalidQuery("filter leaf has no key")
		}
		switch f.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpNotContains, OpLike, OpRegex:
			if f.Value == nil {
				return fault.InvalidQuery("filter on %q with %s needs a value", f.Key, f.Op)
			}
		case OpIn, OpNotIn:
			if !isList(f.Value) {
				return fault.InvalidQuery("filter on %q with %s needs a list value", f.Key, f.Op)
			}
		case OpExists, OpNotExists:
		default:
			return fault.UnsupportedQuery("unknown filter operator %q", f.Op)
		}
		return nil
	case FilterAnd, FilterOr:
		if len(f.Children) == 0 {
			return fault.InvalidQuery("%s filter has no children", f.Kind)
		}
	case FilterNot:
		if len(f.Children) != 1 {
			return fault.InvalidQuery("not filter needs exactly one child, got %d", len(f.Children))
		}
	default:
		return fault.UnsupportedQuery("unknown filter kind %q", f.Kind)
	}
	for _, c := range f.Children {
		if c == nil {
			return fault.InvalidQuery("%s filter has a nil child", f.Kind)
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String renders the tree for logs and error messages.
func (f *Filter) String() string {
	if f == nil {
		return "<none>"
	}
	switch f.Kind {
	case FilterLeaf:
		if f.Op == OpExists || f.Op == OpNotExists {
			return fmt.Sprintf("%s %s", f.Key, f.Op)
		}
		return fmt.Sprintf("%s %s %v", f.Key, f.Op, f.Value)
	case FilterNot:
		return "NOT (" + f.Children[0].String() + ")"
	default:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+strings.ToUpper(string(f.Kind))+" ") + ")"
	}
}

// Lookup resolves an attribute key for Match.
type Lookup func(key string) (interface{}, bool)

// Match evaluates the tree against the attributes lookup returns.
func (f *Filter) Match(lookup Lookup) bool {
	if f == nil {
		return true
	}
	switch f.Kind {
	case FilterAnd:
		for _, c := range f.Children {
			if !c.Match(lookup) {
				return false
			}
		}
		return true
	case FilterOr:
		for _, c := range f.Children {
			if c.Match(lookup) {
				return true
			}
		}
		return false
	case FilterNot:
		return !f.Children[0].Match(lookup)
	}

	got, ok := lookup(f.Key)
	switch f.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	}
	if !ok {
		return f.Op == OpNe || f.Op == OpNotIn || f.Op == OpNotContains
	}

	switch f.Op {
	case OpEq:
		return equalScalar(got, f.Value)
	case OpNe:
		return !equalScalar(got, f.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(got)
		b, bok := toFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains, OpLike:
		return strings.Contains(fmt.Sprint(got), fmt.Sprint(f.Value))
	case OpNotContains:
		return !strings.Contains(fmt.Sprint(got), fmt.Sprint(f.Value))
	case OpIn, OpNotIn:
		found := false
		for _, v := range listValues(f.Value) {
			if equalScalar(got, v) {
				found = true
				break
			}
		}
		return found == (f.Op == OpIn)
	case OpRegex:
		re, err := regexp.Compile(fmt.Sprint(f.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(got))
	}
	return false
}

func equalScalar(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listValues(v interface{}) []interface{} {
	if !isList(v) {
		return nil
	}
	rv := reflect.ValueOf(v)
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// ListValues returns the elements of an In/NotIn filter value.
func ListValues(v interface{}) []interface{} {
	return listValues(v)
}
