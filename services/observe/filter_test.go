package observe

import (
	"testing"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

func lookupFrom(attrs map[string]interface{}) Lookup {
	return func(key string) (interface{}, bool) {
		v, ok := attrs[key]
		return v, ok
	}
}

func TestFilter_Match(t *testing.T) {
	attrs := lookupFrom(map[string]interface{}{
		"service":     "camera",
		"status_code": int64(503),
		"latency":     "12.5",
		"route":       "/api/v1/frames",
	})

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil matches all", nil, true},
		{"eq", Eq("service", "camera"), true},
		{"eq mismatch", Eq("service", "lidar"), false},
		{"ne", Ne("service", "lidar"), true},
		{"ne on missing key", Ne("missing", "x"), true},
		{"eq on missing key", Eq("missing", "x"), false},
		{"numeric eq across types", Eq("status_code", 503), true},
		{"gt", Gt("status_code", 500), true},
		{"lt string number", Lt("latency", 20), true},
		{"lte boundary", Lte("status_code", 503), true},
		{"gt non numeric", Gt("service", 1), false},
		{"contains", Contains("route", "frames"), true},
		{"not contains", Leaf("route", OpNotContains, "frames"), false},
		{"in", In("service", "lidar", "camera"), true},
		{"not in", Leaf("service", OpNotIn, []string{"lidar"}), true},
		{"exists", Exists("route"), true},
		{"not exists", Leaf("route", OpNotExists, nil), false},
		{"regex", Leaf("route", OpRegex, `^/api/v\d+/`), true},
		{"and", And(Eq("service", "camera"), Gte("status_code", 500)), true},
		{"and short circuits", And(Eq("service", "lidar"), Gte("status_code", 500)), false},
		{"or", Or(Eq("service", "lidar"), Eq("route", "/api/v1/frames")), true},
		{"not", Not(Eq("service", "camera")), false},
		{"nested", And(Or(Eq("service", "lidar"), Eq("service", "camera")), Not(Lt("status_code", 500))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(attrs); got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name     string
		filter   *Filter
		wantKind fault.Kind
	}{
		{"valid leaf", Eq("service", "camera"), ""},
		{"valid exists", Exists("service"), ""},
		{"missing key", Eq("", "camera"), fault.KindInvalidQuery},
		{"missing value", Leaf("service", OpEq, nil), fault.KindInvalidQuery},
		{"in needs list", Leaf("service", OpIn, "camera"), fault.KindInvalidQuery},
		{"unknown op", Leaf("service", Op("between"), 1), fault.KindUnsupportedQuery},
		{"unknown kind", &Filter{Kind: "xor"}, fault.KindUnsupportedQuery},
		{"empty and", And(), fault.KindInvalidQuery},
		{"not with two children", &Filter{Kind: FilterNot, Children: []*Filter{Exists("a"), Exists("b")}}, fault.KindInvalidQuery},
		{"nil child", And(Eq("a", 1), nil), fault.KindInvalidQuery},
		{"invalid nested leaf", Or(Eq("a", 1), Leaf("b", Op("bogus"), 1)), fault.KindUnsupportedQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if got := fault.KindOf(err); got != tt.wantKind {
				t.Errorf("Validate() kind = %q, want %q (err = %v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestFilter_String(t *testing.T) {
	f := And(Eq("service", "camera"), Not(Exists("error")))
	want := "(service eq camera AND NOT (error exists))"
	if got := f.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	var none *Filter
	if got := none.String(); got != "<none>" {
		t.Errorf("nil String() = %q, want %q", got, "<none>")
	}
}
