package docstore

import "reflect"

// Filter is a conjunction of exact-match and existence checks against
// dotted paths. It deliberately has no query planner behind it — exact
// match by id or by an indexed field is all spec.md's access pattern
// requires (§1 Non-goals: no query planning beyond exact-match lookup).
type Filter struct {
	Eq     map[string]interface{}
	Exists map[string]bool
}

// NewFilter returns an empty Filter ready for chaining.
func NewFilter() Filter {
	return Filter{Eq: map[string]interface{}{}, Exists: map[string]bool{}}
}

// WithEq requires path to equal value.
func (f Filter) WithEq(path string, value interface{}) Filter {
	f.Eq[path] = value
	return f
}

// WithExists requires path to be present (want=true) or absent (want=false).
func (f Filter) WithExists(path string, want bool) Filter {
	f.Exists[path] = want
	return f
}

func (f Filter) matches(d Doc) bool {
	for path, want := range f.Eq {
		got, ok := getPath(d, path)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	for path, wantExists := range f.Exists {
		_, ok := getPath(d, path)
		if ok != wantExists {
			return false
		}
	}
	return true
}

// valueEqual compares values the way two round trips through JSON would:
// integers compare equal to their float64 counterparts.
func valueEqual(a, b interface{}) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
