package docstore

import (
	"fmt"
	"strconv"
	"strings"
)

// getPath reads a dotted path ("data.id", "_txn.committed") out of a Doc.
// Missing intermediate objects return (nil, false), matching Mongo's
// dotted-path projection semantics closely enough for exact-match filters.
func getPath(d Doc, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(d)
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
