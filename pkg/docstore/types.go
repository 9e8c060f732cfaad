// Package docstore is a minimal stand-in for the document store that the
// records core assumes already exists: point lookups by id or by an
// indexed field, a conditional single-document update, and duplicate-key
// signaling on unique indexes. It never exposes a cross-document
// transaction — every multi-document coordination problem belongs to the
// caller (pkg/recordstore), not to this package.
package docstore

import "errors"

// Common errors returned by Collection operations.
var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrClosed        = errors.New("docstore: store is closed")
	ErrInvalidID     = errors.New("docstore: empty document id")
	ErrNoSuchIndex   = errors.New("docstore: field has no index")
	ErrFilterEmpty   = errors.New("docstore: filter matches no indexed field")
)

// Doc is a fully-decoded JSON document. Nested objects (e.g. "data",
// "meta", "_txn") come back as map[string]interface{} the way
// encoding/json decodes them into `any`.
type Doc map[string]interface{}

// Clone returns a deep-enough copy for safe mutation by the caller.
// Nested maps and slices are copied recursively; other values are shared,
// which is sufficient here since every Doc was itself built by
// unmarshaling JSON.
func (d Doc) Clone() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// DuplicateKeyError is returned by InsertOne or UpdateOne when a unique
// index rejects the document. It carries enough detail for the caller to locate the
// conflicting owner without a second round-trip.
type DuplicateKeyError struct {
	Collection string
	Field      string
	Value      interface{}
	OwnerID    string
}

func (e *DuplicateKeyError) Error() string {
	return "docstore: duplicate value " + formatValue(e.Value) + " for indexed field " +
		e.Field + " in collection " + e.Collection
}
