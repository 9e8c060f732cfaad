// Package rserrors holds the error taxonomy shared by every layer of the
// records core (proxy, recordcoll, txn, and the public Collection API) so
// that none of them needs to import another's package just to construct
// an error value.
//
// Taxonomy (spec.md §7):
//   - Contract errors: plain fmt.Errorf, raised synchronously, never retried.
//   - NotFoundError, DuplicateError, InvalidStateError: surfaced to callers.
//   - AbortError: internal retry signal, caught by the outer retry loop in
//     pkg/recordstore/txn and never returned across the public boundary.
package rserrors

import "fmt"

// NotFoundError means the requested record or proxy row does not exist at
// the point of observation.
type NotFoundError struct {
	Collection string
	ID         string
	Field      string
	Value      interface{}
}

func (e *NotFoundError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("recordstore: no record in %q with %s=%v", e.Collection, e.Field, e.Value)
	}
	return fmt.Sprintf("recordstore: no record %q in %q", e.ID, e.Collection)
}

// DuplicateError is a unique-constraint violation that persists after any
// pending transaction on the conflicting record has been resolved.
// Details always carry {recordId, dataField value, uniqueField,
// uniqueValue} per spec.md §6.
type DuplicateError struct {
	RecordID    string
	DataField   string
	UniqueField string
	UniqueValue interface{}
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("recordstore: duplicate %s=%v (record %s already uses it)",
		e.UniqueField, e.UniqueValue, e.RecordID)
}

// InvalidStateError is raised when a conditional update's expected
// sequence does not match the stored sequence.
type InvalidStateError struct {
	RecordID string
	Actual   interface{}
	Expected interface{}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("recordstore: sequence mismatch on %s: expected %v, actual %v",
		e.RecordID, e.Expected, e.Actual)
}

// AbortError is the internal retry signal of spec.md §4.3/§7. It is never
// returned across the pkg/recordstore public boundary — the outer retry
// loop in pkg/recordstore/txn catches it and retries the whole attempt.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "recordstore: internal abort (" + e.Reason + "), retry expected"
}

// RetriesExhaustedError wraps the last AbortError cause when the bounded
// retry loop (spec.md §9 Open Questions) gives up.
type RetriesExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("recordstore: gave up after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }
