// Package proxy implements the per-unique-field auxiliary collection of
// spec.md §4.1: a single-document-atomic (uniqueValue) -> (recordId)
// mapping with transaction-aware staging, used by the transaction
// processor to enforce uniqueness across concurrent writers.
package proxy

import (
	"context"
	"fmt"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

// Marker is the transaction descriptor stamped on a proxy row, shape
// {id, op, recordId} per spec.md §3.
type Marker struct {
	ID       string `json:"id"`
	Op       string `json:"op"` // "insert" or "delete"
	RecordID string `json:"recordId"`
}

const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// Row is a decoded proxy document.
type Row struct {
	Value    interface{}
	RecordID string
	Txn      *Marker
}

// Collection is the proxy collection for one unique field.
type Collection struct {
	field     string
	dataField string
	store     *docstore.Collection
}

// New wraps coll as the proxy collection for field. The owning record id
// is always stored under the "recordId" key; dataField is only carried
// into the DataField of the *rserrors.DuplicateError values Insert returns.
func New(coll *docstore.Collection, field, dataField string) *Collection {
	coll.EnsureIndex("recordId")
	coll.EnsureIndex("_txn.id")
	return &Collection{field: field, dataField: dataField, store: coll}
}

func rowID(value interface{}) string {
	return fmt.Sprintf("%v", value)
}

func decodeRow(d docstore.Doc) Row {
	row := Row{
		Value: d["value"],
	}
	if rid, ok := d["recordId"].(string); ok {
		row.RecordID = rid
	}
	if raw, ok := d["_txn"].(map[string]interface{}); ok {
		m := &Marker{}
		if v, ok := raw["id"].(string); ok {
			m.ID = v
		}
		if v, ok := raw["op"].(string); ok {
			m.Op = v
		}
		if v, ok := raw["recordId"].(string); ok {
			m.RecordID = v
		}
		row.Txn = m
	}
	return row
}

// Insert stores {uniqueValue -> recordId} stamped with an in-progress
// insert marker. A *rserrors.DuplicateError is returned if the value is
// already taken; its RecordID names the row that already owns the value,
// resolved from the conflicting row itself so the caller can chase it
// down (spec.md §4.3.4).
func (c *Collection) Insert(ctx context.Context, value interface{}, recordID, txnID string) error {
	doc := docstore.Doc{
		"value":    value,
		"recordId": recordID,
		"_txn": map[string]interface{}{
			"id":       txnID,
			"op":       OpInsert,
			"recordId": recordID,
		},
	}

	err := c.store.InsertOne(ctx, rowID(value), doc)
	if err == nil {
		return nil
	}

	var dup *docstore.DuplicateKeyError
	if !asDuplicateKeyError(err, &dup) {
		return err
	}

	existing, ferr := c.store.FindOne(ctx, docstore.NewFilter().WithEq("id", rowID(value)))
	ownerID := recordID
	if ferr == nil {
		if rid, ok := existing["recordId"].(string); ok {
			ownerID = rid
		}
	}
	return &rserrors.DuplicateError{
		RecordID:    ownerID,
		DataField:   c.dataField,
		UniqueField: c.field,
		UniqueValue: value,
	}
}

func asDuplicateKeyError(err error, out **docstore.DuplicateKeyError) bool {
	de, ok := err.(*docstore.DuplicateKeyError)
	if ok {
		*out = de
	}
	return ok
}

// Get returns the row for recordID or value; at least one must be given.
func (c *Collection) Get(ctx context.Context, recordID string, value interface{}) (Row, error) {
	if value != nil {
		d, err := c.store.FindOne(ctx, docstore.NewFilter().WithEq("id", rowID(value)))
		if err == docstore.ErrNotFound {
			return Row{}, &rserrors.NotFoundError{Field: c.field, Value: value}
		}
		if err != nil {
			return Row{}, err
		}
		return decodeRow(d), nil
	}
	if recordID != "" {
		var found *Row
		err := c.store.Scan(ctx, "recordId", recordID, func(d docstore.Doc) bool {
			r := decodeRow(d)
			found = &r
			return false
		})
		if err != nil {
			return Row{}, err
		}
		if found == nil {
			return Row{}, &rserrors.NotFoundError{Field: "recordId", Value: recordID}
		}
		return *found, nil
	}
	return Row{}, fmt.Errorf("recordstore/proxy: Get requires recordID or value")
}

// PrepareDelete conditionally stamps the row owned by recordID with a
// delete marker, only if no _txn is already present. Returns whether the
// stamp was applied; false+nil means either no row exists for recordID or
// every row it owns already carries a _txn (another writer got there first).
// Rows already carrying a _txn, such as a new value staged by the same
// update, are never picked.
func (c *Collection) PrepareDelete(ctx context.Context, recordID, txnID string) (bool, error) {
	var row *Row
	err := c.store.Scan(ctx, "recordId", recordID, func(d docstore.Doc) bool {
		r := decodeRow(d)
		if r.Txn != nil {
			return true
		}
		row = &r
		return false
	})
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	id := rowID(row.Value)
	newDoc := docstore.Doc{
		"value":    row.Value,
		"recordId": row.RecordID,
		"_txn": map[string]interface{}{
			"id":       txnID,
			"op":       OpDelete,
			"recordId": recordID,
		},
	}
	cond := docstore.NewFilter().WithExists("_txn", false)
	return c.store.UpdateOne(ctx, id, cond, newDoc)
}

// RollbackChange undoes every row stamped with txnID: insert-marked rows
// are deleted, delete-marked rows have their marker cleared. newValue and
// oldValue, when non-nil, narrow the affected row (spec.md §9 Open
// Questions: sharded targeting is permitted, not required). Idempotent —
// rows that no longer match are silently skipped.
func (c *Collection) RollbackChange(ctx context.Context, txnID string, newValue, oldValue interface{}) error {
	return c.forEachMarked(ctx, txnID, newValue, oldValue, func(row Row) error {
		id := rowID(row.Value)
		switch row.Txn.Op {
		case OpInsert:
			_, err := c.store.DeleteOne(ctx, id)
			return err
		case OpDelete:
			cleared := docstore.Doc{"value": row.Value, "recordId": row.RecordID}
			_, err := c.store.UpdateOne(ctx, id, docstore.NewFilter().WithEq("_txn.id", txnID), cleared)
			return err
		}
		return nil
	})
}

// CompleteChange finalizes every row stamped with txnID: insert-marked
// rows lose their marker (now durably visible), delete-marked rows are
// removed. Idempotent, same narrowing rules as RollbackChange.
func (c *Collection) CompleteChange(ctx context.Context, txnID string, newValue, oldValue interface{}) error {
	return c.forEachMarked(ctx, txnID, newValue, oldValue, func(row Row) error {
		id := rowID(row.Value)
		switch row.Txn.Op {
		case OpInsert:
			cleared := docstore.Doc{"value": row.Value, "recordId": row.RecordID}
			_, err := c.store.UpdateOne(ctx, id, docstore.NewFilter().WithEq("_txn.id", txnID), cleared)
			return err
		case OpDelete:
			_, err := c.store.DeleteOne(ctx, id)
			return err
		}
		return nil
	})
}

// ScanPending calls fn for every row still carrying a _txn marker,
// regardless of which transaction stamped it. Used by the recovery sweep
// to find abandoned proxy-side work; stop early by returning false.
func (c *Collection) ScanPending(ctx context.Context, fn func(Row) bool) error {
	return c.store.ScanAll(ctx, func(d docstore.Doc) bool {
		row := decodeRow(d)
		if row.Txn == nil {
			return true
		}
		return fn(row)
	})
}

func (c *Collection) forEachMarked(ctx context.Context, txnID string, newValue, oldValue interface{}, fn func(Row) error) error {
	var rows []Row
	err := c.store.Scan(ctx, "_txn.id", txnID, func(d docstore.Doc) bool {
		rows = append(rows, decodeRow(d))
		return true
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.Txn == nil || row.Txn.ID != txnID {
			continue // stale index entry, row moved on already
		}
		if newValue != nil && rowID(row.Value) != rowID(newValue) && row.Txn.Op == OpInsert {
			continue
		}
		if oldValue != nil && rowID(row.Value) != rowID(oldValue) && row.Txn.Op == OpDelete {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
