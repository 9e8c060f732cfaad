// Package recordcoll implements the low-level document operations on the
// primary collection (spec.md §4.2): insert, point lookup, a conditional
// update keyed on (id, sequence, expectedTxn), and unconditional delete.
// It understands the document layout (data, meta, _pending, _txn) but has
// no policy for coordinating proxy collections — that's txn's job.
package recordcoll

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

// FieldChange records one unique field's before/after value across a
// transaction, kept on the _txn marker itself so a recovery sweep can
// finish or roll back the matching proxy rows without needing any state
// beyond the record it is looking at.
type FieldChange struct {
	Field    string
	OldValue interface{}
	NewValue interface{}
}

// TxnRef is the transaction descriptor shape carried in a record's _txn
// field: {id, type, recordId, committed?, rollback?, changes?}.
type TxnRef struct {
	ID        string
	Type      string
	RecordID  string
	Committed bool
	Rollback  bool
	Changes   []FieldChange
}

func (t *TxnRef) toDoc() map[string]interface{} {
	if t == nil {
		return nil
	}
	m := map[string]interface{}{"id": t.ID, "recordId": t.RecordID}
	if t.Type != "" {
		m["type"] = t.Type
	}
	if t.Committed {
		m["committed"] = true
	}
	if t.Rollback {
		m["rollback"] = true
	}
	if len(t.Changes) > 0 {
		changes := make([]interface{}, len(t.Changes))
		for i, c := range t.Changes {
			changes[i] = map[string]interface{}{
				"field":    c.Field,
				"oldValue": c.OldValue,
				"newValue": c.NewValue,
			}
		}
		m["changes"] = changes
	}
	return m
}

func txnFromDoc(d docstore.Doc) *TxnRef {
	raw, ok := d["_txn"].(map[string]interface{})
	if !ok {
		return nil
	}
	t := &TxnRef{}
	if v, ok := raw["id"].(string); ok {
		t.ID = v
	}
	if v, ok := raw["type"].(string); ok {
		t.Type = v
	}
	if v, ok := raw["recordId"].(string); ok {
		t.RecordID = v
	}
	if v, ok := raw["committed"].(bool); ok {
		t.Committed = v
	}
	if v, ok := raw["rollback"].(bool); ok {
		t.Rollback = v
	}
	if raw2, ok := raw["changes"].([]interface{}); ok {
		for _, item := range raw2 {
			cm, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			fc := FieldChange{}
			if v, ok := cm["field"].(string); ok {
				fc.Field = v
			}
			fc.OldValue = cm["oldValue"]
			fc.NewValue = cm["newValue"]
			t.Changes = append(t.Changes, fc)
		}
	}
	return t
}

// Record is a decoded primary document.
type Record struct {
	Data    map[string]interface{}
	Meta    map[string]interface{}
	Pending bool
	Txn     *TxnRef
}

// Collection is the record collection helper for one primary collection.
type Collection struct {
	store          *docstore.Collection
	sequenceInData bool
}

// New wraps coll as the record collection helper. uniqueFields are
// registered as non-unique secondary indexes on the primary collection so
// Get can resolve a unique field value directly as a convenience path;
// the proxy collections remain the source of truth for uniqueness.
func New(coll *docstore.Collection, sequenceInData bool, uniqueFields []string) *Collection {
	coll.EnsureIndex("_txn.id")
	for _, f := range uniqueFields {
		coll.EnsureIndex("data." + f)
	}
	return &Collection{store: coll, sequenceInData: sequenceInData}
}

func decode(d docstore.Doc) Record {
	r := Record{Txn: txnFromDoc(d)}
	if v, ok := d["data"].(map[string]interface{}); ok {
		r.Data = v
	}
	if v, ok := d["meta"].(map[string]interface{}); ok {
		r.Meta = v
	}
	if v, ok := d["_pending"].(bool); ok {
		r.Pending = v
	}
	return r
}

func (r Record) toDoc() docstore.Doc {
	d := docstore.Doc{"data": r.Data, "meta": r.Meta}
	if r.Pending {
		d["_pending"] = true
	}
	if txn := r.Txn.toDoc(); txn != nil {
		d["_txn"] = txn
	}
	return d
}

func idOf(data map[string]interface{}) (string, bool) {
	v, ok := data["id"].(string)
	return v, ok
}

// Insert stores record verbatim — the caller (txn) decides whether
// _pending/_txn are set. Duplicate ids surface as *rserrors.DuplicateError.
func (c *Collection) Insert(ctx context.Context, record Record) error {
	id, ok := idOf(record.Data)
	if !ok || id == "" {
		return fmt.Errorf("recordcoll: record data.id is required")
	}

	err := c.store.InsertOne(ctx, id, record.toDoc())
	if err == nil {
		return nil
	}
	if _, ok := err.(*docstore.DuplicateKeyError); ok {
		return &rserrors.DuplicateError{RecordID: id, UniqueField: "id", UniqueValue: id}
	}
	return err
}

// GetOptions selects how Get resolves the target record.
type GetOptions struct {
	ID           string
	UniqueField  string
	UniqueValue  interface{}
	AllowPending bool
}

// Get returns the record selected by opts. By default records with
// _pending set are invisible (AllowPending must be set to see them, used
// by the transaction processor while it recovers a record's own pending
// transaction).
func (c *Collection) Get(ctx context.Context, opts GetOptions) (Record, error) {
	filter := docstore.NewFilter()
	switch {
	case opts.ID != "":
		filter = filter.WithEq("id", opts.ID)
	case opts.UniqueField != "":
		filter = filter.WithEq("data."+opts.UniqueField, opts.UniqueValue)
	default:
		return Record{}, fmt.Errorf("recordcoll: Get requires ID or UniqueField/UniqueValue")
	}

	d, err := c.resolve(ctx, filter, opts)
	if err != nil {
		return Record{}, err
	}
	rec := decode(d)
	if rec.Pending && !opts.AllowPending {
		return Record{}, &rserrors.NotFoundError{ID: opts.ID, Field: opts.UniqueField, Value: opts.UniqueValue}
	}
	return rec, nil
}

// resolve looks a document up either directly by id, or by scanning the
// secondary index registered for a unique field.
func (c *Collection) resolve(ctx context.Context, filter docstore.Filter, opts GetOptions) (docstore.Doc, error) {
	if opts.ID != "" {
		d, err := c.store.FindOne(ctx, filter)
		if err == docstore.ErrNotFound {
			return nil, &rserrors.NotFoundError{ID: opts.ID}
		}
		return d, err
	}

	var found docstore.Doc
	err := c.store.Scan(ctx, "data."+opts.UniqueField, fmt.Sprintf("%v", opts.UniqueValue), func(d docstore.Doc) bool {
		found = d
		return false
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &rserrors.NotFoundError{Field: opts.UniqueField, Value: opts.UniqueValue}
	}
	return found, nil
}

// UpdateParams describes a conditional update. Data/Meta are only
// required when the call is meant to change the payload — a call that
// only stamps or clears _txn (the intent/commit/finish steps of a
// transaction) leaves both nil and the existing payload untouched.
// OldTxn nil requires no _txn present on the record; non-nil requires an
// exact match on id/committed/rollback. NewTxn nil clears _txn; non-nil
// sets it.
type UpdateParams struct {
	ID               string
	Data             map[string]interface{}
	Meta             map[string]interface{}
	ExpectedSequence *float64
	OldTxn           *TxnRef
	NewTxn           *TxnRef
	TogglePending    *bool
}

// Update applies a conditional write and reports whether a row was
// modified. When ExpectedSequence was given and nothing matched, it
// re-fetches the record to tell a genuine sequence mismatch
// (*rserrors.InvalidStateError) apart from a vanished/still-pending
// record (returns false, nil).
func (c *Collection) Update(ctx context.Context, p UpdateParams) (bool, error) {
	id := p.ID
	if id == "" {
		if p.Data != nil {
			if v, ok := idOf(p.Data); ok {
				id = v
			}
		}
	}
	if id == "" {
		return false, fmt.Errorf("recordcoll: Update requires ID or Data.id")
	}

	cond := docstore.NewFilter().WithEq("id", id)
	if p.ExpectedSequence != nil {
		cond = cond.WithEq(c.sequencePath(), *p.ExpectedSequence)
	}
	cond = applyTxnCondition(cond, p.OldTxn)

	existing, err := c.store.FindOne(ctx, docstore.NewFilter().WithEq("id", id))
	if err != nil && err != docstore.ErrNotFound {
		return false, err
	}

	newDoc := c.buildUpdateDoc(existing, p)

	modified, err := c.store.UpdateOne(ctx, id, cond, newDoc)
	if err != nil {
		return false, err
	}
	if modified {
		return true, nil
	}

	if p.ExpectedSequence != nil {
		cur, gerr := c.store.FindOne(ctx, docstore.NewFilter().WithEq("id", id))
		if gerr == nil {
			actual, _ := getPath(cur, c.sequencePath())
			if af, ok := actual.(float64); !ok || af != *p.ExpectedSequence {
				return false, &rserrors.InvalidStateError{RecordID: id, Actual: actual, Expected: *p.ExpectedSequence}
			}
		}
	}
	return false, nil
}

func (c *Collection) sequencePath() string {
	if c.sequenceInData {
		return "data.sequence"
	}
	return "meta.sequence"
}

func applyTxnCondition(f docstore.Filter, oldTxn *TxnRef) docstore.Filter {
	if oldTxn == nil {
		return f.WithExists("_txn", false)
	}
	f = f.WithEq("_txn.id", oldTxn.ID)
	if oldTxn.Committed {
		f = f.WithEq("_txn.committed", true)
	} else {
		f = f.WithExists("_txn.committed", false)
	}
	if oldTxn.Rollback {
		f = f.WithEq("_txn.rollback", true)
	} else {
		f = f.WithExists("_txn.rollback", false)
	}
	return f
}

func (c *Collection) buildUpdateDoc(existing docstore.Doc, p UpdateParams) docstore.Doc {
	rec := decode(existing)

	if p.Data != nil {
		rec.Data = p.Data
	}
	if p.Meta != nil {
		rec.Meta = p.Meta
		rec.Meta["updated"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if p.NewTxn != nil {
		rec.Txn = p.NewTxn
	} else {
		rec.Txn = nil
	}

	if p.TogglePending != nil {
		rec.Pending = *p.TogglePending
	}

	commitsTxn := p.NewTxn != nil && p.NewTxn.Committed
	noTxnInvolved := p.OldTxn == nil && p.NewTxn == nil
	if commitsTxn || noTxnInvolved {
		bumpSequence(&rec, c.sequenceInData)
	}

	return rec.toDoc()
}

func bumpSequence(rec *Record, sequenceInData bool) {
	target := rec.Data
	if !sequenceInData {
		target = rec.Meta
	}
	if target == nil {
		return
	}
	cur, _ := target["sequence"].(float64)
	target["sequence"] = cur + 1
}

func getPath(d docstore.Doc, path string) (interface{}, bool) {
	var v interface{} = map[string]interface{}(d)
	for _, s := range splitDotted(path) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func splitDotted(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}

// Delete unconditionally removes the record by id.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	return c.store.DeleteOne(ctx, id)
}

// ScanPending calls fn for every record still carrying a _txn marker,
// committed or not. Used by the recovery sweep; stop early by returning
// false from fn.
func (c *Collection) ScanPending(ctx context.Context, fn func(Record) bool) error {
	return c.store.ScanAll(ctx, func(d docstore.Doc) bool {
		rec := decode(d)
		if rec.Txn == nil {
			return true
		}
		return fn(rec)
	})
}
