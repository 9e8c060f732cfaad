// Package txn implements the transaction processor of spec.md §4.3: the
// component that makes a multi-document write (one primary record plus
// one proxy row per unique field) look atomic to callers, on top of a
// document store that only guarantees single-document atomicity.
//
// Every public operation follows the same shape: stage the proxy side
// effects, commit the primary record in one atomic write, then best-effort
// finish the proxy side effects. A writer that dies between commit and
// finish leaves the record in a state Recover can always complete later
// (spec.md §4.3.3) — nothing about correctness depends on finish running.
// Every operation also shares one recovery path (processAnyPendingTransaction
// / recoverRecord in recover.go): whoever first notices another writer's
// abandoned transaction — an insert colliding on a duplicate value, an
// update or delete finding a _txn already on the record, an update finding
// zero rows modified at commit, or a plain read — drives it
// to a terminal state itself before proceeding (invariant I3).
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/orneryd/recordstore/pkg/recordstore/config"
	"github.com/orneryd/recordstore/pkg/recordstore/metrics"
	"github.com/orneryd/recordstore/pkg/recordstore/proxy"
	"github.com/orneryd/recordstore/pkg/recordstore/recordcoll"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

// Transaction type names, carried on the record's _txn.type field.
const (
	TypeInsert = "insert"
	TypeUpdate = "update"
	TypeDelete = "delete"
)

// Processor coordinates one primary collection and its proxy collections.
type Processor struct {
	cfg     config.Collection
	records *recordcoll.Collection
	proxies map[string]*proxy.Collection
	metrics *metrics.Recorder
}

// New builds a Processor. proxies must contain one entry per field in
// cfg.UniqueFields, keyed by field name.
func New(cfg config.Collection, records *recordcoll.Collection, proxies map[string]*proxy.Collection, rec *metrics.Recorder) *Processor {
	return &Processor{cfg: cfg, records: records, proxies: proxies, metrics: rec}
}

func newTxnID() string {
	return uuid.NewString()
}

// abort raises the internal retry signal, recording why under the reason
// label so an operator can see which conflicts are driving retry volume.
func (p *Processor) abort(reason string) error {
	p.metrics.Abort(p.cfg.Name, reason)
	return &rserrors.AbortError{Reason: reason}
}

// runRetrying executes attempt up to cfg.RetryAttempts() times, retrying
// only on *rserrors.AbortError. Any other error, or running out of
// attempts, is returned as-is (the latter wrapped in
// *rserrors.RetriesExhaustedError).
func (p *Processor) runRetrying(ctx context.Context, op string, attempt func() error) error {
	stop := p.metrics.ObserveAttempt(p.cfg.Name, op)

	var lastErr error
	err := retry.Do(
		func() error {
			start := time.Now()
			err := attempt()
			stop(time.Since(start).Seconds())
			lastErr = err
			if err != nil {
				if _, ok := err.(*rserrors.AbortError); ok {
					p.metrics.Retry(p.cfg.Name)
				}
			}
			return err
		},
		retry.Attempts(uint(p.cfg.RetryAttempts())),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			_, ok := err.(*rserrors.AbortError)
			return ok
		}),
		retry.LastErrorOnly(true),
		retry.DelayType(retry.BackOffDelay),
	)
	if err == nil {
		return nil
	}
	if _, ok := lastErr.(*rserrors.AbortError); ok {
		return &rserrors.RetriesExhaustedError{Attempts: p.cfg.RetryAttempts(), Cause: lastErr}
	}
	return lastErr
}

// rollbackStaged rolls back every proxy row staged under txnID, given the
// set of field -> value the attempt tried to insert (insert/update) or
// prepared for delete (update/delete), and records the abandoned attempt
// against op's rollback counter. Best-effort: proxy errors are swallowed
// since the record itself was never committed, so a failed rollback here
// is cleaned up by the next recovery sweep instead.
func (p *Processor) rollbackStaged(ctx context.Context, op, txnID string, inserted, prepared map[string]interface{}) {
	for field, value := range inserted {
		if pc, ok := p.proxies[field]; ok {
			_ = pc.RollbackChange(ctx, txnID, value, nil)
		}
	}
	for field, value := range prepared {
		if pc, ok := p.proxies[field]; ok {
			_ = pc.RollbackChange(ctx, txnID, nil, value)
		}
	}
	p.metrics.Rollback(p.cfg.Name, op)
}

// resolveDuplicateConflict implements spec.md §4.3.4: err names the record
// that already holds a conflicting primary id or unique value. The
// conflicting record's own pending transaction, if it has one, is
// recovered here; otherwise the conflict is real and is surfaced as-is.
// Non-duplicate errors pass through untouched.
func (p *Processor) resolveDuplicateConflict(ctx context.Context, err error) error {
	dup, ok := err.(*rserrors.DuplicateError)
	if !ok {
		return err
	}
	outcome, perr := p.processAnyPendingTransaction(ctx, dup.RecordID)
	if perr != nil {
		return perr
	}
	switch outcome {
	case pendingVanished:
		return p.abort("conflicting record " + dup.RecordID + " vanished during duplicate resolution")
	case pendingProcessed:
		p.metrics.DuplicateResolved(p.cfg.Name, dup.UniqueField)
		return p.abort("resolved pending transaction on conflicting record " + dup.RecordID)
	default:
		return dup
	}
}

// preemptUniqueConflict looks for a record already holding value for field,
// via the primary collection's own secondary index rather than the proxy's
// unique constraint. This is the only way to find a record abandoned
// before it got around to staging its own proxy row (spec.md §8 scenario
// 4): the proxy collection has never heard of it, so neither a primary
// insert under a fresh id nor a proxy insert for the same value collides
// with anything. Reports whether a pending transaction was found and
// recovered; a stable holder is left alone for the proxy insert that
// follows to raise as a proper *rserrors.DuplicateError.
func (p *Processor) preemptUniqueConflict(ctx context.Context, field string, value interface{}) (bool, error) {
	existing, err := p.records.Get(ctx, recordcoll.GetOptions{UniqueField: field, UniqueValue: value, AllowPending: true})
	if err != nil {
		if _, ok := err.(*rserrors.NotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	if existing.Txn == nil {
		return false, nil
	}
	p.recoverRecord(ctx, existing)
	return true, nil
}

// Insert runs the insert transaction of spec.md §4.3.1.
func (p *Processor) Insert(ctx context.Context, data, meta map[string]interface{}) (recordcoll.Record, error) {
	var result recordcoll.Record
	err := p.runRetrying(ctx, TypeInsert, func() error {
		r, err := p.insertOnce(ctx, data, meta)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (p *Processor) insertOnce(ctx context.Context, data, meta map[string]interface{}) (recordcoll.Record, error) {
	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.NewString()
		data["id"] = id
	}

	// Pre-check (spec.md §8 scenario 4): a record abandoned before it
	// staged its own proxy row is invisible to every check below, since
	// this attempt's id is fresh and no proxy row for the value exists
	// yet. The primary collection's secondary index is the only place
	// such a record can still be found.
	for _, field := range p.cfg.UniqueFields {
		value, ok := data[field]
		if !ok {
			continue
		}
		recovered, err := p.preemptUniqueConflict(ctx, field, value)
		if err != nil {
			return recordcoll.Record{}, err
		}
		if recovered {
			return recordcoll.Record{}, p.abort("recovered pending transaction on conflicting record for " + field)
		}
	}

	txnID := newTxnID()

	// Step 1 (spec.md §4.3.2): initialize intent on the primary record
	// before touching any proxy. A duplicate here means some other record
	// — possibly an abandoned one — already owns this id.
	record := recordcoll.Record{
		Data:    data,
		Meta:    meta,
		Pending: true,
		Txn:     &recordcoll.TxnRef{ID: txnID, Type: TypeInsert, RecordID: id},
	}
	if err := p.records.Insert(ctx, record); err != nil {
		return recordcoll.Record{}, p.resolveDuplicateConflict(ctx, err)
	}

	// Step 2: stage a proxy row per configured unique field present in
	// data. A duplicate here names the record already holding that
	// value — the pre-check above only catches a holder with no proxy
	// row of its own; a holder that did stage one collides here instead.
	inserted := map[string]interface{}{}
	var changes []recordcoll.FieldChange
	for _, field := range p.cfg.UniqueFields {
		value, ok := data[field]
		if !ok {
			continue
		}
		if err := p.proxies[field].Insert(ctx, value, id, txnID); err != nil {
			p.rollbackStaged(ctx, TypeInsert, txnID, inserted, nil)
			p.abandonPendingInsert(ctx, id)
			return recordcoll.Record{}, p.resolveDuplicateConflict(ctx, err)
		}
		inserted[field] = value
		changes = append(changes, recordcoll.FieldChange{Field: field, NewValue: value})
	}

	// Step 3: commit.
	notPending := false
	committed, err := p.records.Update(ctx, recordcoll.UpdateParams{
		ID:            id,
		Data:          data,
		Meta:          meta,
		OldTxn:        &recordcoll.TxnRef{ID: txnID, Type: TypeInsert, RecordID: id},
		NewTxn:        &recordcoll.TxnRef{ID: txnID, Type: TypeInsert, RecordID: id, Committed: true, Changes: changes},
		TogglePending: &notPending,
	})
	if err != nil {
		return recordcoll.Record{}, err
	}
	if !committed {
		// Another actor rolled our pending record back before the commit
		// landed; undo our own proxy rows and retry.
		p.rollbackStaged(ctx, TypeInsert, txnID, inserted, nil)
		return recordcoll.Record{}, p.abort("pending insert " + id + " was rolled back before commit")
	}

	p.metrics.Commit(p.cfg.Name, TypeInsert)
	// Step 4: best-effort finish.
	p.finishInsert(ctx, id, txnID, inserted)

	return p.records.Get(ctx, recordcoll.GetOptions{ID: id})
}

// abandonPendingInsert deletes our own never-committed pending primary
// record after a proxy conflict forces this attempt to retry under a new
// transaction id. Nothing else can have a reason to touch it — it still
// carries the uncommitted _txn only this attempt knows about — so a plain
// delete is safe.
func (p *Processor) abandonPendingInsert(ctx context.Context, id string) {
	_, _ = p.records.Delete(ctx, id)
}

func (p *Processor) finishInsert(ctx context.Context, id, txnID string, inserted map[string]interface{}) {
	for field, value := range inserted {
		_ = p.proxies[field].CompleteChange(ctx, txnID, value, nil)
	}
	_, _ = p.records.Update(ctx, recordcoll.UpdateParams{
		ID:     id,
		OldTxn: &recordcoll.TxnRef{ID: txnID, Type: TypeInsert, RecordID: id, Committed: true},
		NewTxn: nil,
	})
}

// Update runs the update transaction of spec.md §4.3.2. expectedSequence,
// when non-nil, is enforced as an optimistic-concurrency precondition.
func (p *Processor) Update(ctx context.Context, id string, data, meta map[string]interface{}, expectedSequence *float64) (bool, error) {
	var modified bool
	err := p.runRetrying(ctx, TypeUpdate, func() error {
		m, err := p.updateOnce(ctx, id, data, meta, expectedSequence)
		if err != nil {
			return err
		}
		modified = m
		return nil
	})
	return modified, err
}

func (p *Processor) updateOnce(ctx context.Context, id string, data, meta map[string]interface{}, expectedSequence *float64) (bool, error) {
	current, err := p.records.Get(ctx, recordcoll.GetOptions{ID: id, AllowPending: true})
	if err != nil {
		return false, err
	}
	if current.Txn != nil {
		// Step 1 recovery (spec.md §4.3.2/§4.3.3, invariant I3): another
		// writer's transaction is already in flight on this record. Drive
		// it to a terminal state ourselves, then retry from scratch.
		p.recoverRecord(ctx, current)
		return false, p.abort("recovered pending transaction on " + id)
	}

	txnID := newTxnID()
	inserted := map[string]interface{}{}
	prepared := map[string]interface{}{}
	var changes []recordcoll.FieldChange

	for _, field := range p.cfg.UniqueFields {
		newVal, hasNew := data[field]
		oldVal, hasOld := current.Data[field]
		if !hasNew || (hasOld && fmt.Sprintf("%v", newVal) == fmt.Sprintf("%v", oldVal)) {
			continue
		}

		recovered, err := p.preemptUniqueConflict(ctx, field, newVal)
		if err != nil {
			p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
			return false, err
		}
		if recovered {
			p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
			return false, p.abort("recovered pending transaction on conflicting record for " + field)
		}

		if err := p.proxies[field].Insert(ctx, newVal, id, txnID); err != nil {
			p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
			return false, p.resolveDuplicateConflict(ctx, err)
		}
		inserted[field] = newVal

		if hasOld {
			ok, err := p.proxies[field].PrepareDelete(ctx, id, txnID)
			if err != nil {
				p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
				return false, err
			}
			if !ok {
				p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
				return false, p.abort("proxy row for " + field + " already has a pending transaction")
			}
			prepared[field] = oldVal
		}

		changes = append(changes, recordcoll.FieldChange{Field: field, OldValue: oldVal, NewValue: newVal})
	}

	modified, err := p.records.Update(ctx, recordcoll.UpdateParams{
		ID:               id,
		Data:             data,
		Meta:             meta,
		ExpectedSequence: expectedSequence,
		OldTxn:           nil,
		NewTxn:           &recordcoll.TxnRef{ID: txnID, Type: TypeUpdate, RecordID: id, Committed: true, Changes: changes},
	})
	if err != nil {
		p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
		return false, err
	}
	if !modified {
		// Another writer's _txn landed on the record between our read and
		// our commit attempt. Recover it (spec.md §4.3.2 step 1), then
		// retry; if the record turns out to be stable after all, abort
		// anyway and let the outer loop's backoff apply.
		p.rollbackStaged(ctx, TypeUpdate, txnID, inserted, prepared)
		outcome, rerr := p.processAnyPendingTransaction(ctx, id)
		if rerr != nil {
			return false, rerr
		}
		if outcome == pendingProcessed {
			return false, p.abort("recovered pending transaction on " + id)
		}
		return false, p.abort("record " + id + " already has a pending transaction")
	}

	p.metrics.Commit(p.cfg.Name, TypeUpdate)
	p.finishChanges(ctx, id, txnID, changes)
	return true, nil
}

func (p *Processor) finishChanges(ctx context.Context, id, txnID string, changes []recordcoll.FieldChange) {
	for _, c := range changes {
		if pc, ok := p.proxies[c.Field]; ok {
			_ = pc.CompleteChange(ctx, txnID, c.NewValue, c.OldValue)
		}
	}
	_, _ = p.records.Update(ctx, recordcoll.UpdateParams{
		ID:     id,
		OldTxn: &recordcoll.TxnRef{ID: txnID, Type: TypeUpdate, RecordID: id, Committed: true},
		NewTxn: nil,
	})
}

// Delete runs the delete transaction of spec.md §4.3.1's third variant:
// every proxy row is prepared for deletion, the primary record is removed,
// and the proxy rows are then finished.
func (p *Processor) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := p.runRetrying(ctx, TypeDelete, func() error {
		d, err := p.deleteOnce(ctx, id)
		if err != nil {
			return err
		}
		deleted = d
		return nil
	})
	return deleted, err
}

func (p *Processor) deleteOnce(ctx context.Context, id string) (bool, error) {
	current, err := p.records.Get(ctx, recordcoll.GetOptions{ID: id, AllowPending: true})
	if err != nil {
		if _, ok := err.(*rserrors.NotFoundError); ok {
			return false, nil
		}
		return false, err
	}
	if current.Txn != nil {
		// Step 1 recovery, same as updateOnce: drive the other writer's
		// transaction to a terminal state before our own attempt.
		p.recoverRecord(ctx, current)
		return false, p.abort("recovered pending transaction on " + id)
	}

	txnID := newTxnID()
	prepared := map[string]interface{}{}
	var changes []recordcoll.FieldChange

	for _, field := range p.cfg.UniqueFields {
		value, ok := current.Data[field]
		if !ok {
			continue
		}
		applied, err := p.proxies[field].PrepareDelete(ctx, id, txnID)
		if err != nil {
			p.rollbackStaged(ctx, TypeDelete, txnID, nil, prepared)
			return false, err
		}
		if !applied {
			p.rollbackStaged(ctx, TypeDelete, txnID, nil, prepared)
			return false, p.abort("proxy row for " + field + " already has a pending transaction")
		}
		prepared[field] = value
		changes = append(changes, recordcoll.FieldChange{Field: field, OldValue: value})
	}

	deleted, err := p.records.Delete(ctx, id)
	if err != nil {
		p.rollbackStaged(ctx, TypeDelete, txnID, nil, prepared)
		return false, err
	}
	if !deleted {
		// Another deleter already removed the record between our read and
		// our own delete; our staged proxy work is moot.
		p.rollbackStaged(ctx, TypeDelete, txnID, nil, prepared)
		return false, nil
	}

	p.metrics.Commit(p.cfg.Name, TypeDelete)
	for _, c := range changes {
		if pc, ok := p.proxies[c.Field]; ok {
			_ = pc.CompleteChange(ctx, txnID, nil, c.OldValue)
		}
	}
	return true, nil
}

// Get runs the read-with-uniqueness path of spec.md §4.3.5: any _txn
// encountered on the way to a record — on the proxy row when resolving a
// unique field, or on the primary record itself — is driven to completion
// or rollback before the read returns, so a caller never observes a stale
// marker (spec.md §8 scenario 5).
func (p *Processor) Get(ctx context.Context, opts recordcoll.GetOptions) (recordcoll.Record, error) {
	var result recordcoll.Record
	err := p.runRetrying(ctx, "get", func() error {
		r, err := p.getOnce(ctx, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (p *Processor) getOnce(ctx context.Context, opts recordcoll.GetOptions) (recordcoll.Record, error) {
	id := opts.ID
	if opts.UniqueField != "" {
		pc, ok := p.proxies[opts.UniqueField]
		if !ok {
			return recordcoll.Record{}, fmt.Errorf("txn: %q is not a configured unique field", opts.UniqueField)
		}
		row, err := pc.Get(ctx, "", opts.UniqueValue)
		if err != nil {
			return recordcoll.Record{}, err
		}
		if row.Txn != nil {
			if _, rerr := p.processAnyPendingTransaction(ctx, row.Txn.RecordID); rerr != nil {
				return recordcoll.Record{}, rerr
			}
			return recordcoll.Record{}, p.abort("recovered pending transaction on proxy row for " + opts.UniqueField)
		}
		id = row.RecordID
	}
	if id == "" {
		return recordcoll.Record{}, fmt.Errorf("txn: Get requires ID or UniqueField/UniqueValue")
	}

	rec, err := p.records.Get(ctx, recordcoll.GetOptions{ID: id, AllowPending: true})
	if err != nil {
		return recordcoll.Record{}, err
	}
	if rec.Txn == nil {
		return rec, nil
	}

	if p.recoverRecord(ctx, rec) {
		return p.records.Get(ctx, recordcoll.GetOptions{ID: id})
	}
	return recordcoll.Record{}, &rserrors.NotFoundError{ID: id}
}
