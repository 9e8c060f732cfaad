package txn

import (
	"context"

	"github.com/orneryd/recordstore/pkg/recordstore/proxy"
	"github.com/orneryd/recordstore/pkg/recordstore/recordcoll"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

// Report summarizes one Recover sweep, for logging and the recordsctl
// sweep command's exit summary.
type Report struct {
	Completed  int
	RolledBack int
}

// Recover finds every abandoned transaction in the collection and drives
// it to a terminal state (spec.md §4.3.3). Safe to run concurrently with
// live traffic and safe to re-run — every step it takes is the same
// idempotent commit/complete or rollback a live writer would have taken.
func (p *Processor) Recover(ctx context.Context) (Report, error) {
	var report Report

	err := p.records.ScanPending(ctx, func(rec recordcoll.Record) bool {
		if p.recoverRecord(ctx, rec) {
			report.Completed++
		} else {
			report.RolledBack++
		}
		return true
	})
	if err != nil {
		return report, err
	}

	for field, pc := range p.proxies {
		if err := p.recoverOrphanRows(ctx, field, pc, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// pendingOutcome classifies what processAnyPendingTransaction found when
// it looked a record up by id.
type pendingOutcome int

const (
	pendingNone      pendingOutcome = iota // record exists, carries no _txn
	pendingVanished                        // no record with that id exists
	pendingProcessed                       // a _txn was found and driven to a terminal state
)

// processAnyPendingTransaction is the recovery entry point spec.md §4.3.2,
// §4.3.4 and §4.3.5 each call by name: given a record id, fetch it
// (bypassing the pending filter) and, if it carries a _txn marker, drive
// it to completion or rollback. Every live write or read that collides
// with another writer's abandoned transaction bottoms out here, the same
// as the Recover sweep bottoms out in recoverRecord — there is exactly
// one recovery code path, invoked either by id (here) or with a record
// already in hand (recoverRecord).
func (p *Processor) processAnyPendingTransaction(ctx context.Context, recordID string) (pendingOutcome, error) {
	rec, err := p.records.Get(ctx, recordcoll.GetOptions{ID: recordID, AllowPending: true})
	if err != nil {
		if _, ok := err.(*rserrors.NotFoundError); ok {
			return pendingVanished, nil
		}
		return pendingNone, err
	}
	if rec.Txn == nil {
		return pendingNone, nil
	}
	p.recoverRecord(ctx, rec)
	return pendingProcessed, nil
}

// recoverRecord drives rec's own _txn to a terminal state and reports
// whether it was a completion (true) or a rollback (false). Callers that
// already hold the record (Recover's scan, Get's read path) call this
// directly; callers that only have an id go through
// processAnyPendingTransaction instead.
func (p *Processor) recoverRecord(ctx context.Context, rec recordcoll.Record) bool {
	committed := rec.Txn.Committed
	if committed {
		p.finishRecord(ctx, rec)
		p.metrics.Recovered(p.cfg.Name, "completed")
	} else {
		p.rollbackRecord(ctx, rec)
		p.metrics.Recovered(p.cfg.Name, "rolled_back")
	}
	return committed
}

// finishRecord completes a transaction whose commit write landed but whose
// finish step never ran.
func (p *Processor) finishRecord(ctx context.Context, rec recordcoll.Record) {
	txn := rec.Txn
	for _, c := range txn.Changes {
		if pc, ok := p.proxies[c.Field]; ok {
			_ = pc.CompleteChange(ctx, txn.ID, c.NewValue, c.OldValue)
		}
	}
	_, _ = p.records.Update(ctx, recordcoll.UpdateParams{
		ID:     txn.RecordID,
		OldTxn: txn,
		NewTxn: nil,
	})
}

// rollbackRecord undoes a transaction whose commit write never landed — by
// construction (only Insert stamps an uncommitted _txn on the primary
// record before its atomic commit write) this only ever sees insert type
// transactions.
func (p *Processor) rollbackRecord(ctx context.Context, rec recordcoll.Record) {
	txn := rec.Txn
	for field, value := range rec.Data {
		if pc, ok := p.proxies[field]; ok {
			_ = pc.RollbackChange(ctx, txn.ID, value, nil)
		}
	}
	_, _ = p.records.Delete(ctx, txn.RecordID)
}

// recoverOrphanRows finishes proxy rows whose owning primary record is
// already gone — the update/delete commit landed and the record moved on
// (or was itself rolled back) before this field's proxy row was finished.
func (p *Processor) recoverOrphanRows(ctx context.Context, field string, pc *proxy.Collection, report *Report) error {
	var rows []proxy.Row
	err := pc.ScanPending(ctx, func(row proxy.Row) bool {
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		_, err := p.records.Get(ctx, recordcoll.GetOptions{ID: row.Txn.RecordID, AllowPending: true})
		if err == nil {
			continue // owning record still live; the primary-side pass already handled it
		}
		if _, ok := err.(*rserrors.NotFoundError); !ok {
			return err
		}

		switch row.Txn.Op {
		case proxy.OpDelete:
			_ = pc.CompleteChange(ctx, row.Txn.ID, nil, row.Value)
			report.Completed++
			p.metrics.Recovered(p.cfg.Name, "completed")
		case proxy.OpInsert:
			_ = pc.RollbackChange(ctx, row.Txn.ID, row.Value, nil)
			report.RolledBack++
			p.metrics.Recovered(p.cfg.Name, "rolled_back")
		}
	}
	return nil
}
