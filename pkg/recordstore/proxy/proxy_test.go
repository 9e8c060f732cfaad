package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

func newTestProxy(t *testing.T) *Collection {
	t.Helper()
	store, err := docstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store.Collection("accounts-email"), "email", "data")
}

func TestProxy_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)

	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))

	row, err := p.Get(ctx, "", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", row.RecordID)
	require.NotNil(t, row.Txn)
	assert.Equal(t, OpInsert, row.Txn.Op)
	assert.Equal(t, "txn-1", row.Txn.ID)

	row2, err := p.Get(ctx, "rec-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", row2.Value)
}

func TestProxy_Insert_DuplicateResolvesOwner(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)

	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))

	err := p.Insert(ctx, "a@example.com", "rec-2", "txn-2")
	var dup *rserrors.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "rec-1", dup.RecordID, "duplicate error must name the row's real owner, not the attempting insert")
	assert.Equal(t, "email", dup.UniqueField)
}

func TestProxy_PrepareDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)
	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))
	require.NoError(t, p.CompleteChange(ctx, "txn-1", "a@example.com", nil))

	ok, err := p.PrepareDelete(ctx, "rec-1", "txn-2")
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := p.Get(ctx, "rec-1", nil)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, row.Txn.Op)

	// A second prepare while one is already pending must report false.
	ok, err = p.PrepareDelete(ctx, "rec-1", "txn-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProxy_PrepareDelete_MissingRow(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)

	ok, err := p.PrepareDelete(ctx, "nonexistent", "txn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProxy_RollbackChange_UndoesInsert(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)
	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))

	require.NoError(t, p.RollbackChange(ctx, "txn-1", "a@example.com", nil))

	_, err := p.Get(ctx, "", "a@example.com")
	var notFound *rserrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestProxy_RollbackChange_UndoesDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)
	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))
	require.NoError(t, p.CompleteChange(ctx, "txn-1", "a@example.com", nil))

	ok, err := p.PrepareDelete(ctx, "rec-1", "txn-2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.RollbackChange(ctx, "txn-2", nil, "a@example.com"))

	row, err := p.Get(ctx, "", "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, row.Txn, "rollback must clear the marker, not just flip its op")
}

func TestProxy_CompleteChange_RemovesDeleteMarkedRow(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)
	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))
	require.NoError(t, p.CompleteChange(ctx, "txn-1", "a@example.com", nil))

	ok, err := p.PrepareDelete(ctx, "rec-1", "txn-2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.CompleteChange(ctx, "txn-2", nil, "a@example.com"))

	_, err = p.Get(ctx, "", "a@example.com")
	var notFound *rserrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestProxy_ScanPending(t *testing.T) {
	ctx := context.Background()
	p := newTestProxy(t)
	require.NoError(t, p.Insert(ctx, "a@example.com", "rec-1", "txn-1"))
	require.NoError(t, p.Insert(ctx, "b@example.com", "rec-2", "txn-2"))
	require.NoError(t, p.CompleteChange(ctx, "txn-2", "b@example.com", nil))

	var pending []Row
	err := p.ScanPending(ctx, func(r Row) bool {
		pending = append(pending, r)
		return true
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rec-1", pending[0].RecordID)
}
