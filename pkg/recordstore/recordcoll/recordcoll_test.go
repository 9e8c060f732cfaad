package recordcoll

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
)

func newTestCollection(t *testing.T, sequenceInData bool, uniqueFields ...string) *Collection {
	t.Helper()
	store, err := docstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	coll := store.Collection("accounts")
	return New(coll, sequenceInData, uniqueFields)
}

func TestCollection_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)

	err := c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1", "sequence": 1.0}, Meta: map[string]interface{}{}})
	require.NoError(t, err)

	rec, err := c.Get(ctx, GetOptions{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.Data["id"])
}

func TestCollection_Insert_DuplicateID(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1"}}))

	err := c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1"}})
	var dup *rserrors.DuplicateError
	require.ErrorAs(t, err, &dup)
}

func TestCollection_Get_HidesPendingByDefault(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{
		Data:    map[string]interface{}{"id": "r1"},
		Pending: true,
		Txn:     &TxnRef{ID: "txn-1", Type: "insert", RecordID: "r1"},
	}))

	_, err := c.Get(ctx, GetOptions{ID: "r1"})
	var notFound *rserrors.NotFoundError
	require.ErrorAs(t, err, &notFound)

	rec, err := c.Get(ctx, GetOptions{ID: "r1", AllowPending: true})
	require.NoError(t, err)
	assert.True(t, rec.Pending)
	require.NotNil(t, rec.Txn)
	assert.Equal(t, "txn-1", rec.Txn.ID)
}

func TestCollection_Update_SequenceBump(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1", "sequence": 0.0}}))

	modified, err := c.Update(ctx, UpdateParams{
		ID:   "r1",
		Data: map[string]interface{}{"id": "r1", "sequence": 0.0, "name": "Alice"},
	})
	require.NoError(t, err)
	assert.True(t, modified)

	rec, err := c.Get(ctx, GetOptions{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Data["sequence"])
	assert.Equal(t, "Alice", rec.Data["name"])
}

func TestCollection_Update_SequenceMismatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1", "sequence": 2.0}}))

	expected := 0.0
	_, err := c.Update(ctx, UpdateParams{
		ID:               "r1",
		Data:             map[string]interface{}{"id": "r1", "sequence": 2.0, "name": "Alice"},
		ExpectedSequence: &expected,
	})
	var invalidState *rserrors.InvalidStateError
	require.ErrorAs(t, err, &invalidState)
	assert.Equal(t, 2.0, invalidState.Actual)
}

func TestCollection_Update_OldTxnCondition(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{
		Data: map[string]interface{}{"id": "r1"},
		Txn:  &TxnRef{ID: "txn-1", Type: "update", RecordID: "r1"},
	}))

	// Wrong OldTxn (expects no txn) must not match.
	modified, err := c.Update(ctx, UpdateParams{ID: "r1", Data: map[string]interface{}{"id": "r1", "x": 1}})
	require.NoError(t, err)
	assert.False(t, modified)

	// Correct OldTxn matches and clears it.
	modified, err = c.Update(ctx, UpdateParams{
		ID:     "r1",
		Data:   map[string]interface{}{"id": "r1", "x": 1},
		OldTxn: &TxnRef{ID: "txn-1", Type: "update", RecordID: "r1"},
		NewTxn: nil,
	})
	require.NoError(t, err)
	assert.True(t, modified)

	rec, err := c.Get(ctx, GetOptions{ID: "r1"})
	require.NoError(t, err)
	assert.Nil(t, rec.Txn)
}

func TestCollection_Delete(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true)
	require.NoError(t, c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1"}}))

	ok, err := c.Delete(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Delete(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollection_Get_ByUniqueField(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, true, "email")
	require.NoError(t, c.Insert(ctx, Record{Data: map[string]interface{}{"id": "r1", "email": "a@example.com"}}))

	rec, err := c.Get(ctx, GetOptions{UniqueField: "email", UniqueValue: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.Data["id"])
}
