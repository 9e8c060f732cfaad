package recordstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/config"
	"github.com/orneryd/recordstore/pkg/recordstore/recordcoll"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
	"github.com/orneryd/recordstore/pkg/recordstore/txn"
)

func newTestCollection(t *testing.T, uniqueFields ...string) *Collection {
	t.Helper()
	store, err := docstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Collection{
		Name:           "accounts",
		DataField:      "data",
		SequenceInData: true,
		UniqueFields:   uniqueFields,
	}
	coll, err := New(context.Background(), store, cfg)
	require.NoError(t, err)
	return coll
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// Scenario 1 (spec.md §8): a simple insert succeeds and is immediately
// visible by id.
func TestCollection_Insert_Simple(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com", "name": "Alice"}), nil)
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)

	fetched, err := c.Get(ctx, Query{ID: id})
	require.NoError(t, err)
	var fetchedData map[string]interface{}
	require.NoError(t, json.Unmarshal(fetched.Data, &fetchedData))
	assert.Equal(t, "a@example.com", fetchedData["email"])
}

// Scenario 2: inserting a duplicate unique value fails and leaves the
// original record untouched.
func TestCollection_Insert_DuplicateUniqueValue(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	_, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com"}), nil)
	require.NoError(t, err)

	_, err = c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com"}), nil)
	var dup *rserrors.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "email", dup.UniqueField)

	all, err := c.GetAll(ctx, Query{}, GetAllOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "the rejected insert must not have left a second visible record")
}

// Scenario 3: an update that changes a unique field's value moves the
// uniqueness claim atomically — old value freed, new value claimed.
func TestCollection_Update_ChangesUniqueValue(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "old@example.com"}), nil)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	id := data["id"].(string)

	modified, err := c.Update(ctx, Update{
		ID:   id,
		Data: mustJSON(t, map[string]interface{}{"id": id, "email": "new@example.com"}),
	})
	require.NoError(t, err)
	assert.True(t, modified)

	_, err = c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "old@example.com"}), nil)
	assert.NoError(t, err, "the freed old email must be insertable again")

	_, err = c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "new@example.com"}), nil)
	var dup *rserrors.DuplicateError
	assert.ErrorAs(t, err, &dup, "the new email must now be claimed by the updated record")
}

// Scenario 6: an update against a stale expected sequence is rejected.
func TestCollection_Update_SequenceMismatch(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t)

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"name": "Alice"}), nil)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	id := data["id"].(string)

	stale := 0.0
	_, err = c.Update(ctx, Update{
		ID:               id,
		Data:             mustJSON(t, map[string]interface{}{"id": id, "name": "Bob"}),
		ExpectedSequence: &stale,
	})
	var invalidState *rserrors.InvalidStateError
	require.ErrorAs(t, err, &invalidState)
}

func TestCollection_Delete_And_Exists(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com"}), nil)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	id := data["id"].(string)

	exists, err := c.Exists(ctx, Query{ID: id})
	require.NoError(t, err)
	assert.True(t, exists)

	deleted, err := c.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err = c.Exists(ctx, Query{ID: id})
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com"}), nil)
	assert.NoError(t, err, "deleting the owner must free its unique values")
}

func TestCollection_SetStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t)

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"name": "Alice"}), mustJSON(t, map[string]interface{}{"status": "pending"}))
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	id := data["id"].(string)

	modified, err := c.SetStatus(ctx, id, "active")
	require.NoError(t, err)
	assert.True(t, modified)

	got, err := c.Get(ctx, Query{ID: id})
	require.NoError(t, err)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Meta, &meta))
	assert.Equal(t, "active", meta["status"])

	all, err := c.GetAll(ctx, Query{}, GetAllOptions{Status: "active"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCollection_GetAll_Pagination(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t)

	for i := 0; i < 5; i++ {
		_, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"n": i}), nil)
		require.NoError(t, err)
	}

	page, err := c.GetAll(ctx, Query{}, GetAllOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCollection_Recover_IsIdempotentOnQuiescentCollection(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	_, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": "a@example.com"}), nil)
	require.NoError(t, err)

	report, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Completed)
	assert.Zero(t, report.RolledBack)
}

// Scenario 4 (spec.md §8), driven through the public API rather than
// Recover: a record abandoned mid-insert (pending, uncommitted _txn, no
// proxy row of its own) is holding a unique value. A fresh Insert for that
// same value must roll the abandoned record back itself and then succeed
// — forward progress never depends on a separate sweep running first.
func TestCollection_Insert_RecoversAbandonedDuplicateOnCollision(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	const abandonedID, abandonedTxn, email = "rec-x", "txn-x", "z@example.com"
	require.NoError(t, c.records.Insert(ctx, recordcoll.Record{
		Data:    map[string]interface{}{"id": abandonedID, "email": email},
		Pending: true,
		Txn:     &recordcoll.TxnRef{ID: abandonedTxn, Type: txn.TypeInsert, RecordID: abandonedID},
	}))

	rec, err := c.Insert(ctx, mustJSON(t, map[string]interface{}{"email": email}), nil)
	require.NoError(t, err, "the live insert must recover the abandoned record itself, not just surface a conflict")

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	newID := data["id"].(string)
	assert.NotEqual(t, abandonedID, newID)

	_, err = c.Get(ctx, Query{ID: abandonedID})
	var notFound *rserrors.NotFoundError
	assert.ErrorAs(t, err, &notFound, "the abandoned record must have been rolled back, not left as a ghost")

	row, err := c.proxies["email"].Get(ctx, "", email)
	require.NoError(t, err)
	assert.Equal(t, newID, row.RecordID)
	assert.Nil(t, row.Txn)
}

// Scenario 5 (spec.md §8), driven through the public API rather than
// Recover: a transaction whose commit landed (record visible, _txn
// committed) but whose finish step never ran is completed by a plain Get
// before the result is returned.
func TestCollection_Get_RecoversCommittedIncompleteOnRead(t *testing.T) {
	ctx := context.Background()
	c := newTestCollection(t, "email")

	const id, txnID, email = "rec-c", "txn-c", "e@example.com"
	require.NoError(t, c.proxies["email"].Insert(ctx, email, id, txnID))
	require.NoError(t, c.records.Insert(ctx, recordcoll.Record{
		Data:    map[string]interface{}{"id": id, "email": email},
		Pending: false,
		Txn: &recordcoll.TxnRef{
			ID: txnID, Type: txn.TypeInsert, RecordID: id, Committed: true,
			Changes: []recordcoll.FieldChange{{Field: "email", NewValue: email}},
		},
	}))

	rec, err := c.Get(ctx, Query{UniqueField: "email", UniqueValue: email})
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, id, data["id"])

	row, err := c.proxies["email"].Get(ctx, "", email)
	require.NoError(t, err)
	assert.Nil(t, row.Txn, "the read must have finished the proxy side of the incomplete transaction")

	stored, err := c.records.Get(ctx, recordcoll.GetOptions{ID: id})
	require.NoError(t, err)
	assert.Nil(t, stored.Txn, "the read must have finished the primary side of the incomplete transaction")
}
