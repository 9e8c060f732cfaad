package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Collection is a namespaced set of documents within a Store. It supports
// exactly the primitives spec.md assumes of the document store: point
// insert, point lookup by id or by an indexed field, a conditional
// single-document update, unconditional delete, and duplicate-key
// signaling on declared unique fields. Nothing here spans two
// Collections, by design.
type Collection struct {
	store *Store
	name  string

	mu      sync.RWMutex
	unique  map[string]bool // dotted path -> unique index maintained
	indexed map[string]bool // dotted path -> non-unique index maintained
}

// EnsureUniqueIndex declares that field must be unique across all
// documents in the collection. InsertOne and UpdateOne enforce it from
// this point forward; it does not retroactively validate existing data.
func (c *Collection) EnsureUniqueIndex(field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unique == nil {
		c.unique = map[string]bool{}
	}
	c.unique[field] = true
}

// EnsureIndex declares a non-unique secondary index on field, enabling
// Scan lookups by that field's value without a full collection scan.
func (c *Collection) EnsureIndex(field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexed == nil {
		c.indexed = map[string]bool{}
	}
	c.indexed[field] = true
}

func (c *Collection) indexFields() (unique, indexed []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for f := range c.unique {
		unique = append(unique, f)
	}
	for f := range c.indexed {
		indexed = append(indexed, f)
	}
	return
}

// InsertOne inserts doc under id. Fails with ErrInvalidID if id is empty,
// with a *DuplicateKeyError if id or any unique-indexed field value is
// already taken.
func (c *Collection) InsertOne(ctx context.Context, id string, doc Doc) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := c.store.checkOpen(); err != nil {
		return err
	}

	uniqueFields, indexedFields := c.indexFields()

	return c.store.db.Update(func(txn *badger.Txn) error {
		key := docKey(c.name, id)
		if _, err := txn.Get(key); err == nil {
			return &DuplicateKeyError{Collection: c.name, Field: "id", Value: id, OwnerID: id}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		for _, field := range uniqueFields {
			value, ok := getPath(doc, field)
			if !ok {
				continue
			}
			vs := formatValue(value)
			idxKey := uniqueIndexKey(c.name, field, vs)
			if item, err := txn.Get(idxKey); err == nil {
				var ownerID string
				_ = item.Value(func(val []byte) error {
					ownerID = string(val)
					return nil
				})
				return &DuplicateKeyError{Collection: c.name, Field: field, Value: value, OwnerID: ownerID}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
		}

		doc = withID(doc, id)

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("docstore: encoding document: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}

		for _, field := range uniqueFields {
			if value, ok := getPath(doc, field); ok {
				if err := txn.Set(uniqueIndexKey(c.name, field, formatValue(value)), []byte(id)); err != nil {
					return err
				}
			}
		}
		for _, field := range indexedFields {
			if value, ok := getPath(doc, field); ok {
				if err := txn.Set(multiIndexKey(c.name, field, formatValue(value), id), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// withID returns a shallow copy of doc with its top-level "id" field set to
// id, mirroring the key every document is stored under into its own
// content — the same convention a Mongo-style _id field follows — so a
// Filter can match on "id" like any other field.
func withID(doc Doc, id string) Doc {
	out := make(Doc, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

// FindOne resolves filter to a single document. The filter must pin an
// indexed field ("id", or any field registered via EnsureUniqueIndex) —
// ErrFilterEmpty otherwise, since this store does no unindexed scanning
// for point lookups.
func (c *Collection) FindOne(ctx context.Context, filter Filter) (Doc, error) {
	if err := c.store.checkOpen(); err != nil {
		return nil, err
	}

	id, err := c.resolveID(filter)
	if err != nil {
		return nil, err
	}

	var out Doc
	err = c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(c.name, id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var d Doc
			if err := json.Unmarshal(val, &d); err != nil {
				return err
			}
			if !filter.matches(d) {
				return ErrNotFound
			}
			out = d
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resolveID finds the document id a filter points at, via the id field
// itself or via a registered unique index.
func (c *Collection) resolveID(filter Filter) (string, error) {
	if v, ok := filter.Eq["id"]; ok {
		s, _ := v.(string)
		if s == "" {
			return "", ErrInvalidID
		}
		return s, nil
	}

	uniqueFields, _ := c.indexFields()
	for _, field := range uniqueFields {
		v, ok := filter.Eq[field]
		if !ok {
			continue
		}
		var id string
		err := c.store.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(uniqueIndexKey(c.name, field, formatValue(v)))
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				id = string(val)
				return nil
			})
		})
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", ErrFilterEmpty
}

// UpdateOne conditionally replaces the document at id with newDoc if cond
// matches the currently-stored document. Returns (false, nil) — not an
// error — when the document doesn't exist or cond doesn't match, mirroring
// a Mongo-style conditional findOneAndUpdate returning a zero match count.
func (c *Collection) UpdateOne(ctx context.Context, id string, cond Filter, newDoc Doc) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	if err := c.store.checkOpen(); err != nil {
		return false, err
	}

	uniqueFields, indexedFields := c.indexFields()

	matched := false
	err := c.store.db.Update(func(txn *badger.Txn) error {
		key := docKey(c.name, id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil // matched stays false
		}
		if err != nil {
			return err
		}

		var existing Doc
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return err
		}

		if !cond.matches(existing) {
			return nil
		}

		newDoc = withID(newDoc, id)

		for _, field := range uniqueFields {
			newVal, newOK := getPath(newDoc, field)
			oldVal, oldOK := getPath(existing, field)
			if oldOK && (!newOK || formatValue(oldVal) != formatValue(newVal)) {
				if err := txn.Delete(uniqueIndexKey(c.name, field, formatValue(oldVal))); err != nil {
					return err
				}
			}
			if newOK && (!oldOK || formatValue(oldVal) != formatValue(newVal)) {
				idxKey := uniqueIndexKey(c.name, field, formatValue(newVal))
				if item, err := txn.Get(idxKey); err == nil {
					var ownerID string
					_ = item.Value(func(val []byte) error {
						ownerID = string(val)
						return nil
					})
					if ownerID != id {
						return &DuplicateKeyError{Collection: c.name, Field: field, Value: newVal, OwnerID: ownerID}
					}
				} else if err != badger.ErrKeyNotFound {
					return err
				}
				if err := txn.Set(idxKey, []byte(id)); err != nil {
					return err
				}
			}
		}
		for _, field := range indexedFields {
			newVal, newOK := getPath(newDoc, field)
			oldVal, oldOK := getPath(existing, field)
			if oldOK && (!newOK || formatValue(oldVal) != formatValue(newVal)) {
				if err := txn.Delete(multiIndexKey(c.name, field, formatValue(oldVal), id)); err != nil {
					return err
				}
			}
			if newOK && (!oldOK || formatValue(oldVal) != formatValue(newVal)) {
				if err := txn.Set(multiIndexKey(c.name, field, formatValue(newVal), id), []byte{}); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(newDoc)
		if err != nil {
			return fmt.Errorf("docstore: encoding document: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		matched = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// DeleteOne removes the document at id, along with any index entries it
// owns. Returns (false, nil) if no document was present.
func (c *Collection) DeleteOne(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}
	if err := c.store.checkOpen(); err != nil {
		return false, err
	}

	uniqueFields, indexedFields := c.indexFields()

	existed := false
	err := c.store.db.Update(func(txn *badger.Txn) error {
		key := docKey(c.name, id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var existing Doc
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return err
		}

		for _, field := range uniqueFields {
			if v, ok := getPath(existing, field); ok {
				if err := txn.Delete(uniqueIndexKey(c.name, field, formatValue(v))); err != nil {
					return err
				}
			}
		}
		for _, field := range indexedFields {
			if v, ok := getPath(existing, field); ok {
				if err := txn.Delete(multiIndexKey(c.name, field, formatValue(v), id)); err != nil {
					return err
				}
			}
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		existed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// Scan iterates every document whose indexed field equals value, calling
// fn for each. Iteration stops early if fn returns false. Used for the
// recordId secondary index (proxy lookups), the _txn.id index (proxy
// rollback/complete) and the data.<field> indexes of the primary
// collection (lookups by unique value).
func (c *Collection) Scan(ctx context.Context, field, value string, fn func(Doc) bool) error {
	if err := c.store.checkOpen(); err != nil {
		return err
	}

	prefix := multiIndexPrefix(c.name, field, value)
	var ids []string
	err := c.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		doc, err := c.FindOne(ctx, NewFilter().WithEq("id", id))
		if err == ErrNotFound {
			continue // index stale; document already deleted
		}
		if err != nil {
			return err
		}
		if !fn(doc) {
			return nil
		}
	}
	return nil
}

// ScanAll iterates every document in the collection, primary-key order.
func (c *Collection) ScanAll(ctx context.Context, fn func(Doc) bool) error {
	if err := c.store.checkOpen(); err != nil {
		return err
	}
	prefix := docPrefix(c.name)
	return c.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var d Doc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			if !fn(d) {
				return nil
			}
		}
		return nil
	})
}
