// Package recordstore is the public API of the records storage subsystem:
// a primary collection keyed by opaque id, one proxy collection per
// declared unique field, and a transaction processor that makes a write
// touching both look atomic. See pkg/recordstore/txn for the protocol and
// pkg/docstore for the storage primitives it's built on.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore/config"
	"github.com/orneryd/recordstore/pkg/recordstore/metrics"
	"github.com/orneryd/recordstore/pkg/recordstore/proxy"
	"github.com/orneryd/recordstore/pkg/recordstore/recordcoll"
	"github.com/orneryd/recordstore/pkg/recordstore/rserrors"
	"github.com/orneryd/recordstore/pkg/recordstore/txn"
)

var (
	metricsOnce sync.Once
	ambient     *metrics.Recorder
)

func ambientMetrics() *metrics.Recorder {
	metricsOnce.Do(func() {
		ambient = metrics.New(prometheus.DefaultRegisterer)
	})
	return ambient
}

// Record is a decoded primary record, ready to serialize to a caller.
type Record struct {
	Data json.RawMessage
	Meta json.RawMessage
}

// Query selects a single record either by id or by one declared unique
// field's value.
type Query struct {
	ID          string
	UniqueField string
	UniqueValue interface{}
}

// GetAllOptions paginates and filters a GetAll scan. Status matches
// against meta.status when non-empty; Limit <= 0 means unbounded.
type GetAllOptions struct {
	Limit  int
	Offset int
	Status string
}

// Update describes a conditional update. At least one of Data/Meta should
// be set; ExpectedSequence, when non-nil, enforces optimistic concurrency.
type Update struct {
	ID               string
	Data             json.RawMessage
	Meta             json.RawMessage
	ExpectedSequence *float64
}

// Collection is the public handle on one records collection: the primary
// collection plus one proxy collection per config.Collection.UniqueFields
// entry, coordinated by a transaction processor.
type Collection struct {
	cfg       config.Collection
	records   *recordcoll.Collection
	proxies   map[string]*proxy.Collection
	processor *txn.Processor
}

// New opens (or attaches to) the collection described by cfg within
// store, registering its proxy collections and wiring the transaction
// processor. Safe to call more than once for the same cfg.Name against
// the same store — indexes are declared idempotently.
func New(ctx context.Context, store *docstore.Store, cfg config.Collection) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	primary := store.Collection(cfg.Name)
	records := recordcoll.New(primary, cfg.SequenceInData, cfg.UniqueFields)

	proxies := make(map[string]*proxy.Collection, len(cfg.UniqueFields))
	for _, field := range cfg.UniqueFields {
		proxyColl := store.Collection(cfg.ProxyName(field))
		proxies[field] = proxy.New(proxyColl, field, cfg.DataField)
	}

	processor := txn.New(cfg, records, proxies, ambientMetrics())

	return &Collection{cfg: cfg, records: records, proxies: proxies, processor: processor}, nil
}

func decodeJSON(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("recordstore: decoding document: %w", err)
	}
	return m, nil
}

func encodeRecord(rec recordcoll.Record) (Record, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return Record{}, fmt.Errorf("recordstore: encoding data: %w", err)
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return Record{}, fmt.Errorf("recordstore: encoding meta: %w", err)
	}
	return Record{Data: data, Meta: meta}, nil
}

// Insert runs the insert transaction (spec.md §4.3.1) and returns the
// committed record.
func (c *Collection) Insert(ctx context.Context, data, meta json.RawMessage) (Record, error) {
	dataMap, err := decodeJSON(data)
	if err != nil {
		return Record{}, err
	}
	if dataMap == nil {
		dataMap = map[string]interface{}{}
	}
	metaMap, err := decodeJSON(meta)
	if err != nil {
		return Record{}, err
	}
	if metaMap == nil {
		metaMap = map[string]interface{}{}
	}

	rec, err := c.processor.Insert(ctx, dataMap, metaMap)
	if err != nil {
		return Record{}, err
	}
	return encodeRecord(rec)
}

// Get returns the single record matched by q. Any abandoned transaction
// encountered on the way (spec.md §4.3.5) is recovered before this
// returns, routing through the same transaction processor every write
// goes through.
func (c *Collection) Get(ctx context.Context, q Query) (Record, error) {
	rec, err := c.processor.Get(ctx, recordcoll.GetOptions{ID: q.ID, UniqueField: q.UniqueField, UniqueValue: q.UniqueValue})
	if err != nil {
		return Record{}, err
	}
	return encodeRecord(rec)
}

// Exists reports whether a record matching q is present.
func (c *Collection) Exists(ctx context.Context, q Query) (bool, error) {
	_, err := c.Get(ctx, q)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*rserrors.NotFoundError); ok {
		return false, nil
	}
	return false, err
}

// GetAll scans the collection, filtering by q (when any field is set) and
// opts.Status, then applies opts.Offset/opts.Limit.
func (c *Collection) GetAll(ctx context.Context, q Query, opts GetAllOptions) ([]Record, error) {
	var matched []recordcoll.Record
	err := c.records.ScanAll(ctx, func(rec recordcoll.Record) bool {
		if q.ID != "" {
			if id, _ := rec.Data["id"].(string); id != q.ID {
				return true
			}
		}
		if q.UniqueField != "" {
			if fmt.Sprintf("%v", rec.Data[q.UniqueField]) != fmt.Sprintf("%v", q.UniqueValue) {
				return true
			}
		}
		if opts.Status != "" {
			status, _ := rec.Meta["status"].(string)
			if status != opts.Status {
				return true
			}
		}
		matched = append(matched, rec)
		return true
	})
	if err != nil {
		return nil, err
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]Record, 0, len(matched))
	for _, rec := range matched {
		encoded, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// Update runs the update transaction (spec.md §4.3.2).
func (c *Collection) Update(ctx context.Context, u Update) (bool, error) {
	dataMap, err := decodeJSON(u.Data)
	if err != nil {
		return false, err
	}
	metaMap, err := decodeJSON(u.Meta)
	if err != nil {
		return false, err
	}
	return c.processor.Update(ctx, u.ID, dataMap, metaMap, u.ExpectedSequence)
}

// Delete runs the delete transaction.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	return c.processor.Delete(ctx, id)
}

// SetStatus merges {"status": status} into a record's meta without
// touching data or any unique field, still bumping its sequence number.
func (c *Collection) SetStatus(ctx context.Context, id, status string) (bool, error) {
	current, err := c.processor.Get(ctx, recordcoll.GetOptions{ID: id})
	if err != nil {
		return false, err
	}
	meta := make(map[string]interface{}, len(current.Meta)+1)
	for k, v := range current.Meta {
		meta[k] = v
	}
	meta["status"] = status
	return c.processor.Update(ctx, id, nil, meta, nil)
}

// Recover drives every abandoned transaction in the collection to a
// terminal state. Intended to run on a schedule (cmd/recordsctl's sweep
// command) rather than inline with request traffic.
func (c *Collection) Recover(ctx context.Context) (txn.Report, error) {
	return c.processor.Recover(ctx)
}
