package recordcoll

import (
	"context"

	"github.com/orneryd/recordstore/pkg/docstore"
)

// ScanAll calls fn for every non-pending record in the collection,
// primary-key order. Records still mid-insert (_pending) are skipped —
// callers that need to see them use ScanPending instead.
func (c *Collection) ScanAll(ctx context.Context, fn func(Record) bool) error {
	return c.store.ScanAll(ctx, func(d docstore.Doc) bool {
		rec := decode(d)
		if rec.Pending {
			return true
		}
		return fn(rec)
	})
}
