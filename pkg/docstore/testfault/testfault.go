// Package testfault wraps a *docstore.Collection so a test can simulate a
// writer that dies partway through a multi-step protocol: after KillAfter
// write calls land, every subsequent InsertOne/UpdateOne/DeleteOne returns
// ErrKilled instead of touching the store, leaving exactly the on-disk
// state a real crash at that point would leave. Read calls (FindOne, Scan,
// ScanAll) always pass through, since a dead writer can't un-read anything.
package testfault

import (
	"context"
	"errors"
	"sync"

	"github.com/orneryd/recordstore/pkg/docstore"
)

// ErrKilled is returned by a write call once the configured step budget is
// exhausted.
var ErrKilled = errors.New("testfault: writer killed before this step")

// Collection counts write calls against an underlying collection and kills
// the writer after a configurable number of them.
type Collection struct {
	inner *docstore.Collection

	mu        sync.Mutex
	calls     int
	killAfter int // 0 means unlimited
}

// Wrap returns a Collection counting writes against inner. Unlimited by
// default; call KillAfter to arm it.
func Wrap(inner *docstore.Collection) *Collection {
	return &Collection{inner: inner}
}

// KillAfter arms the wrapper to let the first n write calls through and
// fail every one after that with ErrKilled. n <= 0 disables killing.
func (c *Collection) KillAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killAfter = n
	c.calls = 0
}

// Calls reports how many write calls have been attempted so far.
func (c *Collection) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Underlying returns the real collection, for inspecting the state a killed
// writer left behind.
func (c *Collection) Underlying() *docstore.Collection {
	return c.inner
}

func (c *Collection) step() error {
	c.mu.Lock()
	c.calls++
	n, k := c.calls, c.killAfter
	c.mu.Unlock()
	if k > 0 && n > k {
		return ErrKilled
	}
	return nil
}

func (c *Collection) InsertOne(ctx context.Context, id string, doc docstore.Doc) error {
	if err := c.step(); err != nil {
		return err
	}
	return c.inner.InsertOne(ctx, id, doc)
}

func (c *Collection) UpdateOne(ctx context.Context, id string, cond docstore.Filter, newDoc docstore.Doc) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	return c.inner.UpdateOne(ctx, id, cond, newDoc)
}

func (c *Collection) DeleteOne(ctx context.Context, id string) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	return c.inner.DeleteOne(ctx, id)
}

func (c *Collection) FindOne(ctx context.Context, filter docstore.Filter) (docstore.Doc, error) {
	return c.inner.FindOne(ctx, filter)
}

func (c *Collection) Scan(ctx context.Context, field, value string, fn func(docstore.Doc) bool) error {
	return c.inner.Scan(ctx, field, value, fn)
}

func (c *Collection) ScanAll(ctx context.Context, fn func(docstore.Doc) bool) error {
	return c.inner.ScanAll(ctx, fn)
}

func (c *Collection) EnsureIndex(field string) {
	c.inner.EnsureIndex(field)
}

func (c *Collection) EnsureUniqueIndex(field string) {
	c.inner.EnsureUniqueIndex(field)
}
