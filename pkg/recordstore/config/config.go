// Package config describes how a single records.Collection is laid out:
// its name, where the domain payload lives, where the optimistic-
// concurrency sequence lives, and which fields must be globally unique.
//
// This is deliberately narrow — validating the shape of `data` itself,
// permission checks, and event hooks belong to the outer account-module
// API, not here (spec.md §1 Out of Scope).
package config

import "fmt"

// Collection configures one primary collection and its proxy collections.
type Collection struct {
	// Name is both the primary collection's name and the prefix used to
	// derive each proxy collection's name ("<Name>-<field>").
	Name string

	// DataField is the payload key carried in each document (kept for
	// parity with spec.md §6; the records core itself only ever looks at
	// "data" and "meta" top-level keys of the stored envelope).
	DataField string

	// SequenceInData selects where the optimistic-concurrency sequence
	// number lives: data.sequence when true, meta.sequence when false.
	// Fixed per collection per spec.md §3.
	SequenceInData bool

	// UniqueFields lists payload fields that must be unique across every
	// record in the collection. Each spawns one proxy collection.
	UniqueFields []string

	// MaxRetryAttempts bounds the transaction processor's outer retry
	// loop (spec.md §9 Open Questions: "implementations SHOULD impose
	// one to guarantee liveness"). Zero means DefaultMaxRetryAttempts.
	MaxRetryAttempts int
}

// DefaultMaxRetryAttempts is used when Collection.MaxRetryAttempts is zero.
const DefaultMaxRetryAttempts = 8

// SequencePath returns the dotted path to the sequence field.
func (c Collection) SequencePath() string {
	if c.SequenceInData {
		return "data.sequence"
	}
	return "meta.sequence"
}

// ProxyName returns the name of the proxy collection backing field.
func (c Collection) ProxyName(field string) string {
	return fmt.Sprintf("%s-%s", c.Name, field)
}

// RetryAttempts returns the effective retry bound.
func (c Collection) RetryAttempts() int {
	if c.MaxRetryAttempts <= 0 {
		return DefaultMaxRetryAttempts
	}
	return c.MaxRetryAttempts
}

// Validate checks the configuration is internally consistent.
func (c Collection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("recordstore/config: collection name is required")
	}
	if c.DataField == "" {
		return fmt.Errorf("recordstore/config: dataField is required")
	}
	seen := make(map[string]bool, len(c.UniqueFields))
	for _, f := range c.UniqueFields {
		if f == "" {
			return fmt.Errorf("recordstore/config: empty unique field name")
		}
		if seen[f] {
			return fmt.Errorf("recordstore/config: duplicate unique field %q", f)
		}
		seen[f] = true
	}
	return nil
}
