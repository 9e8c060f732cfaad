package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk (YAML) description of every collection an
// operator wants a recordsctl invocation to know about. It is plumbing
// for cmd/recordsctl, not part of the records core itself — the core
// never reads a file.
type Manifest struct {
	DataDir     string       `yaml:"dataDir"`
	Collections []Collection `yaml:"collections"`
}

// collectionYAML mirrors Collection with yaml tags; Collection itself
// stays free of struct tags since it's a plain Go API type used directly
// by library callers too.
type collectionYAML struct {
	Name             string   `yaml:"name"`
	DataField        string   `yaml:"dataField"`
	SequenceInData   bool     `yaml:"sequenceInData"`
	UniqueFields     []string `yaml:"uniqueFields"`
	MaxRetryAttempts int      `yaml:"maxRetryAttempts"`
}

type manifestYAML struct {
	DataDir     string            `yaml:"dataDir"`
	Collections []collectionYAML  `yaml:"collections"`
}

// LoadManifest reads and parses a collections manifest from path.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("recordstore/config: reading manifest: %w", err)
	}

	var parsed manifestYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Manifest{}, fmt.Errorf("recordstore/config: parsing manifest: %w", err)
	}

	m := Manifest{DataDir: parsed.DataDir}
	for _, c := range parsed.Collections {
		coll := Collection{
			Name:             c.Name,
			DataField:        c.DataField,
			SequenceInData:   c.SequenceInData,
			UniqueFields:     c.UniqueFields,
			MaxRetryAttempts: c.MaxRetryAttempts,
		}
		if err := coll.Validate(); err != nil {
			return Manifest{}, fmt.Errorf("recordstore/config: collection %q: %w", c.Name, err)
		}
		m.Collections = append(m.Collections, coll)
	}
	return m, nil
}
