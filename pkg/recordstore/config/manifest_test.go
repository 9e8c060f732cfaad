package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `
dataDir: ./data
collections:
  - name: accounts
    dataField: data
    uniqueFields: [email, username]
    maxRetryAttempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", m.DataDir)
	}
	if len(m.Collections) != 1 {
		t.Fatalf("len(Collections) = %d, want 1", len(m.Collections))
	}
	c := m.Collections[0]
	if c.Name != "accounts" || c.RetryAttempts() != 5 {
		t.Errorf("unexpected collection: %+v", c)
	}
	if len(c.UniqueFields) != 2 {
		t.Errorf("UniqueFields = %v, want 2 entries", c.UniqueFields)
	}
}

func TestLoadManifest_InvalidCollection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := `
dataDir: ./data
collections:
  - name: ""
    dataField: data
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected validation error for empty collection name")
	}
}

func TestLoadManifest_MissingFile(t *testing.T) {
	if _, err := LoadManifest("/nonexistent/manifest.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
