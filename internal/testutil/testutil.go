// Package testutil provides shared test fixtures.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// WriteFile writes data to dir/name, creating parent directories, and
// returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// WriteYAML encodes v as YAML into dir/name.
func WriteYAML(t testing.TB, dir, name string, v interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", name, err)
	}
	return WriteFile(t, dir, name, data)
}

// WriteEvents writes events as JSON lines into dir/name.
func WriteEvents(t testing.TB, dir, name string, events []ntuple.Event) string {
	t.Helper()
	path := WriteFile(t, dir, name, nil)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := ntuple.WriteJSONL(f, events); err != nil {
		t.Fatalf("failed to write events: %v", err)
	}
	return path
}
