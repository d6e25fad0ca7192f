package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

func TestWriteFile_CreatesParents(t *testing.T) {
	path := WriteFile(t, t.TempDir(), "a/b/c.txt", []byte("hello"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteYAML(t *testing.T) {
	path := WriteYAML(t, t.TempDir(), "cfg.yaml", map[string]int{"workers": 3})
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, 3, got["workers"])
}

func TestWriteEvents(t *testing.T) {
	path := WriteEvents(t, t.TempDir(), "in/events.jsonl", []ntuple.Event{{Run: 1, Event: 7}, {Run: 1, Event: 8}})

	src, err := ntuple.NewJSONLSource(path)
	require.NoError(t, err)
	defer src.Close()
	require.Equal(t, 2, src.NEvents())

	ev, err := src.Event(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), ev.Event)
}
