package histos

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_BookAndFill(t *testing.T) {
	m := NewManager()
	_, err := m.Book("h_pt", "pt", 10, 0, 100)
	require.NoError(t, err)
	_, err = m.Book("h_eta", "", 20, -3, 3)
	require.NoError(t, err)

	require.NoError(t, m.Fill("h_pt", 25, 1))
	require.NoError(t, m.Fill("h_pt", 35, 2))

	h, ok := m.Get("h_pt")
	require.True(t, ok)
	assert.Equal(t, int64(2), h.Entries())
	assert.InDelta(t, 3.0, h.SumW(), 1e-12)
	assert.Equal(t, []string{"h_pt", "h_eta"}, m.Names())
	assert.Equal(t, 2, m.Len())

	err = m.Fill("nope", 1, 1)
	assert.True(t, errors.Is(err, ErrUnknownHistogram))
	_, ok = m.Get("nope")
	assert.False(t, ok)
}

func TestManager_Rebook(t *testing.T) {
	m := NewManager()
	h1, err := m.Book("h", "", 10, 0, 1)
	require.NoError(t, err)
	h2, err := m.Book("h", "", 10, 0, 1)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	_, err = m.Book("h", "", 5, 0, 1)
	assert.True(t, errors.Is(err, ErrDuplicateHistogram))

	_, err = m.Book("bad", "", 0, 0, 1)
	assert.Error(t, err)
	_, err = m.Book("bad", "", 10, 1, 1)
	assert.Error(t, err)
}

func TestManager_ConcurrentFill(t *testing.T) {
	m := NewManager()
	_, err := m.Book("h", "", 10, 0, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Fill("h", 5, 1)
			}
		}()
	}
	wg.Wait()

	h, _ := m.Get("h")
	assert.Equal(t, int64(800), h.Entries())
}

func TestManager_WriteYODA(t *testing.T) {
	m := NewManager()
	_, err := m.Book("DEF_all_pt", "pt", 10, 0, 100)
	require.NoError(t, err)
	_, err = m.Book("GEN_Ele_eta", "eta", 10, -3, 3)
	require.NoError(t, err)
	require.NoError(t, m.Fill("DEF_all_pt", 12, 1))

	var buf bytes.Buffer
	require.NoError(t, m.WriteYODA(&buf))
	out := buf.String()
	assert.Contains(t, out, "DEF_all_pt")
	assert.Contains(t, out, "GEN_Ele_eta")
	assert.Less(t, strings.Index(out, "DEF_all_pt"), strings.Index(out, "GEN_Ele_eta"))

	path := filepath.Join(t.TempDir(), "plots", "histos_test_v1.yoda")
	require.NoError(t, m.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, out, string(data))
}
