package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ntuple-tools/internal/analysis"
	"github.com/banshee-data/ntuple-tools/internal/config"
	"github.com/banshee-data/ntuple-tools/internal/monitoring"
	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/selection"
	"github.com/banshee-data/ntuple-tools/internal/storage/sqlite"
	"github.com/banshee-data/ntuple-tools/internal/testutil"
)

const testBDT = `{
  "features": ["pt", "eta", "maxlayer", "hoe", "emaxe", "szz"],
  "trees": [{"weight": 1, "nodes": [
    {"feature": 0, "cut": 20, "left": 1, "right": 2},
    {"leaf": true, "value": -0.5},
    {"leaf": true, "value": 0.5}
  ]}]
}`

const testCalib = `[{"eta_l": 1.5, "eta_h": 3.0, "pt_l": 0, "pt_h": 100, "calib": 0.8}]`

func testEvent(entry int, pt float64) ntuple.Event {
	return ntuple.Event{
		Entry: entry, Run: 1, Lumi: 1, Event: uint64(entry + 1),
		Cells: []ntuple.Cell{
			{ID: 1, Layer: 3, Side: 1, Eta: 2.0, Phi: 0.5, Energy: 5, Pt: 1.2},
			{ID: 2, Layer: 3, Side: 1, Eta: 2.01, Phi: 0.51, Energy: 4, Pt: 1.0},
		},
		Clusters2D: []ntuple.Cluster2D{
			{ID: 10, Layer: 3, Side: 1, Eta: 2.0, Phi: 0.5, Energy: 9, Pt: 2.2, Cells: []uint32{1, 2}},
		},
		Clusters3D: []ntuple.Cluster3D{
			{ID: 20, Side: 1, Eta: 2.0, Phi: 0.5, Pt: pt, Energy: 9, Clusters: []uint32{10}, Quality: 1},
		},
		GenParticles: []ntuple.GenParticle{{Eta: 2.0, Phi: 0.5, Pt: pt, PID: 11, ReachedEE: 2}},
		EGamma:       []ntuple.EGamma{{Eta: 2.0, Phi: 0.5, Pt: pt, Energy: 9, HwQual: 5}},
	}
}

// writeFixture lays out a complete analysis directory and returns the
// configuration path.
func writeFixture(t *testing.T, store bool) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteEvents(t, dir, "in/ele/events.jsonl", []ntuple.Event{
		testEvent(0, 15), testEvent(1, 30), testEvent(2, 45), testEvent(3, 60),
	})
	testutil.WriteEvents(t, dir, "in/pho/events.jsonl", []ntuple.Event{
		testEvent(0, 22), testEvent(1, 35), testEvent(2, 50),
	})
	bdt := testutil.WriteFile(t, dir, "bdt.json", []byte(testBDT))
	calib := testutil.WriteFile(t, dir, "calib.json", []byte(testCalib))

	cfg := map[string]interface{}{
		"common": map[string]interface{}{
			"input_dir":      filepath.Join(dir, "in"),
			"output_dir":     filepath.Join(dir, "out"),
			"plot_version":   "v1",
			"run_clustering": true,
		},
		"calibration_file": calib,
		"bdt_weights_file": bdt,
		"events_per_job":   3,
		"samples": map[string]interface{}{
			"ele": map[string]interface{}{"input_sample_dir": "ele", "events_per_job": 2},
			"pho": map[string]interface{}{"input_sample_dir": "pho"},
		},
		"collections": map[string]interface{}{
			"electrons": map[string]interface{}{"samples": []string{"ele"}, "plotters": []string{"tp", "gen"}},
			"egamma":    map[string]interface{}{"samples": []string{"ele", "pho"}, "plotters": []string{"eg"}},
		},
	}
	if store {
		cfg["store"] = filepath.Join(dir, "results.db")
	}
	return testutil.WriteYAML(t, dir, "analysis.yaml", cfg)
}

func TestRunSamples_Interactive(t *testing.T) {
	path := writeFixture(t, false)

	res, err := runSamples(context.Background(), runOptions{configPath: path, sample: "ele", batchIdx: config.Interactive})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 0, res.Failed)

	out := filepath.Join(filepath.Dir(path), "out", "histos_ele_v1i.yoda")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DEF_allPt20_pt")
	assert.Contains(t, string(data), "GEN_Ele_pt")
	assert.NotContains(t, string(data), "TT_all_HoE")
}

func TestRunSamples_BatchAndOverrides(t *testing.T) {
	path := writeFixture(t, true)

	o := runOptions{
		configPath: path, sample: "ele", batchIdx: 1,
		workers: 1, workersSet: true,
	}
	res, err := runSamples(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	_, err = os.Stat(filepath.Join(filepath.Dir(path), "out", "histos_ele_v1_1.yoda"))
	require.NoError(t, err)

	store, err := sqlite.Open(filepath.Join(filepath.Dir(path), "results.db"))
	require.NoError(t, err)
	defer store.Close()
	run, err := store.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, run.FirstEntry)
	assert.Equal(t, 4, run.LastEntry)
	assert.Equal(t, sqlite.StatusComplete, run.Status)

	o.batchIdx = config.Interactive
	o.maxEvents, o.maxEventsSet = 1, true
	res, err = runSamples(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestRunSamples_ConfigurationErrors(t *testing.T) {
	path := writeFixture(t, false)

	_, err := runSamples(context.Background(), runOptions{configPath: path, sample: "nope", batchIdx: -1})
	assert.ErrorIs(t, err, config.ErrConfiguration)

	_, err = runSamples(context.Background(), runOptions{configPath: path, sample: "ele", batchIdx: -1, workers: 0, workersSet: true})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestRunSamples_Collection(t *testing.T) {
	path := writeFixture(t, true)
	dir := filepath.Dir(path)

	res, err := runSamples(context.Background(), runOptions{
		configPath: path, sample: "all", collection: "egamma", batchIdx: config.Interactive,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Processed)
	assert.Equal(t, 0, res.Failed)

	for _, sample := range []string{"ele", "pho"} {
		data, err := os.ReadFile(filepath.Join(dir, "out", "histos_"+sample+"_v1i.yoda"))
		require.NoError(t, err, sample)
		assert.Contains(t, string(data), "EG_EGq5Pt20_pt")
		assert.NotContains(t, string(data), "DEF_allPt20_pt")
	}

	store, err := sqlite.Open(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	defer store.Close()
	run, err := store.GetRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.LastEntry)

	// ele keeps its own events_per_job; pho takes the top-level default.
	res, err = runSamples(context.Background(), runOptions{
		configPath: path, sample: "all", collection: "egamma", batchIdx: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
}

func TestSelectSamples(t *testing.T) {
	cfg, err := config.Load(writeFixture(t, false))
	require.NoError(t, err)

	got, err := selectSamples(cfg, runOptions{sample: "all", collection: "egamma"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ele", "pho"}, got)

	got, err = selectSamples(cfg, runOptions{sample: "pho", collection: "egamma"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pho"}, got)

	got, err = selectSamples(cfg, runOptions{sample: "pho"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pho"}, got)

	for _, o := range []runOptions{
		{sample: "all"},
		{sample: "pho", collection: "electrons"},
		{sample: "all", collection: "missing"},
		{sample: "missing"},
	} {
		_, err := selectSamples(cfg, o)
		assert.ErrorIs(t, err, config.ErrConfiguration, "%+v", o)
	}
}

func TestConfigureLogger(t *testing.T) {
	saved := logger
	defer func() {
		logger = saved
		monitoring.SetZapLogger(nil)
	}()

	cfg := &config.Config{Debug: 2}
	require.NoError(t, configureLogger(cfg, runOptions{}))
	assert.True(t, monitoring.Logger().Core().Enabled(zapcore.DebugLevel))

	monitoring.SetZapLogger(nil)
	require.NoError(t, configureLogger(cfg, runOptions{debugSet: true}))
	assert.False(t, monitoring.Logger().Core().Enabled(zapcore.DebugLevel))
}

func TestPlotterGroups(t *testing.T) {
	cfg := &config.Config{Collections: map[string]config.CollectionConfig{
		"b": {Samples: []string{"ele", "pho"}, Plotters: []string{"gen", "tp"}},
		"a": {Samples: []string{"ele"}, Plotters: []string{"tp"}},
		"c": {Samples: []string{"pion"}, Plotters: []string{"tt"}},
		"d": {Samples: []string{"pion"}},
	}}
	assert.Equal(t, []string{"tp", "gen"}, plotterGroups(cfg, "ele", ""))
	assert.Equal(t, []string{"gen", "tp"}, plotterGroups(cfg, "pho", ""))
	assert.Equal(t, analysis.DefaultGroups, plotterGroups(cfg, "other", ""))
	assert.Equal(t, []string{"tp"}, plotterGroups(cfg, "ele", "a"))
	assert.Equal(t, analysis.DefaultGroups, plotterGroups(cfg, "pion", "d"))

	_, err := buildPlotters([]string{"tp", "bogus"})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestWriteSelections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSelections(&buf, selection.NewCatalogue(), []string{"tp_id", "gen_ee"}))

	var got map[string][]selectionEntry
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	require.Len(t, got["tp_id"], 3)
	assert.Equal(t, selectionEntry{Name: "Em", Label: "EGId", Expr: "quality > 0"}, got["tp_id"][1])
	assert.Equal(t, "reachedEE == 2", got["gen_ee"][0].Expr)

	assert.Error(t, writeSelections(&buf, selection.NewCatalogue(), []string{"missing"}))
}

func TestStorePath(t *testing.T) {
	p, err := storePath("x.db", "")
	require.NoError(t, err)
	assert.Equal(t, "x.db", p)

	_, err = storePath("", "")
	assert.Error(t, err)

	_, err = storePath("", writeFixture(t, false))
	assert.ErrorIs(t, err, config.ErrConfiguration)
}
