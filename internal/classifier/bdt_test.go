package classifier

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

func loadTestModel(t *testing.T) *BDT {
	t.Helper()
	bdt, err := Load(filepath.Join("testdata", "egid_bdt.json"))
	require.NoError(t, err)
	return bdt
}

func TestEvaluate_ReferenceScore(t *testing.T) {
	bdt := loadTestModel(t)

	// tree 1: pt >= 20, hoe < 0.1 → 0.8 * 0.5
	// tree 2: emaxe < 0.5 → 0.2 * 0.3
	got, err := bdt.Evaluate([NumFeatures]float64{30.0, 1.8, 12, 0.05, 0.4, 0.002})
	require.NoError(t, err)
	assert.InDelta(t, 0.1+0.4+0.06, got, 1e-12)

	got, err = bdt.Evaluate([NumFeatures]float64{10.0, 1.8, 12, 0.05, 0.7, 0.002})
	require.NoError(t, err)
	assert.InDelta(t, 0.1-0.5+0.18, got, 1e-12)
}

func TestEvaluate_AdaBoost(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "egid_bdt.json"))
	require.NoError(t, err)
	bdt, err := Parse([]byte(strings.Replace(string(data), `"gradient"`, `"adaboost"`, 1)))
	require.NoError(t, err)

	got, err := bdt.Evaluate([NumFeatures]float64{30.0, 1.8, 12, 0.05, 0.4, 0.002})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-12)

	got, err = bdt.Evaluate([NumFeatures]float64{10.0, 1.8, 12, 0.05, 0.4, 0.002})
	require.NoError(t, err)
	assert.InDelta(t, (-0.5+0.3)/0.8, got, 1e-12)
}

func TestEvaluate_MissingFeature(t *testing.T) {
	bdt := loadTestModel(t)

	_, err := bdt.Evaluate([NumFeatures]float64{30, 1.8, 12, math.NaN(), 0.4, 0.002})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFeatureMissing))

	var fme *FeatureMissingError
	require.True(t, errors.As(err, &fme))
	assert.Equal(t, "hoe", fme.Feature)
	assert.Equal(t, -1, fme.Index)

	_, err = bdt.Evaluate([NumFeatures]float64{math.Inf(1), 1.8, 12, 0.1, 0.4, 0.002})
	assert.True(t, errors.Is(err, ErrFeatureMissing))
}

func TestEvaluateClusters(t *testing.T) {
	bdt := loadTestModel(t)
	clusters := []ntuple.Cluster3D{
		{ID: 7, Pt: 30, Eta: 1.8, MaxLayer: 12, HoE: 0.05, HasHoE: true, EMaxE: 0.4, SigmaZZ: 0.002},
		{ID: 8, Pt: 10, Eta: 1.8, MaxLayer: 12, HoE: 0.05, HasHoE: true, EMaxE: 0.7, SigmaZZ: 0.002},
	}

	scores, err := bdt.EvaluateClusters(clusters)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.56, -0.22}, scores, 1e-12)

	annotated, err := bdt.Annotate(clusters)
	require.NoError(t, err)
	assert.InDelta(t, 0.56, annotated[0].BDTOut, 1e-12)
	assert.Zero(t, clusters[0].BDTOut, "input is not modified")

	// A cluster without H/E fails the whole batch.
	clusters = append(clusters, ntuple.Cluster3D{ID: 9, Pt: 30})
	_, err = bdt.EvaluateClusters(clusters)
	var fme *FeatureMissingError
	require.True(t, errors.As(err, &fme))
	assert.Equal(t, 2, fme.Index)
	assert.Equal(t, uint32(9), fme.ClusterID)
	assert.Equal(t, "hoe", fme.Feature)

	_, err = bdt.Annotate(clusters)
	assert.True(t, errors.Is(err, ErrFeatureMissing))
}

func TestFeatures(t *testing.T) {
	x := Features(ntuple.Cluster3D{Pt: 1, Eta: 2, MaxLayer: 3, HoE: 4, HasHoE: true, EMaxE: 5, SigmaZZ: 6})
	assert.Equal(t, [NumFeatures]float64{1, 2, 3, 4, 5, 6}, x)
}

func TestParse_Invalid(t *testing.T) {
	features := `"features": ["pt", "eta", "maxlayer", "hoe", "emaxe", "szz"]`
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{`},
		{"wrong features", `{"features": ["eta"], "trees": [{"weight": 1, "nodes": [{"leaf": true}]}]}`},
		{"feature order", `{"features": ["eta", "pt", "maxlayer", "hoe", "emaxe", "szz"], "trees": [{"weight": 1, "nodes": [{"leaf": true}]}]}`},
		{"no trees", `{` + features + `, "trees": []}`},
		{"empty tree", `{` + features + `, "trees": [{"weight": 1, "nodes": []}]}`},
		{"unknown boost", `{` + features + `, "boost": "xgb", "trees": [{"weight": 1, "nodes": [{"leaf": true}]}]}`},
		{"child out of range", `{` + features + `, "trees": [{"weight": 1, "nodes": [{"feature": 0, "cut": 1, "left": 1, "right": 5}, {"leaf": true}]}]}`},
		{"cycle", `{` + features + `, "trees": [{"weight": 1, "nodes": [{"feature": 0, "cut": 1, "left": 0, "right": 1}, {"leaf": true}]}]}`},
		{"feature out of range", `{` + features + `, "trees": [{"weight": 1, "nodes": [{"feature": 6, "cut": 1, "left": 1, "right": 2}, {"leaf": true}, {"leaf": true}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			assert.True(t, errors.Is(err, ErrInvalidModel), "got %v", err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
