package clustering

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
)

func cell(id uint32, layer int, eta, phi, energy float64) ntuple.Cell {
	return ntuple.Cell{
		ID: id, Layer: layer, Side: ntuple.SideOf(eta),
		Eta: eta, Phi: phi, Energy: energy, Pt: energy / math.Cosh(eta),
		Z: 320 + float64(layer),
	}
}

func TestDeltaPhi_Wraps(t *testing.T) {
	if got := DeltaPhi(math.Pi-0.01, -math.Pi+0.01); math.Abs(got+0.02) > 1e-9 {
		t.Errorf("expected -0.02, got %f", got)
	}
	if got := DeltaR(2.0, math.Pi-0.01, 2.0, -math.Pi+0.01); math.Abs(got-0.02) > 1e-9 {
		t.Errorf("expected 0.02, got %f", got)
	}
	assert.InDelta(t, math.Pi, WrapPhi(-math.Pi), 1e-12)
}

func TestIDAllocator(t *testing.T) {
	ids := NewIDAllocator(7)
	assert.Equal(t, uint32(7), ids.Next())
	assert.Equal(t, uint32(8), ids.Next())
}

func TestSpatialIndex_FewPhiBinsNoDuplicates(t *testing.T) {
	cells := []ntuple.Cell{cell(1, 1, 2.0, 0.1, 1), cell(2, 1, 2.1, 3.0, 1)}
	si := NewSpatialIndex(4.0)
	si.Build(cells)

	got := si.RegionQuery(cells, 0, 4.0)
	assert.ElementsMatch(t, []int{0, 1}, got)
}

func TestDBSCAN2D_EmptyInput(t *testing.T) {
	clusters := DBSCAN2D(nil, DefaultDBSCANParams())
	if clusters != nil {
		t.Errorf("expected nil for empty input, got %d clusters", len(clusters))
	}
}

func TestDBSCAN2D_GroupsAndNoise(t *testing.T) {
	cells := []ntuple.Cell{
		cell(1, 5, 2.5, -0.5, 1),
		cell(2, 5, 2.0, 0.1, 1),
		cell(3, 5, 1.7, 2.0, 9), // noise
		cell(4, 5, 2.02, 0.1, 2),
		cell(5, 5, 2.52, -0.5, 1),
		cell(6, 5, 2.0, 0.12, 1),
	}

	clusters := DBSCAN2D(cells, DBSCANParams{Eps: 0.05, MinPts: 2})
	require.Len(t, clusters, 2)

	first := clusters[0]
	assert.Equal(t, 3, first.NCells)
	assert.ElementsMatch(t, []uint32{2, 4, 6}, first.Cells)
	assert.InDelta(t, 4.0, first.Energy, 1e-12)
	assert.InDelta(t, 2.01, first.Eta, 1e-9)
	assert.Equal(t, 2.0, first.MaxCellEnergy)
	assert.Equal(t, 5, first.Layer)
	assert.Greater(t, first.SigmaEtaEta, 0.0)

	second := clusters[1]
	assert.ElementsMatch(t, []uint32{1, 5}, second.Cells)
	assert.InDelta(t, 2.51, second.Eta, 1e-9)
}

func TestDBSCAN2D_PhiWrapAround(t *testing.T) {
	cells := []ntuple.Cell{
		cell(1, 3, 2.0, math.Pi-0.01, 1),
		cell(2, 3, 2.0, -math.Pi+0.01, 1),
	}
	clusters := DBSCAN2D(cells, DBSCANParams{Eps: 0.05, MinPts: 2})
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].NCells)
	assert.Greater(t, math.Abs(clusters[0].Phi), 3.1)
	assert.Less(t, clusters[0].SigmaPhiPhi, 0.02)
}

func TestDBSCAN2D_Determinism(t *testing.T) {
	cells := []ntuple.Cell{
		cell(1, 5, 2.0, 0.1, 1), cell(2, 5, 2.02, 0.1, 2), cell(3, 5, 2.0, 0.12, 1),
		cell(4, 5, 2.5, -0.5, 1), cell(5, 5, 2.52, -0.5, 1),
	}
	want := DBSCAN2D(cells, DefaultDBSCANParams())

	reversed := make([]ntuple.Cell, len(cells))
	for i, c := range cells {
		reversed[len(cells)-1-i] = c
	}
	got := DBSCAN2D(reversed, DefaultDBSCANParams())
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i].Eta, got[i].Eta, 1e-12)
		assert.ElementsMatch(t, want[i].Cells, got[i].Cells)
	}
}

// Ten cells split 6/4 between the sides dispatch exactly two partitions and
// come back positive side first even when the positive worker finishes last.
func TestClusterer2D_Build_PartitionOrder(t *testing.T) {
	cells := []ntuple.Cell{
		cell(1, 1, -2.0, 0.1, 1),
		cell(2, 1, 2.0, 0.1, 1),
		cell(3, 1, 2.02, 0.1, 1),
		cell(4, 1, -2.02, 0.1, 1),
		cell(5, 1, 2.0, 0.12, 1),
		cell(6, 2, 2.0, 0.1, 1),
		cell(7, 1, -2.5, 1.0, 1),
		cell(8, 2, 2.02, 0.1, 1),
		cell(9, 1, -2.52, 1.0, 1),
		cell(10, 2, 2.0, 0.12, 1),
	}

	pool := parallel.NewPool(2)
	defer pool.Close()

	var mu sync.Mutex
	var finished []int
	c := NewClusterer2D(DBSCANParams{Eps: 0.05, MinPts: 2})
	c.beforePartition = func(side int) {
		if side > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		finished = append(finished, side)
		mu.Unlock()
	}

	clusters, err := c.Build(context.Background(), pool, cells, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), pool.Dispatched())
	assert.Equal(t, []int{-1, 1}, finished, "negative side finished first")

	require.Len(t, clusters, 4)
	sides := make([]int, len(clusters))
	layers := make([]int, len(clusters))
	for i, cl := range clusters {
		sides[i] = cl.Side
		layers[i] = cl.Layer
		assert.Equal(t, uint32(i+1), cl.ID)
	}
	assert.Equal(t, []int{1, 1, -1, -1}, sides)
	assert.Equal(t, []int{1, 2, 1, 1}, layers)
	assert.Less(t, clusters[2].Eta, clusters[3].Eta)
}

func TestClusterer2D_Build_Empty(t *testing.T) {
	pool := parallel.NewPool(2)
	defer pool.Close()

	clusters, err := NewClusterer2D(DefaultDBSCANParams()).Build(context.Background(), pool, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, clusters)
	assert.Empty(t, clusters)
	assert.Zero(t, pool.Dispatched())
}

func TestClusterer2D_Params(t *testing.T) {
	c := NewClusterer2D(DefaultDBSCANParams())
	if c.GetParams().Eps != DefaultDBSCANEps {
		t.Errorf("expected Eps=%f, got %f", DefaultDBSCANEps, c.GetParams().Eps)
	}
	c.SetParams(DBSCANParams{Eps: 0.1, MinPts: 3})
	if c.GetParams().MinPts != 3 {
		t.Errorf("expected MinPts=3, got %d", c.GetParams().MinPts)
	}
}

func TestAnnotateDefault(t *testing.T) {
	cells := []ntuple.Cell{cell(1, 1, 2, 0, 3), cell(2, 1, 2, 0, 7)}
	in := []ntuple.Cluster2D{{ID: 1, Cells: []uint32{1, 2}}, {ID: 2, Cells: []uint32{5}}}

	out := AnnotateDefault(in, cells)
	assert.Equal(t, 2, out[0].NCells)
	assert.Equal(t, 7.0, out[0].MaxCellEnergy)
	assert.Equal(t, 1, out[1].NCells)
	assert.Zero(t, in[0].NCells)
}

func TestRodMapping(t *testing.T) {
	mapping, err := ParseRodMapping(strings.NewReader("1 3 4\n2 3 4\n\n# comment\n3 5.0 6.0\n"))
	require.NoError(t, err)
	require.Len(t, mapping, 3)
	assert.Equal(t, ntuple.RodBin{X: 5, Y: 6}, mapping[3])

	cells := ApplyRodMapping([]ntuple.Cell{
		cell(1, 1, 2, 0, 2), cell(2, 1, 2, 0, 2), cell(3, 1, 2, 0, 4), cell(9, 1, 2, 0, 1),
	}, mapping)
	assert.True(t, cells[0].HasRod)
	assert.False(t, cells[3].HasRod)

	clusters := ComputeRodSharing([]ntuple.Cluster2D{{ID: 1, Cells: []uint32{1, 2, 3, 9}}}, cells)
	want := map[ntuple.RodBin]float64{{X: 3, Y: 4}: 0.5, {X: 5, Y: 6}: 0.5}
	if diff := cmp.Diff(want, clusters[0].RodSharing); diff != "" {
		t.Errorf("rod sharing mismatch (-want +got):\n%s", diff)
	}

	unmapped := ComputeRodSharing([]ntuple.Cluster2D{{ID: 1, Cells: []uint32{1}}}, []ntuple.Cell{cell(1, 1, 2, 0, 1)})
	assert.Nil(t, unmapped[0].RodSharing)

	_, err = ParseRodMapping(strings.NewReader("1 2\n"))
	assert.Error(t, err)
}

func layered2D() []ntuple.Cluster2D {
	return []ntuple.Cluster2D{
		{ID: 4, Layer: 3, Side: 1, Eta: 2.5, Phi: -1.0, Energy: 8, Pt: 2, Z: 323},
		{ID: 3, Layer: 30, Side: 1, Eta: 2.005, Phi: 0.5, Energy: 5, Pt: 1, Z: 360},
		{ID: 1, Layer: 1, Side: 1, Eta: 2.0, Phi: 0.5, Energy: 10, Pt: 3, Z: 320},
		{ID: 2, Layer: 3, Side: 1, Eta: 2.01, Phi: 0.505, Energy: 20, Pt: 6, Z: 322},
	}
}

func TestNearestNeighbour3D(t *testing.T) {
	clusters := NearestNeighbour3D(layered2D(), DefaultNNParams(), DefaultShapeParams())
	require.Len(t, clusters, 2)

	em := clusters[0]
	assert.Equal(t, []uint32{1, 2, 3}, em.Clusters)
	assert.Equal(t, 3, em.NClu)
	assert.InDelta(t, 35.0, em.Energy, 1e-12)
	assert.InDelta(t, 10.0, em.Pt, 1e-12)
	assert.Equal(t, 1, em.FirstLayer)
	assert.Equal(t, 30, em.ShowerLength)
	assert.Equal(t, 3, em.MaxLayer)
	assert.True(t, em.HasHoE)
	assert.InDelta(t, 5.0/30.0, em.HoE, 1e-12)
	assert.InDelta(t, 20.0/35.0, em.EMaxE, 1e-12)
	assert.Equal(t, 1, em.Quality)
	assert.Equal(t, 1, em.Side)
	assert.Greater(t, em.SigmaZZ, 0.0)

	single := clusters[1]
	assert.Equal(t, []uint32{4}, single.Clusters)
	assert.Equal(t, 0, single.Quality)
	assert.Equal(t, 0.0, single.HoE)
}

func TestNearestNeighbour3D_LayerWindow(t *testing.T) {
	params := NNParams{DR: 0.03, DRByLayer: []float64{0, 0, 0, 0.001}}
	assert.Equal(t, 0.001, params.Window(3))
	assert.Equal(t, 0.03, params.Window(1))
	assert.Equal(t, 0.03, params.Window(40))

	clusters := NearestNeighbour3D(layered2D(), params, DefaultShapeParams())
	// The layer-3 cluster no longer fits the narrowed window.
	assert.Len(t, clusters, 3)
}

func TestProjectiveTowers3D(t *testing.T) {
	clusters := ProjectiveTowers3D(layered2D(), DefaultTowerParams(), DefaultShapeParams())
	require.Len(t, clusters, 2)
	assert.Equal(t, []uint32{1, 2, 3}, clusters[0].Clusters)
	assert.Equal(t, []uint32{4}, clusters[1].Clusters)

	ieta, iphi, ok := DefaultTowerParams().Bin(2.0, 0.5)
	require.True(t, ok)
	assert.Equal(t, 6, ieta)
	assert.Equal(t, 41, iphi)

	_, _, ok = DefaultTowerParams().Bin(1.0, 0)
	assert.False(t, ok)
}

func TestBuilder3D_Build(t *testing.T) {
	in := layered2D()
	for _, c := range layered2D() {
		c.ID += 10
		c.Eta = -c.Eta
		c.Side = -1
		in = append(in, c)
	}

	pool := parallel.NewPool(2)
	defer pool.Close()

	for _, algo := range []string{Algorithm3DNN, Algorithm3DTowers} {
		t.Run(algo, func(t *testing.T) {
			b := NewBuilder3D(algo)
			b.beforePartition = func(side int) {
				if side > 0 {
					time.Sleep(30 * time.Millisecond)
				}
			}
			clusters, err := b.Build(context.Background(), pool, in, NewIDAllocator(100))
			require.NoError(t, err)
			require.Len(t, clusters, 4)
			assert.Equal(t, []int{1, 1, -1, -1}, []int{clusters[0].Side, clusters[1].Side, clusters[2].Side, clusters[3].Side})
			assert.Equal(t, uint32(100), clusters[0].ID)
			assert.Equal(t, uint32(103), clusters[3].ID)
			assert.Equal(t, []uint32{11, 12, 13}, clusters[2].Clusters)
		})
	}

	_, err := NewBuilder3D("bogus").Build(context.Background(), pool, in, nil)
	assert.Error(t, err)

	empty, err := NewBuilder3D(Algorithm3DNN).Build(context.Background(), pool, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func mergeInput() []ntuple.Cluster3D {
	return []ntuple.Cluster3D{
		{ID: 12, Eta: 2.6, Phi: 1.0, Pt: 5, Energy: 10, Clusters: []uint32{4}, NClu: 1, Quality: 1,
			HoE: 0.2, HasHoE: true, FirstLayer: 3, ShowerLength: 5},
		{ID: 11, Eta: 2.05, Phi: 0.02, Pt: 10, Energy: 20, Clusters: []uint32{3}, NClu: 1, Quality: 1,
			HoE: 0.1, HasHoE: true, FirstLayer: 5, ShowerLength: 10, EMaxE: 0.5},
		{ID: 10, Eta: 2.0, Phi: 0.0, Pt: 30, Energy: 60, Clusters: []uint32{2, 1}, NClu: 2, Quality: 1,
			HoE: 0.1, HasHoE: true, FirstLayer: 1, ShowerLength: 10, EMaxE: 0.5},
	}
}

func TestMerge3D(t *testing.T) {
	merged := Merge3D(mergeInput(), 0.1)
	require.Len(t, merged, 2)

	lead := merged[0]
	assert.Equal(t, uint32(10), lead.ID)
	assert.InDelta(t, 40.0, lead.Pt, 1e-12)
	assert.InDelta(t, 80.0, lead.Energy, 1e-12)
	assert.Equal(t, []uint32{1, 2, 3}, lead.Clusters)
	assert.Equal(t, 3, lead.NClu)
	assert.Equal(t, 1, lead.FirstLayer)
	assert.Equal(t, 14, lead.ShowerLength)
	assert.InDelta(t, 0.1, lead.HoE, 1e-9)
	assert.InDelta(t, 2.0125, lead.Eta, 1e-9)

	assert.Equal(t, uint32(12), merged[1].ID)
}

func TestMerge3D_Idempotent(t *testing.T) {
	once := Merge3D(mergeInput(), 0.1)
	twice := Merge3D(once, 0.1)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("merge not idempotent (-once +twice):\n%s", diff)
	}
}

func TestMerge3D_OrderIndependent(t *testing.T) {
	in := mergeInput()
	reversed := []ntuple.Cluster3D{in[2], in[1], in[0]}
	if diff := cmp.Diff(Merge3D(in, 0.1), Merge3D(reversed, 0.1)); diff != "" {
		t.Errorf("merge depends on input order:\n%s", diff)
	}
	assert.Nil(t, Merge3D(nil, 0.1))
}

func TestMerger_Build(t *testing.T) {
	in := mergeInput()
	in = append(in,
		ntuple.Cluster3D{ID: 20, Eta: -2.0, Phi: 0, Pt: 50, Energy: 90, Quality: 0},
		ntuple.Cluster3D{ID: 21, Eta: -2.2, Phi: 0, Pt: 15, Energy: 30, Quality: 1, Clusters: []uint32{9}, NClu: 1},
	)

	pool := parallel.NewPool(2)
	defer pool.Close()

	m := NewMerger(0.1)
	m.beforePartition = func(side int) {
		if side > 0 {
			time.Sleep(30 * time.Millisecond)
		}
	}
	out, err := m.Build(context.Background(), pool, in, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []uint32{10, 12, 21}, []uint32{out[0].ID, out[1].ID, out[2].ID})

	out, err = m.Build(context.Background(), pool, in, NewIDAllocator(500))
	require.NoError(t, err)
	assert.Equal(t, uint32(500), out[0].ID)
}

func TestComputeHoE(t *testing.T) {
	cl2d := []ntuple.Cluster2D{
		{ID: 1, Layer: 10, Energy: 10},
		{ID: 2, Layer: 40, Energy: 5},
		{ID: 3, Layer: 35, Energy: 2},
	}
	in := []ntuple.Cluster3D{
		{ID: 1, Clusters: []uint32{1, 2}},
		{ID: 2, Clusters: []uint32{3}},
		{ID: 3, Clusters: []uint32{99}},
		{ID: 4, Clusters: []uint32{1}, HoE: 0.3, HasHoE: true},
	}

	out := ComputeHoE(in, cl2d)
	assert.True(t, out[0].HasHoE)
	assert.InDelta(t, 0.5, out[0].HoE, 1e-12)
	assert.Equal(t, NoEMHoE, out[1].HoE)
	assert.False(t, out[2].HasHoE)
	assert.Equal(t, 0.3, out[3].HoE)
	assert.False(t, in[0].HasHoE)
}
