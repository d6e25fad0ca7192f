package clustering

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
)

// 3D clustering algorithms.
const (
	Algorithm3DNN     = "nn"
	Algorithm3DTowers = "towers"
)

// Defaults for 3D clustering.
const (
	DefaultNNDR            = 0.03
	DefaultMinClusters     = 2
	DefaultMinShowerLength = 2
	DefaultTowerEtaMin     = 1.479
	DefaultTowerEtaMax     = 3.0
	DefaultTowerNEta       = 18
	DefaultTowerNPhi       = 72
)

// NNParams configures nearest-neighbour linking across layers.
type NNParams struct {
	// DR is the (eta, phi) search window.
	DR float64
	// DRByLayer overrides DR per layer index where positive.
	DRByLayer []float64
}

// DefaultNNParams returns a constant window of DefaultNNDR.
func DefaultNNParams() NNParams {
	return NNParams{DR: DefaultNNDR}
}

// Window returns the search window for layer.
func (p NNParams) Window(layer int) float64 {
	if layer >= 0 && layer < len(p.DRByLayer) && p.DRByLayer[layer] > 0 {
		return p.DRByLayer[layer]
	}
	return p.DR
}

// TowerParams defines the fixed projective tower grid in (|eta|, phi).
type TowerParams struct {
	EtaMin, EtaMax float64
	NEta, NPhi     int
}

// DefaultTowerParams returns the default tower grid.
func DefaultTowerParams() TowerParams {
	return TowerParams{
		EtaMin: DefaultTowerEtaMin,
		EtaMax: DefaultTowerEtaMax,
		NEta:   DefaultTowerNEta,
		NPhi:   DefaultTowerNPhi,
	}
}

// Bin returns the tower indices for a position. Positions outside the
// |eta| range are not binned.
func (p TowerParams) Bin(eta, phi float64) (ieta, iphi int, ok bool) {
	a := math.Abs(eta)
	if p.NEta <= 0 || p.NPhi <= 0 || a < p.EtaMin || a >= p.EtaMax {
		return 0, 0, false
	}
	ieta = int((a - p.EtaMin) / ((p.EtaMax - p.EtaMin) / float64(p.NEta)))
	if ieta >= p.NEta {
		ieta = p.NEta - 1
	}
	iphi = int(math.Floor((WrapPhi(phi) + math.Pi) / (2 * math.Pi / float64(p.NPhi))))
	iphi %= p.NPhi
	return ieta, iphi, true
}

// ShapeParams holds the quality cuts applied to built 3D clusters.
type ShapeParams struct {
	MinClusters     int
	MinShowerLength int
}

// DefaultShapeParams returns the default quality cuts.
func DefaultShapeParams() ShapeParams {
	return ShapeParams{
		MinClusters:     DefaultMinClusters,
		MinShowerLength: DefaultMinShowerLength,
	}
}

// SplitSides separates 2D clusters by the sign of eta. Clusters at exactly
// eta = 0 belong to neither side.
func SplitSides(clusters []ntuple.Cluster2D) (pos, neg []ntuple.Cluster2D) {
	for _, c := range clusters {
		switch {
		case c.Eta > 0:
			pos = append(pos, c)
		case c.Eta < 0:
			neg = append(neg, c)
		}
	}
	return pos, neg
}

// NearestNeighbour3D links the 2D clusters of one side across layers.
// Clusters are visited by ascending layer, then descending pt; each joins
// the nearest 3D cluster whose seed lies within the layer's window, or
// seeds a new one. IDs are left unset.
func NearestNeighbour3D(side []ntuple.Cluster2D, params NNParams, shape ShapeParams) []ntuple.Cluster3D {
	if len(side) == 0 {
		return nil
	}

	order := make([]int, len(side))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := side[order[a]], side[order[b]]
		if ca.Layer != cb.Layer {
			return ca.Layer < cb.Layer
		}
		if ca.Pt != cb.Pt {
			return ca.Pt > cb.Pt
		}
		return ca.ID < cb.ID
	})

	type seed struct {
		eta, phi float64
		members  []ntuple.Cluster2D
	}
	var seeds []*seed
	for _, idx := range order {
		c := side[idx]
		window := params.Window(c.Layer)
		best, bestDR := -1, math.Inf(1)
		for s, sd := range seeds {
			dr := DeltaR(sd.eta, sd.phi, c.Eta, c.Phi)
			if dr <= window && dr < bestDR {
				best, bestDR = s, dr
			}
		}
		if best < 0 {
			seeds = append(seeds, &seed{eta: c.Eta, phi: c.Phi, members: []ntuple.Cluster2D{c}})
			continue
		}
		seeds[best].members = append(seeds[best].members, c)
	}

	out := make([]ntuple.Cluster3D, 0, len(seeds))
	for _, sd := range seeds {
		out = append(out, build3D(sd.members, shape))
	}
	return out
}

// ProjectiveTowers3D sums the 2D clusters of one side that fall into the
// same tower. Output is ordered by (ieta, iphi); IDs are left unset.
func ProjectiveTowers3D(side []ntuple.Cluster2D, params TowerParams, shape ShapeParams) []ntuple.Cluster3D {
	if len(side) == 0 {
		return nil
	}

	groups := make(map[[2]int][]ntuple.Cluster2D)
	for _, c := range side {
		ieta, iphi, ok := params.Bin(c.Eta, c.Phi)
		if !ok {
			continue
		}
		key := [2]int{ieta, iphi}
		groups[key] = append(groups[key], c)
	}

	keys := make([][2]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	out := make([]ntuple.Cluster3D, 0, len(keys))
	for _, k := range keys {
		out = append(out, build3D(groups[k], shape))
	}
	return out
}

// build3D aggregates 2D clusters into a 3D cluster and computes its shower
// shape and quality bit.
func build3D(cs []ntuple.Cluster2D, shape ShapeParams) ntuple.Cluster3D {
	n := len(cs)
	etas := make([]float64, n)
	phis := make([]float64, n)
	zs := make([]float64, n)
	w := make([]float64, n)

	cl := ntuple.Cluster3D{
		Side:     cs[0].Side,
		Clusters: make([]uint32, n),
		NClu:     n,
	}
	if cl.Side == 0 {
		cl.Side = ntuple.SideOf(cs[0].Eta)
	}

	layerEnergy := make(map[int]float64)
	first, last := math.MaxInt, math.MinInt
	var em, had, maxCell, maxCluster float64
	for i, c := range cs {
		etas[i], phis[i], zs[i], w[i] = c.Eta, c.Phi, c.Z, c.Energy
		cl.Clusters[i] = c.ID
		cl.Energy += c.Energy
		cl.Pt += c.Pt
		layerEnergy[c.Layer] += c.Energy
		if c.Layer <= EMLastLayer {
			em += c.Energy
		} else {
			had += c.Energy
		}
		first = min(first, c.Layer)
		last = max(last, c.Layer)
		maxCell = math.Max(maxCell, c.MaxCellEnergy)
		maxCluster = math.Max(maxCluster, c.Energy)
	}
	sort.Slice(cl.Clusters, func(i, j int) bool { return cl.Clusters[i] < cl.Clusters[j] })

	cl.Eta, cl.Phi = weightedEtaPhi(etas, phis, w)
	cl.FirstLayer = first
	cl.ShowerLength = last - first + 1

	layers := make([]int, 0, len(layerEnergy))
	for l := range layerEnergy {
		layers = append(layers, l)
	}
	sort.Ints(layers)
	maxE := math.Inf(-1)
	for _, l := range layers {
		if layerEnergy[l] > maxE {
			maxE = layerEnergy[l]
			cl.MaxLayer = l
		}
	}

	zMean := stat.Mean(zs, energyWeights(w))
	dz := make([]float64, n)
	for i := range zs {
		dz[i] = zs[i] - zMean
	}
	cl.SigmaZZ = weightedSpread(dz, w)

	// Without cell-level information fall back to the leading 2D cluster.
	if maxCell == 0 {
		maxCell = maxCluster
	}
	if cl.Energy > 0 {
		cl.EMaxE = maxCell / cl.Energy
	}

	cl.HoE = hoeFromSums(em, had)
	cl.HasHoE = true
	cl.Quality = qualityBit(cl, shape)
	return cl
}

func qualityBit(cl ntuple.Cluster3D, shape ShapeParams) int {
	if cl.NClu >= shape.MinClusters && cl.ShowerLength >= shape.MinShowerLength {
		return 1
	}
	return 0
}

// clusterPartition is one side's 2D clusters.
type clusterPartition struct {
	side     int
	clusters []ntuple.Cluster2D
}

func partitionClusters(clusters []ntuple.Cluster2D) []clusterPartition {
	pos, neg := SplitSides(clusters)
	parts := make([]clusterPartition, 0, 2)
	if len(pos) > 0 {
		parts = append(parts, clusterPartition{side: 1, clusters: pos})
	}
	if len(neg) > 0 {
		parts = append(parts, clusterPartition{side: -1, clusters: neg})
	}
	return parts
}

// Builder3D builds 3D clusters for an event, one worker per side.
type Builder3D struct {
	Algorithm string
	NN        NNParams
	Towers    TowerParams
	Shape     ShapeParams

	beforePartition func(side int)
}

// NewBuilder3D returns a builder using algorithm with default parameters.
func NewBuilder3D(algorithm string) *Builder3D {
	return &Builder3D{
		Algorithm: algorithm,
		NN:        DefaultNNParams(),
		Towers:    DefaultTowerParams(),
		Shape:     DefaultShapeParams(),
	}
}

// Build runs the configured algorithm on each side and concatenates the
// results, positive side first. IDs are allocated after concatenation.
func (b *Builder3D) Build(ctx context.Context, pool *parallel.Pool, clusters []ntuple.Cluster2D, ids *IDAllocator) ([]ntuple.Cluster3D, error) {
	var algo func([]ntuple.Cluster2D) []ntuple.Cluster3D
	switch b.Algorithm {
	case Algorithm3DNN, "":
		algo = func(cs []ntuple.Cluster2D) []ntuple.Cluster3D { return NearestNeighbour3D(cs, b.NN, b.Shape) }
	case Algorithm3DTowers:
		algo = func(cs []ntuple.Cluster2D) []ntuple.Cluster3D { return ProjectiveTowers3D(cs, b.Towers, b.Shape) }
	default:
		return nil, fmt.Errorf("unknown 3D clustering algorithm %q", b.Algorithm)
	}

	parts := partitionClusters(clusters)
	if len(parts) == 0 {
		return []ntuple.Cluster3D{}, nil
	}

	results, err := parallel.Map(ctx, pool, parts, func(ctx context.Context, p clusterPartition) ([]ntuple.Cluster3D, error) {
		if b.beforePartition != nil {
			b.beforePartition(p.side)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return algo(p.clusters), nil
	})
	if err != nil {
		return nil, err
	}
	return concat3D(results, ids), nil
}

func concat3D(results [][]ntuple.Cluster3D, ids *IDAllocator) []ntuple.Cluster3D {
	if ids == nil {
		ids = NewIDAllocator(1)
	}
	out := make([]ntuple.Cluster3D, 0)
	for _, res := range results {
		out = append(out, res...)
	}
	for i := range out {
		out[i].ID = ids.Next()
	}
	return out
}
