package clustering

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// Constants for clustering configuration
const (
	// DefaultDBSCANEps is the default neighbourhood radius in (eta, phi).
	DefaultDBSCANEps = 0.05
	// DefaultDBSCANMinPts is the default minimum cells to form a cluster.
	DefaultDBSCANMinPts = 2
)

// DBSCANParams contains parameters for the DBSCAN clustering algorithm.
type DBSCANParams struct {
	Eps    float64 // Neighbourhood radius in (eta, phi)
	MinPts int     // Minimum cells, the core cell included, to form a cluster
}

// DefaultDBSCANParams returns the default DBSCAN parameters.
func DefaultDBSCANParams() DBSCANParams {
	return DBSCANParams{
		Eps:    DefaultDBSCANEps,
		MinPts: DefaultDBSCANMinPts,
	}
}

// DBSCAN2D performs density-based clustering on the cells of one layer of
// one side. Noise cells are discarded. Clusters are returned sorted by
// (eta, phi) with ID left unset.
func DBSCAN2D(cells []ntuple.Cell, params DBSCANParams) []ntuple.Cluster2D {
	if len(cells) == 0 {
		return nil
	}

	n := len(cells)
	labels := make([]int, n) // 0=unvisited, -1=noise, >0=clusterID
	clusterID := 0

	index := NewSpatialIndex(params.Eps)
	index.Build(cells)

	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}

		neighbors := index.RegionQuery(cells, i, params.Eps)
		if len(neighbors) < params.MinPts {
			labels[i] = -1
			continue
		}

		clusterID++
		expandCluster(cells, index, labels, i, neighbors, clusterID, params.Eps, params.MinPts)
	}

	clusters := buildClusters(cells, labels, clusterID)
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Eta != clusters[j].Eta {
			return clusters[i].Eta < clusters[j].Eta
		}
		return clusters[i].Phi < clusters[j].Phi
	})
	return clusters
}

// expandCluster grows a cluster from a core cell.
func expandCluster(cells []ntuple.Cell, si *SpatialIndex, labels []int,
	seedIdx int, neighbors []int, clusterID int, eps float64, minPts int) {

	labels[seedIdx] = clusterID

	for j := 0; j < len(neighbors); j++ {
		idx := neighbors[j]

		if labels[idx] == -1 {
			labels[idx] = clusterID // Noise becomes border cell
		}
		if labels[idx] != 0 {
			continue
		}

		labels[idx] = clusterID
		newNeighbors := si.RegionQuery(cells, idx, eps)
		if len(newNeighbors) >= minPts {
			neighbors = append(neighbors, newNeighbors...)
		}
	}
}

func buildClusters(cells []ntuple.Cell, labels []int, maxClusterID int) []ntuple.Cluster2D {
	members := make([][]ntuple.Cell, maxClusterID+1)
	for i, label := range labels {
		if label > 0 {
			members[label] = append(members[label], cells[i])
		}
	}

	clusters := make([]ntuple.Cluster2D, 0, maxClusterID)
	for cid := 1; cid <= maxClusterID; cid++ {
		if len(members[cid]) == 0 {
			continue
		}
		clusters = append(clusters, computeClusterMetrics(members[cid]))
	}
	return clusters
}

// computeClusterMetrics aggregates cells into a 2D cluster: energy and pt
// sums, energy-weighted position and spreads.
func computeClusterMetrics(cells []ntuple.Cell) ntuple.Cluster2D {
	n := len(cells)
	etas := make([]float64, n)
	phis := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	w := make([]float64, n)

	cl := ntuple.Cluster2D{
		Layer:  cells[0].Layer,
		Side:   cells[0].Side,
		NCells: n,
		Cells:  make([]uint32, n),
	}
	for i, c := range cells {
		etas[i], phis[i] = c.Eta, c.Phi
		xs[i], ys[i], zs[i] = c.X, c.Y, c.Z
		w[i] = c.Energy
		cl.Cells[i] = c.ID
		cl.Energy += c.Energy
		cl.Pt += c.Pt
		cl.MaxCellEnergy = math.Max(cl.MaxCellEnergy, c.Energy)
	}

	cl.Eta, cl.Phi = weightedEtaPhi(etas, phis, w)
	ew := energyWeights(w)
	cl.X = stat.Mean(xs, ew)
	cl.Y = stat.Mean(ys, ew)
	cl.Z = stat.Mean(zs, ew)

	dEta := make([]float64, n)
	dPhi := make([]float64, n)
	for i := range cells {
		dEta[i] = etas[i] - cl.Eta
		dPhi[i] = DeltaPhi(phis[i], cl.Phi)
	}
	cl.SigmaEtaEta = weightedSpread(dEta, w)
	cl.SigmaPhiPhi = weightedSpread(dPhi, w)
	return cl
}

// DBSCANLayers runs DBSCAN2D on each layer of cells, which must all belong
// to one side. Output is ordered by ascending layer.
func DBSCANLayers(cells []ntuple.Cell, params DBSCANParams) []ntuple.Cluster2D {
	byLayer := make(map[int][]ntuple.Cell)
	for _, c := range cells {
		byLayer[c.Layer] = append(byLayer[c.Layer], c)
	}
	layers := make([]int, 0, len(byLayer))
	for l := range byLayer {
		layers = append(layers, l)
	}
	sort.Ints(layers)

	var out []ntuple.Cluster2D
	for _, l := range layers {
		out = append(out, DBSCAN2D(byLayer[l], params)...)
	}
	return out
}
