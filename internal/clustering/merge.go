package clustering

import (
	"context"
	"math"
	"sort"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
)

// DefaultMergeRadius is the default (eta, phi) merge radius.
const DefaultMergeRadius = 0.1

// Merge3D greedily merges 3D clusters of one side. The highest-pt cluster
// (ties by id) absorbs every remaining cluster within radius; the process
// repeats on what is left. Merged clusters keep the leader's id.
func Merge3D(clusters []ntuple.Cluster3D, radius float64) []ntuple.Cluster3D {
	if len(clusters) == 0 {
		return nil
	}

	remaining := make([]ntuple.Cluster3D, len(clusters))
	copy(remaining, clusters)
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].Pt != remaining[j].Pt {
			return remaining[i].Pt > remaining[j].Pt
		}
		return remaining[i].ID < remaining[j].ID
	})

	var out []ntuple.Cluster3D
	for len(remaining) > 0 {
		leader := remaining[0]
		group := []ntuple.Cluster3D{leader}
		rest := remaining[:0:0]
		for _, c := range remaining[1:] {
			if DeltaR(leader.Eta, leader.Phi, c.Eta, c.Phi) < radius {
				group = append(group, c)
			} else {
				rest = append(rest, c)
			}
		}
		out = append(out, mergeGroup(group))
		remaining = rest
	}
	return out
}

// mergeGroup combines group into its first element.
func mergeGroup(group []ntuple.Cluster3D) ntuple.Cluster3D {
	merged := group[0]
	if len(group) == 1 {
		return merged
	}

	n := len(group)
	etas := make([]float64, n)
	phis := make([]float64, n)
	w := make([]float64, n)
	ids := make(map[uint32]struct{})
	var energy, pt, em, had, maxCell float64
	hoeKnown := true
	first, last := math.MaxInt, math.MinInt
	for i, c := range group {
		etas[i], phis[i], w[i] = c.Eta, c.Phi, c.Energy
		energy += c.Energy
		pt += c.Pt
		for _, id := range c.Clusters {
			ids[id] = struct{}{}
		}
		first = min(first, c.FirstLayer)
		last = max(last, c.FirstLayer+c.ShowerLength-1)
		maxCell = math.Max(maxCell, c.EMaxE*c.Energy)
		if !c.HasHoE || c.HoE == NoEMHoE {
			hoeKnown = false
			continue
		}
		cem := c.Energy / (1 + c.HoE)
		em += cem
		had += c.Energy - cem
	}

	merged.Energy = energy
	merged.Pt = pt
	merged.Eta, merged.Phi = weightedEtaPhi(etas, phis, w)
	merged.Clusters = make([]uint32, 0, len(ids))
	for id := range ids {
		merged.Clusters = append(merged.Clusters, id)
	}
	sort.Slice(merged.Clusters, func(i, j int) bool { return merged.Clusters[i] < merged.Clusters[j] })
	merged.NClu = len(merged.Clusters)
	merged.FirstLayer = first
	merged.ShowerLength = last - first + 1
	if energy > 0 {
		merged.EMaxE = maxCell / energy
	}
	// Unknown constituent H/E leaves the leader's value in place.
	if hoeKnown {
		merged.HoE = hoeFromSums(em, had)
		merged.HasHoE = true
	}
	merged.PtCorrected = nil
	return merged
}

// Merger merges quality-passing 3D clusters, one worker per side.
type Merger struct {
	Radius float64

	beforePartition func(side int)
}

// NewMerger returns a merger with the given radius.
func NewMerger(radius float64) *Merger {
	return &Merger{Radius: radius}
}

// cluster3DPartition is one side's 3D clusters.
type cluster3DPartition struct {
	side     int
	clusters []ntuple.Cluster3D
}

// Build filters clusters to Quality > 0, merges each side on pool and
// concatenates positive side first. IDs are reallocated from ids so the
// merged population does not collide with its inputs; a nil ids keeps the
// leaders' ids.
func (m *Merger) Build(ctx context.Context, pool *parallel.Pool, clusters []ntuple.Cluster3D, ids *IDAllocator) ([]ntuple.Cluster3D, error) {
	var pos, neg []ntuple.Cluster3D
	for _, c := range clusters {
		if c.Quality <= 0 {
			continue
		}
		switch {
		case c.Eta > 0:
			pos = append(pos, c)
		case c.Eta < 0:
			neg = append(neg, c)
		}
	}
	parts := make([]cluster3DPartition, 0, 2)
	if len(pos) > 0 {
		parts = append(parts, cluster3DPartition{side: 1, clusters: pos})
	}
	if len(neg) > 0 {
		parts = append(parts, cluster3DPartition{side: -1, clusters: neg})
	}
	if len(parts) == 0 {
		return []ntuple.Cluster3D{}, nil
	}

	radius := m.Radius
	results, err := parallel.Map(ctx, pool, parts, func(ctx context.Context, p cluster3DPartition) ([]ntuple.Cluster3D, error) {
		if m.beforePartition != nil {
			m.beforePartition(p.side)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Merge3D(p.clusters, radius), nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ntuple.Cluster3D, 0)
	for _, res := range results {
		out = append(out, res...)
	}
	if ids != nil {
		for i := range out {
			out[i].ID = ids.Next()
		}
	}
	return out, nil
}
