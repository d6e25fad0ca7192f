package clustering

import "github.com/banshee-data/ntuple-tools/internal/ntuple"

// EMLastLayer is the last layer of the electromagnetic section. Deeper
// layers count as hadronic.
const EMLastLayer = 28

// NoEMHoE is the H/E assigned to clusters without electromagnetic energy.
const NoEMHoE = 999.0

func hoeFromSums(em, had float64) float64 {
	if em == 0 {
		return NoEMHoE
	}
	return had / em
}

// ComputeHoE returns a copy of clusters in which every cluster lacking H/E
// gets it from its constituent 2D clusters. Clusters whose constituents
// are all missing from clusters2D stay without H/E.
func ComputeHoE(clusters []ntuple.Cluster3D, clusters2D []ntuple.Cluster2D) []ntuple.Cluster3D {
	byID := make(map[uint32]ntuple.Cluster2D, len(clusters2D))
	for _, c := range clusters2D {
		byID[c.ID] = c
	}

	out := make([]ntuple.Cluster3D, len(clusters))
	for i, cl := range clusters {
		if !cl.HasHoE {
			var em, had float64
			found := false
			for _, id := range cl.Clusters {
				c, ok := byID[id]
				if !ok {
					continue
				}
				found = true
				if c.Layer <= EMLastLayer {
					em += c.Energy
				} else {
					had += c.Energy
				}
			}
			if found {
				cl.HoE = hoeFromSums(em, had)
				cl.HasHoE = true
			}
		}
		out[i] = cl
	}
	return out
}
