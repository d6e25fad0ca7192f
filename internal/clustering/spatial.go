package clustering

import (
	"math"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// EstimatedCellsPerBin is used for initial spatial index capacity estimation.
const EstimatedCellsPerBin = 4

// SpatialIndex is a regular (eta, phi) grid for neighbour queries. The phi
// axis is periodic: the first and last phi bins are adjacent.
type SpatialIndex struct {
	CellSize float64
	Grid     map[int64][]int // bin ID → cell indices

	nPhi     int64
	phiWidth float64
}

// NewSpatialIndex creates an index whose bins are at least cellSize wide
// on both axes. cellSize should match the query radius.
func NewSpatialIndex(cellSize float64) *SpatialIndex {
	nPhi := int64(math.Floor(2 * math.Pi / cellSize))
	if nPhi < 1 {
		nPhi = 1
	}
	return &SpatialIndex{
		CellSize: cellSize,
		Grid:     make(map[int64][]int),
		nPhi:     nPhi,
		phiWidth: 2 * math.Pi / float64(nPhi),
	}
}

// Build populates the index from cells.
func (si *SpatialIndex) Build(cells []ntuple.Cell) {
	si.Grid = make(map[int64][]int, len(cells)/EstimatedCellsPerBin+1)
	for i, c := range cells {
		be, bp := si.binCoords(c.Eta, c.Phi)
		id := pairBins(be, bp)
		si.Grid[id] = append(si.Grid[id], i)
	}
}

func (si *SpatialIndex) binCoords(eta, phi float64) (int64, int64) {
	be := int64(math.Floor(eta / si.CellSize))
	bp := int64(math.Floor((WrapPhi(phi) + math.Pi) / si.phiWidth))
	return be, si.wrapBin(bp)
}

func (si *SpatialIndex) wrapBin(bp int64) int64 {
	bp %= si.nPhi
	if bp < 0 {
		bp += si.nPhi
	}
	return bp
}

// pairBins maps a pair of signed bin coordinates to a unique key using
// zigzag encoding followed by Szudzik's pairing function.
func pairBins(x, y int64) int64 {
	var a, b int64
	if x >= 0 {
		a = 2 * x
	} else {
		a = -2*x - 1
	}
	if y >= 0 {
		b = 2 * y
	} else {
		b = -2*y - 1
	}
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// RegionQuery returns indices of all cells within eps of cells[idx] in
// (eta, phi), including idx itself.
func (si *SpatialIndex) RegionQuery(cells []ntuple.Cell, idx int, eps float64) []int {
	p := cells[idx]
	neighbors := []int{}
	be, bp := si.binCoords(p.Eta, p.Phi)

	// With fewer than three phi bins the wrapped neighbours coincide.
	phiBins := make([]int64, 0, 3)
	for dp := int64(-1); dp <= 1; dp++ {
		b := si.wrapBin(bp + dp)
		dup := false
		for _, seen := range phiBins {
			if seen == b {
				dup = true
				break
			}
		}
		if !dup {
			phiBins = append(phiBins, b)
		}
	}

	for de := int64(-1); de <= 1; de++ {
		for _, b := range phiBins {
			for _, candidateIdx := range si.Grid[pairBins(be+de, b)] {
				c := cells[candidateIdx]
				if DeltaR(p.Eta, p.Phi, c.Eta, c.Phi) <= eps {
					neighbors = append(neighbors, candidateIdx)
				}
			}
		}
	}
	return neighbors
}
