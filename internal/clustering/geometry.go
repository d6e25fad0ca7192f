package clustering

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// WrapPhi maps phi into (-pi, pi].
func WrapPhi(phi float64) float64 {
	phi = math.Mod(phi, 2*math.Pi)
	if phi > math.Pi {
		phi -= 2 * math.Pi
	} else if phi <= -math.Pi {
		phi += 2 * math.Pi
	}
	return phi
}

// DeltaPhi returns a-b wrapped into (-pi, pi].
func DeltaPhi(a, b float64) float64 {
	return WrapPhi(a - b)
}

// DeltaR is the distance in (eta, phi) with phi wrap-around.
func DeltaR(eta1, phi1, eta2, phi2 float64) float64 {
	return math.Hypot(eta1-eta2, DeltaPhi(phi1, phi2))
}

// IDAllocator hands out event-scoped cluster ids.
type IDAllocator struct {
	next uint32
}

// NewIDAllocator starts allocating at start.
func NewIDAllocator(start uint32) *IDAllocator {
	return &IDAllocator{next: start}
}

// Next returns a fresh id.
func (a *IDAllocator) Next() uint32 {
	id := a.next
	a.next++
	return id
}

// energyWeights returns w, or nil when the weights cannot normalise so that
// the stat helpers fall back to unweighted moments.
func energyWeights(w []float64) []float64 {
	if floats.Sum(w) <= 0 {
		return nil
	}
	return w
}

// weightedEtaPhi returns the weighted centroid, using a circular mean for phi.
func weightedEtaPhi(etas, phis, w []float64) (eta, phi float64) {
	w = energyWeights(w)
	eta = stat.Mean(etas, w)

	sins := make([]float64, len(phis))
	coss := make([]float64, len(phis))
	for i, p := range phis {
		sins[i], coss[i] = math.Sincos(p)
	}
	phi = math.Atan2(stat.Mean(sins, w), stat.Mean(coss, w))
	return eta, phi
}

// weightedSpread is sqrt(sum w*d^2 / sum w) for deviations d.
func weightedSpread(devs, w []float64) float64 {
	sq := make([]float64, len(devs))
	for i, d := range devs {
		sq[i] = d * d
	}
	return math.Sqrt(stat.Mean(sq, energyWeights(w)))
}
