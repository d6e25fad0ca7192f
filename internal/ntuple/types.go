package ntuple

import "math"

// Record is a single row of an event table. Field looks a column up by its
// ntuple name and reports false for columns the record kind does not carry.
type Record interface {
	Field(name string) (float64, bool)
}

// SideOf returns the detector side (+1 or -1) for a pseudorapidity value.
// Zero maps to +1.
func SideOf(eta float64) int {
	if eta < 0 {
		return -1
	}
	return 1
}

// RodBin identifies a geometry readout bin from the trigger-cell mapping.
type RodBin struct {
	X, Y int
}

// Cell is a single trigger-cell reading.
type Cell struct {
	ID     uint32
	Layer  int
	Side   int // +1 or -1
	X, Y   float64
	Z      float64
	Eta    float64
	Phi    float64
	Energy float64
	Pt     float64

	Rod    RodBin
	HasRod bool
}

// Field implements Record.
func (c Cell) Field(name string) (float64, bool) {
	switch name {
	case "id":
		return float64(c.ID), true
	case "layer":
		return float64(c.Layer), true
	case "zside":
		return float64(c.Side), true
	case "x":
		return c.X, true
	case "y":
		return c.Y, true
	case "z":
		return c.Z, true
	case "eta":
		return c.Eta, true
	case "phi":
		return c.Phi, true
	case "energy":
		return c.Energy, true
	case "pt":
		return c.Pt, true
	}
	return 0, false
}

// Cluster2D is a group of trigger cells within one layer of one side.
type Cluster2D struct {
	ID     uint32
	Layer  int
	Side   int
	Eta    float64
	Phi    float64
	Energy float64
	Pt     float64
	X, Y   float64
	Z      float64

	NCells        int
	Cells         []uint32
	MaxCellEnergy float64

	// Energy-weighted spreads around the centroid.
	SigmaEtaEta float64
	SigmaPhiPhi float64

	// RodSharing is the fraction of the cluster energy per readout bin.
	// Nil unless the rod mapping is available.
	RodSharing map[RodBin]float64
}

// Field implements Record.
func (c Cluster2D) Field(name string) (float64, bool) {
	switch name {
	case "id":
		return float64(c.ID), true
	case "layer":
		return float64(c.Layer), true
	case "zside":
		return float64(c.Side), true
	case "eta":
		return c.Eta, true
	case "phi":
		return c.Phi, true
	case "energy":
		return c.Energy, true
	case "pt":
		return c.Pt, true
	case "x":
		return c.X, true
	case "y":
		return c.Y, true
	case "z":
		return c.Z, true
	case "ncells":
		return float64(c.NCells), true
	case "seetot":
		return c.SigmaEtaEta, true
	case "spptot":
		return c.SigmaPhiPhi, true
	}
	return 0, false
}

// Cluster3D is a group of 2D clusters across layers of one side.
type Cluster3D struct {
	ID       uint32
	Side     int
	Eta      float64
	Phi      float64
	Pt       float64
	Energy   float64
	Clusters []uint32
	NClu     int
	Quality  int

	// Shower shape.
	HoE          float64
	HasHoE       bool
	EMaxE        float64
	FirstLayer   int
	MaxLayer     int
	ShowerLength int
	SigmaZZ      float64

	BDTOut float64

	// PtCorrected is only set by the second calibration variant, and only
	// when a bin matched.
	PtCorrected *float64
}

// Field implements Record.
func (c Cluster3D) Field(name string) (float64, bool) {
	switch name {
	case "id":
		return float64(c.ID), true
	case "zside":
		return float64(c.Side), true
	case "eta":
		return c.Eta, true
	case "abseta":
		return math.Abs(c.Eta), true
	case "phi":
		return c.Phi, true
	case "pt":
		return c.Pt, true
	case "energy":
		return c.Energy, true
	case "nclu":
		return float64(c.NClu), true
	case "quality":
		return float64(c.Quality), true
	case "hoe":
		if !c.HasHoE {
			return math.NaN(), true
		}
		return c.HoE, true
	case "emaxe":
		return c.EMaxE, true
	case "firstlayer":
		return float64(c.FirstLayer), true
	case "maxlayer":
		return float64(c.MaxLayer), true
	case "showerlength":
		return float64(c.ShowerLength), true
	case "szz":
		return c.SigmaZZ, true
	case "bdt_out":
		return c.BDTOut, true
	case "pt_corrected":
		if c.PtCorrected == nil {
			return math.NaN(), true
		}
		return *c.PtCorrected, true
	}
	return 0, false
}

// Tower is a trigger tower in the projective (eta, phi) grid.
type Tower struct {
	IEta, IPhi int
	Eta        float64
	Phi        float64
	Pt         float64
	Energy     float64
	EtEm       float64
	EtHad      float64
}

// HoE returns the hadronic over electromagnetic transverse energy ratio.
// Towers without EM deposit report +Inf, as the source tables do.
func (t Tower) HoE() float64 {
	if t.EtEm == 0 {
		return math.Inf(1)
	}
	return t.EtHad / t.EtEm
}

// Field implements Record.
func (t Tower) Field(name string) (float64, bool) {
	switch name {
	case "iEta":
		return float64(t.IEta), true
	case "iPhi":
		return float64(t.IPhi), true
	case "eta":
		return t.Eta, true
	case "phi":
		return t.Phi, true
	case "pt":
		return t.Pt, true
	case "energy":
		return t.Energy, true
	case "etEm":
		return t.EtEm, true
	case "etHad":
		return t.EtHad, true
	case "HoE":
		return t.HoE(), true
	}
	return 0, false
}

// GenParticle is a generator-level particle.
type GenParticle struct {
	Eta       float64
	Phi       float64
	Pt        float64
	Energy    float64
	PID       int
	Gen       int
	ReachedEE int
}

// Field implements Record.
func (g GenParticle) Field(name string) (float64, bool) {
	switch name {
	case "eta":
		return g.Eta, true
	case "abseta":
		return math.Abs(g.Eta), true
	case "phi":
		return g.Phi, true
	case "pt":
		return g.Pt, true
	case "energy":
		return g.Energy, true
	case "pid", "pdgid":
		return float64(g.PID), true
	case "gen":
		return float64(g.Gen), true
	case "reachedEE":
		return float64(g.ReachedEE), true
	}
	return 0, false
}

// EGamma is an electron/photon trigger object built from a 3D cluster.
type EGamma struct {
	Eta    float64
	Phi    float64
	Pt     float64
	Energy float64
	HwQual int
}

// Field implements Record.
func (e EGamma) Field(name string) (float64, bool) {
	switch name {
	case "eta":
		return e.Eta, true
	case "abseta":
		return math.Abs(e.Eta), true
	case "phi":
		return e.Phi, true
	case "pt":
		return e.Pt, true
	case "energy":
		return e.Energy, true
	case "hwQual":
		return float64(e.HwQual), true
	}
	return 0, false
}

// Event holds the tables read for one ntuple entry.
type Event struct {
	Entry int
	Run   uint32
	Lumi  uint32
	Event uint64

	Cells        []Cell
	Clusters2D   []Cluster2D
	Clusters3D   []Cluster3D
	Towers       []Tower
	GenParticles []GenParticle

	// Alternative tower populations and e/gamma objects. Older ntuples do
	// not carry them and leave them empty.
	SimTowers    []Tower
	HGCROCTowers []Tower
	WaferTowers  []Tower
	EGamma       []EGamma
}
