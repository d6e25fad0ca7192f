package analysis

import "github.com/banshee-data/ntuple-tools/internal/ntuple"

// Collection names.
const (
	SetDEF       = "DEF"
	SetDEFCalib  = "DEFCalib"
	SetDEFCalibB = "DEFCalibB"
	SetDEFMerged = "DEFMerged"
	SetDBS       = "DBS"
	SetDBSp      = "DBSp"
	SetDEFp      = "DEFp"
	SetGEN       = "GEN"
	SetTT        = "TT"
	SetSimTT     = "SimTT"
	SetHGCROCTT  = "HgcrocTT"
	SetWaferTT   = "WaferTT"
	SetEG        = "EG"
)

var tpLabels = map[string]string{
	SetDEF:       "NNDR",
	SetDEFCalib:  "NNDR + calib. v1",
	SetDEFCalibB: "NNDR + calib. v2",
	SetDEFMerged: "NNDR + merge",
	SetDBS:       "DBSCAN + NNDR",
	SetDBSp:      "DBSCAN + proj. towers",
	SetDEFp:      "proj. towers",
}

// TPSet is one trigger-primitive collection: the cells, 2D and 3D clusters
// a chain of algorithms produced.
type TPSet struct {
	Name       string
	Label      string
	Cells      []ntuple.Cell
	Clusters2D []ntuple.Cluster2D
	Clusters3D []ntuple.Cluster3D
}

func newTPSet(name string, cells []ntuple.Cell, cl2d []ntuple.Cluster2D, cl3d []ntuple.Cluster3D) *TPSet {
	return &TPSet{Name: name, Label: tpLabels[name], Cells: cells, Clusters2D: cl2d, Clusters3D: cl3d}
}

// GenSet holds generator-level particles.
type GenSet struct {
	Name      string
	Label     string
	Particles []ntuple.GenParticle
}

// TTSet holds trigger towers.
type TTSet struct {
	Name   string
	Label  string
	Towers []ntuple.Tower
}

// EGSet holds e/gamma trigger objects.
type EGSet struct {
	Name    string
	Label   string
	Objects []ntuple.EGamma
}

// EventProducts are the collections built for one event. Sets that were not
// produced (reclustering disabled) are nil.
type EventProducts struct {
	Entry int
	Run   uint32
	Lumi  uint32
	Event uint64

	DEF       *TPSet
	DEFCalib  *TPSet
	DEFCalibB *TPSet
	DEFMerged *TPSet
	DBS       *TPSet
	DBSp      *TPSet
	DEFp      *TPSet
	GEN       *GenSet
	TT        *TTSet
	SimTT     *TTSet
	HGCROCTT  *TTSet
	WaferTT   *TTSet
	EG        *EGSet
}

// TPSet returns the named trigger-primitive set, if it was produced.
func (p *EventProducts) TPSet(name string) (*TPSet, bool) {
	var s *TPSet
	switch name {
	case SetDEF:
		s = p.DEF
	case SetDEFCalib:
		s = p.DEFCalib
	case SetDEFCalibB:
		s = p.DEFCalibB
	case SetDEFMerged:
		s = p.DEFMerged
	case SetDBS:
		s = p.DBS
	case SetDBSp:
		s = p.DBSp
	case SetDEFp:
		s = p.DEFp
	}
	return s, s != nil
}

// TTSet returns the named tower set, if it was produced.
func (p *EventProducts) TTSet(name string) (*TTSet, bool) {
	var s *TTSet
	switch name {
	case SetTT:
		s = p.TT
	case SetSimTT:
		s = p.SimTT
	case SetHGCROCTT:
		s = p.HGCROCTT
	case SetWaferTT:
		s = p.WaferTT
	}
	return s, s != nil
}
