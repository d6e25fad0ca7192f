package analysis

import (
	"fmt"
	"math"

	"github.com/banshee-data/ntuple-tools/internal/histos"
	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/selection"
)

// Fill is one pending histogram entry. Plotters return fills rather than
// writing them so that a failing event leaves the histograms untouched.
type Fill struct {
	Histogram string
	X, W      float64
}

// Plotter books a family of histograms and turns an event's products into
// fills for them.
type Plotter interface {
	Name() string
	Book(m *histos.Manager) error
	Collect(p *EventProducts) ([]Fill, error)
}

type histVar struct {
	field    string
	title    string
	nbins    int
	min, max float64
}

// multiplicity is booked for every selection and filled once per event.
var multiplicity = histVar{"n", "multiplicity", 50, 0, 50}

var cluster3DVars = []histVar{
	{"pt", "p_{T} [GeV]", 50, 0, 100},
	{"pt_corrected", "corrected p_{T} [GeV]", 50, 0, 100},
	{"eta", "#eta", 60, -3.2, 3.2},
	{"phi", "#phi", 64, -math.Pi, math.Pi},
	{"energy", "E [GeV]", 100, 0, 1000},
	{"bdt_out", "BDT output", 50, -1, 1},
	{"nclu", "# 2D clusters", 60, 0, 60},
	{"showerlength", "shower length", 50, 0, 50},
	{"hoe", "H/E", 50, 0, 5},
}

var genVars = []histVar{
	{"pt", "p_{T} [GeV]", 50, 0, 100},
	{"eta", "#eta", 60, -3.2, 3.2},
	{"phi", "#phi", 64, -math.Pi, math.Pi},
	{"energy", "E [GeV]", 100, 0, 1000},
}

var towerVars = []histVar{
	{"pt", "p_{T} [GeV]", 50, 0, 100},
	{"eta", "#eta", 60, -3.2, 3.2},
	{"phi", "#phi", 64, -math.Pi, math.Pi},
	{"etEm", "E_{T}^{EM} [GeV]", 50, 0, 100},
	{"etHad", "E_{T}^{Had} [GeV]", 50, 0, 100},
	{"HoE", "H/E", 50, 0, 10},
}

var egVars = []histVar{
	{"pt", "p_{T} [GeV]", 50, 0, 100},
	{"eta", "#eta", 60, -3.2, 3.2},
	{"phi", "#phi", 64, -math.Pi, math.Pi},
	{"energy", "E [GeV]", 100, 0, 1000},
	{"hwQual", "hw quality", 8, 0, 8},
}

// recordPlotter fills one histogram per (selection, variable) from a
// table of records.
type recordPlotter[R ntuple.Record] struct {
	set        string
	selections []selection.Selection
	vars       []histVar
	records    func(p *EventProducts) ([]R, bool)
}

// HistogramName is the booked name of a variable under a selection.
func HistogramName(set, sel, field string) string {
	return fmt.Sprintf("%s_%s_%s", set, sel, field)
}

func (rp *recordPlotter[R]) Name() string { return rp.set }

func (rp *recordPlotter[R]) Book(m *histos.Manager) error {
	for _, sel := range rp.selections {
		for _, v := range append([]histVar{multiplicity}, rp.vars...) {
			title := v.title
			if sel.Label != "" {
				title = fmt.Sprintf("%s (%s)", v.title, sel.Label)
			}
			if _, err := m.Book(HistogramName(rp.set, sel.Name, v.field), title, v.nbins, v.min, v.max); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rp *recordPlotter[R]) Collect(p *EventProducts) ([]Fill, error) {
	recs, ok := rp.records(p)
	if !ok {
		return nil, nil
	}
	var fills []Fill
	for _, sel := range rp.selections {
		matched, err := selection.Filter(sel, recs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rp.set, err)
		}
		fills = append(fills, Fill{HistogramName(rp.set, sel.Name, multiplicity.field), float64(len(matched)), 1})
		for _, r := range matched {
			for _, v := range rp.vars {
				x, ok := r.Field(v.field)
				if !ok || math.IsNaN(x) || math.IsInf(x, 0) {
					continue
				}
				fills = append(fills, Fill{HistogramName(rp.set, sel.Name, v.field), x, 1})
			}
		}
	}
	return fills, nil
}

// NewCluster3DPlotter plots the 3D clusters of the named trigger-primitive
// set. Events in which the set was not produced are skipped.
func NewCluster3DPlotter(set string, selections []selection.Selection) Plotter {
	return &recordPlotter[ntuple.Cluster3D]{
		set:        set,
		selections: selections,
		vars:       cluster3DVars,
		records: func(p *EventProducts) ([]ntuple.Cluster3D, bool) {
			s, ok := p.TPSet(set)
			if !ok {
				return nil, false
			}
			return s.Clusters3D, true
		},
	}
}

// NewGenPlotter plots generator-level particles.
func NewGenPlotter(selections []selection.Selection) Plotter {
	return &recordPlotter[ntuple.GenParticle]{
		set:        SetGEN,
		selections: selections,
		vars:       genVars,
		records: func(p *EventProducts) ([]ntuple.GenParticle, bool) {
			if p.GEN == nil {
				return nil, false
			}
			return p.GEN.Particles, true
		},
	}
}

// NewTowerPlotter plots the towers of the named tower set.
func NewTowerPlotter(set string, selections []selection.Selection) Plotter {
	return &recordPlotter[ntuple.Tower]{
		set:        set,
		selections: selections,
		vars:       towerVars,
		records: func(p *EventProducts) ([]ntuple.Tower, bool) {
			s, ok := p.TTSet(set)
			if !ok {
				return nil, false
			}
			return s.Towers, true
		},
	}
}

// NewEGPlotter plots e/gamma trigger objects.
func NewEGPlotter(selections []selection.Selection) Plotter {
	return &recordPlotter[ntuple.EGamma]{
		set:        SetEG,
		selections: selections,
		vars:       egVars,
		records: func(p *EventProducts) ([]ntuple.EGamma, bool) {
			if p.EG == nil {
				return nil, false
			}
			return p.EG.Objects, true
		},
	}
}

// Plotter group names accepted by PlotterGroup.
const (
	GroupTP  = "tp"
	GroupGen = "gen"
	GroupTT  = "tt"
	GroupEG  = "eg"
)

// DefaultGroups are used when a collection names no plotters.
var DefaultGroups = []string{GroupTP, GroupGen, GroupTT, GroupEG}

// PlotterGroup returns the standard plotters of a group.
func PlotterGroup(name string, cat *selection.Catalogue) ([]Plotter, error) {
	switch name {
	case GroupTP:
		sets := []string{SetDEF, SetDEFCalib, SetDEFCalibB, SetDEFMerged, SetDBS, SetDBSp, SetDEFp}
		out := make([]Plotter, len(sets))
		for i, s := range sets {
			out[i] = NewCluster3DPlotter(s, cat.TPMatch)
		}
		return out, nil
	case GroupGen:
		return []Plotter{NewGenPlotter(cat.GenPlotting)}, nil
	case GroupTT:
		sets := []string{SetTT, SetSimTT, SetHGCROCTT, SetWaferTT}
		out := make([]Plotter, len(sets))
		for i, s := range sets {
			out[i] = NewTowerPlotter(s, cat.TPEta)
		}
		return out, nil
	case GroupEG:
		return []Plotter{NewEGPlotter(cat.EGMatch)}, nil
	}
	return nil, fmt.Errorf("unknown plotter group %q", name)
}
