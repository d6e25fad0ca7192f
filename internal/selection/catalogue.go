package selection

import "fmt"

// Particle ids used by generator-level selections.
const (
	PIDElectron = 11
	PIDPhoton   = 22
	PIDPion     = 211
)

// Catalogue holds the standard selection families of the analysis.
type Catalogue struct {
	TPID    []Selection
	TPPt    []Selection
	TPEta   []Selection
	GenEta  []Selection
	GenPt   []Selection
	GenEE   []Selection
	GenEle  []Selection
	GenPhot []Selection
	GenPion []Selection
	EGQual  []Selection

	// Derived families.
	TPRate        []Selection
	TPMatch       []Selection
	GenPartEle    []Selection
	GenPartPhoton []Selection
	GenPartPion   []Selection
	GenPlotting   []Selection
	EGMatch       []Selection
}

func etaBins(tag string) []Selection {
	l := func(s string) string { return fmt.Sprintf(s, tag) }
	return []Selection{
		New("EtaA", l("|#eta^{%s}| <= 1.52"), "abs(eta) <= 1.52"),
		New("EtaB", l("1.52 < |#eta^{%s}| <= 1.7"), "1.52 < abs(eta) <= 1.7"),
		New("EtaC", l("1.7 < |#eta^{%s}| <= 2.4"), "1.7 < abs(eta) <= 2.4"),
		New("EtaD", l("2.4 < |#eta^{%s}| <= 2.8"), "2.4 < abs(eta) <= 2.8"),
		New("EtaE", l("|#eta^{%s}| > 2.8"), "abs(eta) > 2.8"),
		New("EtaAB", l("|#eta^{%s}| <= 1.7"), "abs(eta) <= 1.7"),
		New("EtaABC", l("|#eta^{%s}| <= 2.4"), "abs(eta) <= 2.4"),
		New("EtaBC", l("1.52 < |#eta^{%s}| <= 2.4"), "1.52 < abs(eta) <= 2.4"),
		New("EtaBCD", l("1.52 < |#eta^{%s}| <= 2.8"), "1.52 < abs(eta) <= 2.8"),
		New("EtaBCDE", l("1.52 < |#eta^{%s}|"), "1.52 < abs(eta)"),
	}
}

func ptCut(name, tag string, gev int) Selection {
	return New(name, fmt.Sprintf("p_{T}^{%s}>=%dGeV", tag, gev), fmt.Sprintf("pt >= %d", gev))
}

func pidSelection(name, label string, pid int) Selection {
	return New(name, label, fmt.Sprintf("abs(pdgid) == %d", pid))
}

// genFamily builds base×EE followed by (base×EE)×pt and (base×EE)×eta.
func genFamily(base, ee, pt, eta []Selection) []Selection {
	baseEE := AddSelections(base, ee)
	out := append([]Selection{}, baseEE...)
	out = append(out, AddSelections(baseEE, pt)...)
	return append(out, AddSelections(baseEE, eta)...)
}

// NewCatalogue builds the standard selection families.
func NewCatalogue() *Catalogue {
	all := New(AllName, "", "")
	c := &Catalogue{
		TPID: []Selection{
			all,
			New("Em", "EGId", "quality > 0"),
			New("Emv1", "EGId V2", "(showerlength > 1) & (bdt_out > -0.03)"),
		},
		TPPt: []Selection{
			all,
			ptCut("Pt10", "L1", 10),
			ptCut("Pt20", "L1", 20),
			ptCut("Pt25", "L1", 25),
			ptCut("Pt30", "L1", 30),
		},
		TPEta:  append([]Selection{all}, etaBins("L1")...),
		GenEta: etaBins("GEN"),
		GenPt: []Selection{
			ptCut("Pt10", "GEN", 10),
			ptCut("Pt20", "GEN", 20),
			ptCut("Pt30", "GEN", 30),
			ptCut("Pt40", "GEN", 40),
		},
		GenEE:   []Selection{New("", "", "reachedEE == 2")},
		GenEle:  []Selection{pidSelection("Ele", "e^{#pm}", PIDElectron)},
		GenPhot: []Selection{pidSelection("Phot", "#gamma", PIDPhoton)},
		GenPion: []Selection{pidSelection("Pion", "#pi", PIDPion)},
		EGQual: []Selection{
			all,
			New("EGq4", "hwQual=4", "hwQual == 4"),
			New("EGq5", "hwQual=5", "hwQual == 5"),
		},
	}

	c.TPRate = AddSelections(c.TPID, c.TPEta)
	c.TPMatch = AddSelections(c.TPID, c.TPPt)
	c.GenPartEle = genFamily(c.GenEle, c.GenEE, c.GenPt, c.GenEta)
	c.GenPartPhoton = genFamily(c.GenPhot, c.GenEE, c.GenPt, c.GenEta)
	c.GenPartPion = genFamily(c.GenPion, c.GenEE, c.GenPt, c.GenEta)
	c.GenPlotting = append([]Selection{all}, AddSelections(c.GenEle, c.GenEE)...)
	c.EGMatch = AddSelections(c.EGQual, c.TPPt)
	return c
}

// All returns the master list Selectors search: the trigger-primitive
// identification, pt and eta families, then the generator families.
// Duplicate "all" entries are dropped.
func (c *Catalogue) All() []Selection {
	var out []Selection
	seenAll := false
	add := func(sels []Selection) {
		for _, s := range sels {
			if s.Name == AllName {
				if seenAll {
					continue
				}
				seenAll = true
			}
			out = append(out, s)
		}
	}
	add(c.TPID)
	add(c.TPPt)
	add(c.TPEta)
	add(c.GenEle)
	add(c.GenPhot)
	add(c.GenPion)
	return out
}

// Families returns the named families, for listing.
func (c *Catalogue) Families() map[string][]Selection {
	return map[string][]Selection{
		"tp_id":             c.TPID,
		"tp_pt":             c.TPPt,
		"tp_eta":            c.TPEta,
		"gen_eta":           c.GenEta,
		"gen_pt":            c.GenPt,
		"gen_ee":            c.GenEE,
		"tp_rate":           c.TPRate,
		"tp_match":          c.TPMatch,
		"genpart_ele_ee":    c.GenPartEle,
		"genpart_photon_ee": c.GenPartPhoton,
		"genpart_pion_ee":   c.GenPartPion,
		"genpart_plotting":  c.GenPlotting,
		"eg_qual":           c.EGQual,
		"eg_match":          c.EGMatch,
	}
}
