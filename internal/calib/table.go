// Package calib applies binned energy calibration to 3D clusters.
package calib

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// ErrInvalidTable is returned for calibration tables that cannot be used.
var ErrInvalidTable = errors.New("invalid calibration table")

// Bin is one rectangular (|eta|, pt) region and its calibration factor.
type Bin struct {
	EtaLow  float64 `json:"eta_l"`
	EtaHigh float64 `json:"eta_h"`
	PtLow   float64 `json:"pt_l"`
	PtHigh  float64 `json:"pt_h"`
	Factor  float64 `json:"calib"`
}

// Table is an ordered set of bins. Lookups return the first matching bin;
// a Table is never mutated after loading.
type Table struct {
	bins []Bin
}

// NewTable validates bins and returns a Table that keeps their order.
func NewTable(bins []Bin) (*Table, error) {
	for i, b := range bins {
		if !(b.Factor > 0) || math.IsInf(b.Factor, 0) {
			return nil, fmt.Errorf("%w: bin %d has factor %v", ErrInvalidTable, i, b.Factor)
		}
		if b.EtaHigh < b.EtaLow || b.PtHigh < b.PtLow {
			return nil, fmt.Errorf("%w: bin %d has inverted bounds", ErrInvalidTable, i)
		}
	}
	out := make([]Bin, len(bins))
	copy(out, bins)
	return &Table{bins: out}, nil
}

// LoadTable reads a calibration table from a JSON file. Both a list of
// records and the column-oriented layout written by pandas
// ({"eta_l": {"0": ..}, ...}) are accepted.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration table: %w", err)
	}
	bins, err := decodeBins(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse calibration table %s: %w", path, err)
	}
	return NewTable(bins)
}

func decodeBins(data []byte) ([]Bin, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidTable)
	}
	if trimmed[0] == '[' {
		var bins []Bin
		if err := json.Unmarshal(trimmed, &bins); err != nil {
			return nil, err
		}
		return bins, nil
	}

	var cols map[string]map[string]float64
	if err := json.Unmarshal(trimmed, &cols); err != nil {
		return nil, err
	}
	names := []string{"eta_l", "eta_h", "pt_l", "pt_h", "calib"}
	for _, n := range names {
		if _, ok := cols[n]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidTable, n)
		}
	}

	// Rows are keyed by their stringified index; restore numeric order.
	var rows []int
	for k := range cols["calib"] {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%w: bad row index %q", ErrInvalidTable, k)
		}
		rows = append(rows, idx)
	}
	sort.Ints(rows)

	bins := make([]Bin, 0, len(rows))
	for _, idx := range rows {
		k := strconv.Itoa(idx)
		vals := make([]float64, len(names))
		for i, n := range names {
			v, ok := cols[n][k]
			if !ok {
				return nil, fmt.Errorf("%w: row %s missing %q", ErrInvalidTable, k, n)
			}
			vals[i] = v
		}
		bins = append(bins, Bin{EtaLow: vals[0], EtaHigh: vals[1], PtLow: vals[2], PtHigh: vals[3], Factor: vals[4]})
	}
	return bins, nil
}

// Bins returns a copy of the table's bins.
func (t *Table) Bins() []Bin {
	out := make([]Bin, len(t.bins))
	copy(out, t.bins)
	return out
}

// Len returns the number of bins.
func (t *Table) Len() int { return len(t.bins) }

// FactorA returns 1/calib for the first bin with
// eta_l < |eta| <= eta_h and pt_l <= pt < pt_h, or 1 when none matches.
func (t *Table) FactorA(eta, pt float64) float64 {
	a := math.Abs(eta)
	for _, b := range t.bins {
		if b.EtaLow < a && a <= b.EtaHigh && b.PtLow <= pt && pt < b.PtHigh {
			return 1 / b.Factor
		}
	}
	return 1
}

// FactorB returns 1/calib for the first bin with
// eta_l < |eta| <= eta_h and pt_l < pt <= pt_h.
func (t *Table) FactorB(eta, pt float64) (float64, bool) {
	a := math.Abs(eta)
	for _, b := range t.bins {
		if b.EtaLow < a && a <= b.EtaHigh && b.PtLow < pt && pt <= b.PtHigh {
			return 1 / b.Factor, true
		}
	}
	return 1, false
}

// ApplyA returns a copy of clusters with Pt scaled in place by FactorA.
func (t *Table) ApplyA(clusters []ntuple.Cluster3D) []ntuple.Cluster3D {
	out := make([]ntuple.Cluster3D, len(clusters))
	for i, c := range clusters {
		c.Pt *= t.FactorA(c.Eta, c.Pt)
		out[i] = c
	}
	return out
}

// ApplyB returns a copy of clusters with PtCorrected set where a bin
// matched. Clusters outside every bin keep PtCorrected unset.
func (t *Table) ApplyB(clusters []ntuple.Cluster3D) []ntuple.Cluster3D {
	out := make([]ntuple.Cluster3D, len(clusters))
	for i, c := range clusters {
		c.PtCorrected = nil
		if f, ok := t.FactorB(c.Eta, c.Pt); ok {
			corrected := c.Pt * f
			c.PtCorrected = &corrected
		}
		out[i] = c
	}
	return out
}
