package clustering

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// RodMapping maps a trigger-cell id to its readout bin.
type RodMapping map[uint32]ntuple.RodBin

// LoadRodMapping reads a space-separated "id rod_x rod_y" mapping file.
func LoadRodMapping(path string) (RodMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rod mapping: %w", err)
	}
	defer f.Close()
	return ParseRodMapping(f)
}

// ParseRodMapping parses the rod mapping format. Blank lines and lines
// starting with '#' are ignored.
func ParseRodMapping(r io.Reader) (RodMapping, error) {
	m := make(RodMapping)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("rod mapping line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("rod mapping line %d: bad id: %w", lineNo, err)
		}
		// Bins are written as floats by some producers.
		x, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("rod mapping line %d: bad rod_x: %w", lineNo, err)
		}
		y, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("rod mapping line %d: bad rod_y: %w", lineNo, err)
		}
		m[uint32(id)] = ntuple.RodBin{X: int(x), Y: int(y)}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rod mapping: %w", err)
	}
	return m, nil
}

// ApplyRodMapping returns a copy of cells with their readout bins set.
// Cells absent from the mapping keep HasRod false.
func ApplyRodMapping(cells []ntuple.Cell, mapping RodMapping) []ntuple.Cell {
	out := make([]ntuple.Cell, len(cells))
	for i, c := range cells {
		if bin, ok := mapping[c.ID]; ok {
			c.Rod = bin
			c.HasRod = true
		}
		out[i] = c
	}
	return out
}

// ComputeRodSharing sets, for each cluster, the fraction of its mapped
// cell energy in each readout bin. When no cell carries a bin the clusters
// are returned unchanged.
func ComputeRodSharing(clusters []ntuple.Cluster2D, cells []ntuple.Cell) []ntuple.Cluster2D {
	mapped := make(map[uint32]ntuple.Cell)
	for _, c := range cells {
		if c.HasRod {
			mapped[c.ID] = c
		}
	}
	out := make([]ntuple.Cluster2D, len(clusters))
	copy(out, clusters)
	if len(mapped) == 0 {
		return out
	}

	for i := range out {
		sharing := make(map[ntuple.RodBin]float64)
		var total float64
		for _, id := range out[i].Cells {
			c, ok := mapped[id]
			if !ok {
				continue
			}
			sharing[c.Rod] += c.Energy
			total += c.Energy
		}
		if total <= 0 {
			out[i].RodSharing = nil
			continue
		}
		for bin := range sharing {
			sharing[bin] /= total
		}
		out[i].RodSharing = sharing
	}
	return out
}
