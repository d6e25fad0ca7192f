package clustering

import (
	"context"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
	"github.com/banshee-data/ntuple-tools/internal/parallel"
)

// 2D clustering algorithms.
const (
	AlgorithmDBSCAN  = "dbscan"
	AlgorithmDefault = "default"
)

// cellPartition is the unit of work handed to one worker.
type cellPartition struct {
	side  int
	cells []ntuple.Cell
}

// partitionCells splits cells by side, positive side first. Sides without
// cells produce no partition.
func partitionCells(cells []ntuple.Cell) []cellPartition {
	var pos, neg []ntuple.Cell
	for _, c := range cells {
		if c.Side < 0 {
			neg = append(neg, c)
		} else {
			pos = append(pos, c)
		}
	}
	parts := make([]cellPartition, 0, 2)
	if len(pos) > 0 {
		parts = append(parts, cellPartition{side: 1, cells: pos})
	}
	if len(neg) > 0 {
		parts = append(parts, cellPartition{side: -1, cells: neg})
	}
	return parts
}

// Clusterer2D builds DBSCAN 2D clusters for an event, one worker per
// detector side.
type Clusterer2D struct {
	params DBSCANParams

	// beforePartition runs at the start of each worker. Tests use it to
	// reorder completion.
	beforePartition func(side int)
}

// NewClusterer2D creates a 2D clusterer with the given DBSCAN parameters.
func NewClusterer2D(params DBSCANParams) *Clusterer2D {
	return &Clusterer2D{params: params}
}

// GetParams returns the current clustering parameters.
func (c *Clusterer2D) GetParams() DBSCANParams {
	return c.params
}

// SetParams updates the clustering parameters.
func (c *Clusterer2D) SetParams(params DBSCANParams) {
	c.params = params
}

// Build clusters cells on pool. The result holds positive-side clusters
// followed by negative-side clusters, each by ascending layer, whatever
// order the workers finish in. IDs are allocated from ids after
// concatenation; a nil ids starts at 1.
func (c *Clusterer2D) Build(ctx context.Context, pool *parallel.Pool, cells []ntuple.Cell, ids *IDAllocator) ([]ntuple.Cluster2D, error) {
	parts := partitionCells(cells)
	if len(parts) == 0 {
		return []ntuple.Cluster2D{}, nil
	}

	params := c.params
	results, err := parallel.Map(ctx, pool, parts, func(ctx context.Context, p cellPartition) ([]ntuple.Cluster2D, error) {
		if c.beforePartition != nil {
			c.beforePartition(p.side)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return DBSCANLayers(p.cells, params), nil
	})
	if err != nil {
		return nil, err
	}

	if ids == nil {
		ids = NewIDAllocator(1)
	}
	out := make([]ntuple.Cluster2D, 0)
	for _, res := range results {
		out = append(out, res...)
	}
	for i := range out {
		out[i].ID = ids.Next()
	}
	return out, nil
}

// AnnotateDefault passes pre-built 2D clusters through, setting the cell
// count and, when cells are supplied, the maximum constituent cell energy.
func AnnotateDefault(clusters []ntuple.Cluster2D, cells []ntuple.Cell) []ntuple.Cluster2D {
	energy := make(map[uint32]float64, len(cells))
	for _, c := range cells {
		energy[c.ID] = c.Energy
	}

	out := make([]ntuple.Cluster2D, len(clusters))
	for i, cl := range clusters {
		cl.NCells = len(cl.Cells)
		for _, id := range cl.Cells {
			if e, ok := energy[id]; ok && e > cl.MaxCellEnergy {
				cl.MaxCellEnergy = e
			}
		}
		out[i] = cl
	}
	return out
}
