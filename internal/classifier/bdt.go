// Package classifier evaluates the boosted-decision-tree discriminant used
// to identify electromagnetic 3D clusters.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// NumFeatures is the length of the feature vector.
const NumFeatures = 6

// FeatureNames lists the model inputs in evaluation order.
var FeatureNames = [NumFeatures]string{"pt", "eta", "maxlayer", "hoe", "emaxe", "szz"}

// Boosting schemes.
const (
	BoostGradient = "gradient"
	BoostAdaBoost = "adaboost"
)

var (
	// ErrFeatureMissing is returned when a feature is NaN or infinite.
	ErrFeatureMissing = errors.New("classifier feature missing")
	// ErrInvalidModel is returned for weight files that fail validation.
	ErrInvalidModel = errors.New("invalid classifier model")
)

// FeatureMissingError identifies the cluster and feature that could not be
// evaluated. Index is -1 when evaluating a bare feature vector.
type FeatureMissingError struct {
	Index     int
	ClusterID uint32
	Feature   string
}

func (e *FeatureMissingError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("feature %q is missing", e.Feature)
	}
	return fmt.Sprintf("feature %q is missing for cluster %d (row %d)", e.Feature, e.ClusterID, e.Index)
}

// Is reports whether target is ErrFeatureMissing.
func (e *FeatureMissingError) Is(target error) bool { return target == ErrFeatureMissing }

// Node is a decision node or leaf. Inputs below Cut go left.
type Node struct {
	Feature int     `json:"feature"`
	Cut     float64 `json:"cut"`
	Left    int     `json:"left"`
	Right   int     `json:"right"`
	Value   float64 `json:"value"`
	Leaf    bool    `json:"leaf"`
}

// Tree is one weighted tree of the forest. Node 0 is the root.
type Tree struct {
	Weight float64 `json:"weight"`
	Nodes  []Node  `json:"nodes"`
}

// Model is the serialized forest.
type Model struct {
	Features []string `json:"features"`
	Boost    string   `json:"boost"`
	Base     float64  `json:"base"`
	Trees    []Tree   `json:"trees"`
}

// BDT is a validated, read-only forest. It is safe for concurrent use.
type BDT struct {
	boost   string
	base    float64
	trees   []Tree
	weights []float64
}

// Load reads and validates a forest from a JSON weights file.
func Load(path string) (*BDT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier weights: %w", err)
	}
	bdt, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier weights %s: %w", path, err)
	}
	return bdt, nil
}

// Parse decodes and validates a forest.
func Parse(data []byte) (*BDT, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return New(m)
}

// New validates m and builds a BDT from it.
func New(m Model) (*BDT, error) {
	if len(m.Features) != NumFeatures {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrInvalidModel, NumFeatures, len(m.Features))
	}
	for i, f := range m.Features {
		if f != FeatureNames[i] {
			return nil, fmt.Errorf("%w: feature %d is %q, want %q", ErrInvalidModel, i, f, FeatureNames[i])
		}
	}

	switch m.Boost {
	case "":
		m.Boost = BoostGradient
	case BoostGradient, BoostAdaBoost:
	default:
		return nil, fmt.Errorf("%w: unknown boost %q", ErrInvalidModel, m.Boost)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("%w: no trees", ErrInvalidModel)
	}

	weights := make([]float64, len(m.Trees))
	for t, tree := range m.Trees {
		if err := validateTree(tree); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidModel, t, err)
		}
		weights[t] = tree.Weight
	}
	if m.Boost == BoostAdaBoost && floats.Sum(weights) <= 0 {
		return nil, fmt.Errorf("%w: adaboost weights sum to zero", ErrInvalidModel)
	}
	return &BDT{boost: m.Boost, base: m.Base, trees: m.Trees, weights: weights}, nil
}

// validateTree checks that every branch points forward to an existing node,
// which rules out cycles and bounds the traversal depth.
func validateTree(tree Tree) error {
	if len(tree.Nodes) == 0 {
		return errors.New("empty tree")
	}
	if math.IsNaN(tree.Weight) || math.IsInf(tree.Weight, 0) {
		return fmt.Errorf("bad weight %v", tree.Weight)
	}
	for i, n := range tree.Nodes {
		if n.Leaf {
			continue
		}
		if n.Feature < 0 || n.Feature >= NumFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, n.Feature)
		}
		for _, child := range []int{n.Left, n.Right} {
			if child <= i || child >= len(tree.Nodes) {
				return fmt.Errorf("node %d: child %d out of range", i, child)
			}
		}
	}
	return nil
}

func (t Tree) leaf(x *[NumFeatures]float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Cut {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Evaluate returns the discriminant for one feature vector.
func (b *BDT) Evaluate(features [NumFeatures]float64) (float64, error) {
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &FeatureMissingError{Index: -1, Feature: FeatureNames[i]}
		}
	}

	leaves := make([]float64, len(b.trees))
	for t, tree := range b.trees {
		leaves[t] = tree.leaf(&features)
	}

	if b.boost == BoostAdaBoost {
		for t, v := range leaves {
			if v >= 0 {
				leaves[t] = 1
			} else {
				leaves[t] = -1
			}
		}
		return floats.Dot(b.weights, leaves) / floats.Sum(b.weights), nil
	}
	return b.base + floats.Dot(b.weights, leaves), nil
}

// Features extracts the model inputs from a 3D cluster. A cluster without
// H/E yields NaN for that feature.
func Features(c ntuple.Cluster3D) [NumFeatures]float64 {
	var x [NumFeatures]float64
	for i, name := range FeatureNames {
		v, _ := c.Field(name)
		x[i] = v
	}
	return x
}

// EvaluateClusters scores every cluster. Any missing feature fails the whole
// batch with a *FeatureMissingError naming the row.
func (b *BDT) EvaluateClusters(clusters []ntuple.Cluster3D) ([]float64, error) {
	out := make([]float64, len(clusters))
	for i, c := range clusters {
		score, err := b.Evaluate(Features(c))
		if err != nil {
			var fme *FeatureMissingError
			if errors.As(err, &fme) {
				fme.Index = i
				fme.ClusterID = c.ID
			}
			return nil, err
		}
		out[i] = score
	}
	return out, nil
}

// Annotate returns copies of clusters with BDTOut set.
func (b *BDT) Annotate(clusters []ntuple.Cluster3D) ([]ntuple.Cluster3D, error) {
	scores, err := b.EvaluateClusters(clusters)
	if err != nil {
		return nil, err
	}
	out := make([]ntuple.Cluster3D, len(clusters))
	for i, c := range clusters {
		c.BDTOut = scores[i]
		out[i] = c
	}
	return out, nil
}
