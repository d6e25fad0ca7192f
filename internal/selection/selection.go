package selection

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/ntuple-tools/internal/ntuple"
)

// ErrInvalidSelection is wrapped by every predicate parse or evaluation error.
var ErrInvalidSelection = errors.New("invalid selection")

// InvalidSelectionError reports a predicate that could not be parsed or
// evaluated against a record.
type InvalidSelectionError struct {
	Name string
	Expr string
	Err  error
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("invalid selection %q (%s): %v", e.Name, e.Expr, e.Err)
}

func (e *InvalidSelectionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvalidSelection.
func (e *InvalidSelectionError) Is(target error) bool { return target == ErrInvalidSelection }

// program caches the parsed predicate. It is shared between copies of a
// Selection so the parse happens once.
type program struct {
	once sync.Once
	root node
	err  error
}

// Selection is a named boolean predicate over record fields. The predicate
// is parsed at first evaluation, not at construction.
type Selection struct {
	Name  string
	Label string

	terms []string
	prog  *program
}

// New creates a Selection. An empty expr matches every record.
func New(name, label, expr string) Selection {
	s := Selection{Name: name, Label: label, prog: &program{}}
	if strings.TrimSpace(expr) != "" {
		s.terms = []string{expr}
	}
	return s
}

// Expr returns the predicate string. A conjunction of several terms is
// rendered as "(t1) & (t2) & ...".
func (s Selection) Expr() string {
	switch len(s.terms) {
	case 0:
		return ""
	case 1:
		return s.terms[0]
	}
	parts := make([]string, len(s.terms))
	for i, t := range s.terms {
		parts[i] = "(" + t + ")"
	}
	return strings.Join(parts, " & ")
}

// And returns the conjunction of s and other. Names concatenate, labels
// join with ", " and predicates are ANDed; empty values are the identity
// for each.
func (s Selection) And(other Selection) Selection {
	out := Selection{
		Name:  s.Name + other.Name,
		Label: joinLabel(s.Label, other.Label),
		prog:  &program{},
	}
	out.terms = make([]string, 0, len(s.terms)+len(other.terms))
	out.terms = append(out.terms, s.terms...)
	out.terms = append(out.terms, other.terms...)
	if len(out.terms) == 0 {
		out.terms = nil
	}
	return out
}

func joinLabel(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + ", " + b
}

// Equal compares predicate strings only; names and labels may differ.
func (s Selection) Equal(other Selection) bool {
	return s.Expr() == other.Expr()
}

// IsIdentity reports whether the selection has no predicate.
func (s Selection) IsIdentity() bool { return len(s.terms) == 0 }

func (s Selection) String() string {
	return fmt.Sprintf("n: %s, l: %s, s: %s", s.Name, s.Label, s.Expr())
}

func (s Selection) compile() (node, error) {
	p := s.prog
	if p == nil {
		// Zero Selection literal; nothing to cache into.
		return parse(s.Expr())
	}
	p.once.Do(func() {
		p.root, p.err = parse(s.Expr())
	})
	return p.root, p.err
}

func (s Selection) invalid(err error) error {
	return &InvalidSelectionError{Name: s.Name, Expr: s.Expr(), Err: err}
}

// Match evaluates the predicate on a single record.
func (s Selection) Match(r ntuple.Record) (bool, error) {
	root, err := s.compile()
	if err != nil {
		return false, s.invalid(err)
	}
	if root == nil {
		return true, nil
	}
	v, err := root.eval(r)
	if err != nil {
		return false, s.invalid(err)
	}
	return truthy(v), nil
}

// Filter returns the records matching s, in input order.
func Filter[R ntuple.Record](s Selection, records []R) ([]R, error) {
	root, err := s.compile()
	if err != nil {
		return nil, s.invalid(err)
	}
	if root == nil {
		out := make([]R, len(records))
		copy(out, records)
		return out, nil
	}
	out := make([]R, 0, len(records))
	for _, r := range records {
		v, err := root.eval(r)
		if err != nil {
			return nil, s.invalid(err)
		}
		if truthy(v) {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddSelections returns every a[i].And(b[j]), a-major.
func AddSelections(a, b []Selection) []Selection {
	out := make([]Selection, 0, len(a)*len(b))
	for _, sa := range a {
		for _, sb := range b {
			out = append(out, sa.And(sb))
		}
	}
	return out
}
