package selection

import (
	"fmt"
	"regexp"
)

// AllName is the name of the catalogue's pass-through element.
const AllName = "all"

// Selector is an ordered family of selections picked from a catalogue by
// name pattern.
type Selector struct {
	pattern    string
	selections []Selection
}

// NewSelector collects the catalogue entries whose name matches pattern,
// in catalogue order.
func NewSelector(pattern string, catalogue []Selection) (*Selector, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile selector pattern %q: %w", pattern, err)
	}
	s := &Selector{pattern: pattern}
	for _, sel := range catalogue {
		if re.MatchString(sel.Name) {
			s.selections = append(s.selections, sel)
		}
	}
	return s, nil
}

// MustSelector is NewSelector for patterns known at compile time.
func MustSelector(pattern string, catalogue []Selection) *Selector {
	s, err := NewSelector(pattern, catalogue)
	if err != nil {
		panic(err)
	}
	return s
}

// Times returns the Cartesian product of s and other, s-major. The "all"
// element composes as an identity, so all×X is X and all×all is emitted
// once as "all".
func (s *Selector) Times(other *Selector) *Selector {
	out := &Selector{
		pattern:    s.pattern + "*" + other.pattern,
		selections: make([]Selection, 0, len(s.selections)*len(other.selections)),
	}
	for _, a := range s.selections {
		for _, b := range other.selections {
			aAll, bAll := a.Name == AllName, b.Name == AllName
			switch {
			case aAll && bAll:
				out.selections = append(out.selections, a)
			case aAll:
				out.selections = append(out.selections, b)
			case bAll:
				out.selections = append(out.selections, a)
			default:
				out.selections = append(out.selections, a.And(b))
			}
		}
	}
	return out
}

// Selections returns a copy of the family.
func (s *Selector) Selections() []Selection {
	out := make([]Selection, len(s.selections))
	copy(out, s.selections)
	return out
}

// Len returns the number of selections in the family.
func (s *Selector) Len() int { return len(s.selections) }

func (s *Selector) String() string {
	return fmt.Sprintf("<Selector %s: %d selections>", s.pattern, len(s.selections))
}
