// Package matrix expands job matrices into concrete parameter bindings.
package matrix

import (
	"fmt"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

// Validate checks axis names and values before expansion. Duplicate axis
// names and blank names or values are configuration errors; an axis with an
// empty value list is legal and yields an empty product.
func Validate(axes []domain.MatrixAxis) error {
	seen := make(map[string]struct{}, len(axes))
	for i, axis := range axes {
		name := strings.TrimSpace(axis.Name)
		if name == "" {
			return fmt.Errorf("matrix axis[%d] name is required", i)
		}
		if name != axis.Name {
			return fmt.Errorf("matrix axis %q has surrounding whitespace", axis.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate matrix axis: %q", name)
		}
		seen[name] = struct{}{}
		for j, value := range axis.Values {
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("matrix axis %q value[%d] is blank", name, j)
			}
		}
	}
	return nil
}

// Size returns the number of bindings expansion will produce.
func Size(axes []domain.MatrixAxis) int {
	n := 1
	for _, axis := range axes {
		n *= len(axis.Values)
	}
	return n
}

// Expand returns the full cartesian product in deterministic order: axes in
// declaration order, the last axis varying fastest. No axes yields the
// single empty binding; an axis without values yields nothing.
func Expand(axes []domain.MatrixAxis) []domain.Binding {
	out := make([]domain.Binding, 0, Size(axes))
	seq := NewSequence(axes)
	for {
		binding, ok := seq.Next()
		if !ok {
			return out
		}
		out = append(out, binding)
	}
}

// Sequence walks the cartesian product lazily. It is finite and can be
// rewound with Reset; axes are captured at construction and never mutated.
type Sequence struct {
	axes    []domain.MatrixAxis
	indices []int
	done    bool
}

func NewSequence(axes []domain.MatrixAxis) *Sequence {
	s := &Sequence{axes: axes}
	s.Reset()
	return s
}

// Reset rewinds the sequence to the first binding.
func (s *Sequence) Reset() {
	s.indices = make([]int, len(s.axes))
	s.done = false
	for _, axis := range s.axes {
		if len(axis.Values) == 0 {
			s.done = true
			return
		}
	}
}

// Next returns the next binding in product order. The second result is
// false once the product is exhausted.
func (s *Sequence) Next() (domain.Binding, bool) {
	if s.done {
		return nil, false
	}

	binding := make(domain.Binding, len(s.axes))
	for i, axis := range s.axes {
		binding[i] = domain.Param{Name: axis.Name, Value: axis.Values[s.indices[i]]}
	}

	// Odometer increment from the last axis.
	s.done = true
	for i := len(s.indices) - 1; i >= 0; i-- {
		s.indices[i]++
		if s.indices[i] < len(s.axes[i].Values) {
			s.done = false
			break
		}
		s.indices[i] = 0
	}

	return binding, true
}
