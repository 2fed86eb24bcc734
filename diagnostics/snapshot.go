package diagnostics

import (
	"fmt"
	"math"

	"github.com/tsawler/go-landscape/tensor"
	"gonum.org/v1/gonum/floats"
)

// Snapshot is an immutable copy of a model's gradients keyed by parameter
// name, in parameter enumeration order. Parameters that had no gradient at
// capture time are absent.
type Snapshot struct {
	names []string
	grads map[string]*tensor.Tensor
}

// CloneGrad copies every present gradient of m.
func CloneGrad(m Model) *Snapshot {
	s := &Snapshot{grads: make(map[string]*tensor.Tensor)}
	for _, p := range m.Parameters() {
		if p.Grad == nil {
			continue
		}
		s.names = append(s.names, p.Name)
		s.grads[p.Name] = p.Grad.Clone()
	}
	return s
}

// Keys returns the parameter names in enumeration order.
func (s *Snapshot) Keys() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of parameters in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Grad returns a copy of the gradient captured for name.
func (s *Snapshot) Grad(name string) (*tensor.Tensor, bool) {
	g, ok := s.grads[name]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// CheckKeys verifies that a and b cover the same parameters with the same
// element counts.
func CheckKeys(a, b *Snapshot) error {
	if len(a.names) != len(b.names) {
		return fmt.Errorf("%w: %d vs %d parameters", ErrKeyMismatch, len(a.names), len(b.names))
	}
	for _, name := range a.names {
		gb, ok := b.grads[name]
		if !ok {
			return fmt.Errorf("%w: %q missing", ErrKeyMismatch, name)
		}
		if ga := a.grads[name]; len(ga.Data) != len(gb.Data) {
			return fmt.Errorf("%w: %q has %d vs %d elements", ErrKeyMismatch, name, len(ga.Data), len(gb.Data))
		}
	}
	return nil
}

// SquaredNorm is ||s||² over all parameters.
func (s *Snapshot) SquaredNorm() float64 {
	total := 0.0
	for _, name := range s.names {
		g := s.grads[name].Data
		total += floats.Dot(g, g)
	}
	return total
}

// L1Norm is the sum of absolute gradient components.
func (s *Snapshot) L1Norm() float64 {
	total := 0.0
	for _, name := range s.names {
		total += floats.Norm(s.grads[name].Data, 1)
	}
	return total
}

// LInfNorm is the largest absolute gradient component.
func (s *Snapshot) LInfNorm() float64 {
	m := 0.0
	for _, name := range s.names {
		m = math.Max(m, floats.Norm(s.grads[name].Data, math.Inf(1)))
	}
	return m
}

// SquaredDistance is ||a - b||².
func SquaredDistance(a, b *Snapshot) (float64, error) {
	if err := CheckKeys(a, b); err != nil {
		return 0, err
	}
	total := 0.0
	for _, name := range a.names {
		diff := floats.SubTo(make([]float64, len(a.grads[name].Data)), a.grads[name].Data, b.grads[name].Data)
		total += floats.Dot(diff, diff)
	}
	return total, nil
}

// NoiseSample compares one stochastic gradient with a reference gradient.
type NoiseSample struct {
	Noise      float64 // ||g_sto - g_ref||²
	GradNormSq float64 // ||g_sto||²
	LInf       float64 // ||g_sto - g_ref||∞
}

// Compare computes the noise statistics of sto against ref.
func Compare(sto, ref *Snapshot) (NoiseSample, error) {
	noise, err := SquaredDistance(sto, ref)
	if err != nil {
		return NoiseSample{}, err
	}
	linf := 0.0
	for _, name := range sto.names {
		linf = math.Max(linf, floats.Distance(sto.grads[name].Data, ref.grads[name].Data, math.Inf(1)))
	}
	return NoiseSample{Noise: noise, GradNormSq: sto.SquaredNorm(), LInf: linf}, nil
}

// vector flattens the snapshot in the order of names, failing unless the
// snapshot covers exactly those parameters with the given sizes.
func (s *Snapshot) vector(names []string, sizes []int) ([]float64, error) {
	if len(names) != len(s.names) {
		return nil, fmt.Errorf("%w: snapshot has %d parameters, model has %d", ErrKeyMismatch, len(s.names), len(names))
	}
	var out []float64
	for i, name := range names {
		g, ok := s.grads[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q missing", ErrKeyMismatch, name)
		}
		if len(g.Data) != sizes[i] {
			return nil, fmt.Errorf("%w: %q has %d elements, parameter has %d", ErrKeyMismatch, name, len(g.Data), sizes[i])
		}
		out = append(out, g.Data...)
	}
	return out, nil
}
