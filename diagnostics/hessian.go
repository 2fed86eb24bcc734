package diagnostics

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/nn"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

// HessianConfig controls the curvature estimators.
type HessianConfig struct {
	// Batches is the number of batches the Hessian is averaged over.
	Batches int
	// Iters is the fixed power-iteration budget.
	Iters int
	// Step is the finite-difference step along the unit direction.
	Step float64
	Seed int64
}

// DefaultHessianConfig returns the settings used when none are configured.
func DefaultHessianConfig() HessianConfig {
	return HessianConfig{Batches: 10, Iters: 20, Step: 1e-3, Seed: 1}
}

// Validate rejects budgets and steps the estimators cannot run with.
func (c HessianConfig) Validate() error {
	if c.Batches <= 0 {
		return fmt.Errorf("sharpness batches must be positive, got %d", c.Batches)
	}
	if c.Iters <= 0 {
		return fmt.Errorf("hessian iterations must be positive, got %d", c.Iters)
	}
	if !(c.Step > 0) || math.IsInf(c.Step, 0) {
		return fmt.Errorf("finite-difference step must be positive, got %v", c.Step)
	}
	return nil
}

// SharpnessEstimate is the curvature measured in one diagnostic pass.
type SharpnessEstimate struct {
	Sharpness    float64 // dominant Hessian eigenvalue
	DirSharpness float64 // curvature along the update direction
}

// curvature evaluates the averaged gradient of a model at points
// θ0 + t·v around its current parameters θ0.
type curvature struct {
	m       Model
	params  []*nn.Parameter
	names   []string
	sizes   []int
	origin  []float64
	batches []*dataloader.Batch
}

func newCurvature(m Model, batches []*dataloader.Batch) *curvature {
	c := &curvature{m: m, batches: batches}
	for _, p := range m.Parameters() {
		if !p.RequiresGrad {
			continue
		}
		c.params = append(c.params, p)
		c.names = append(c.names, p.Name)
		c.sizes = append(c.sizes, len(p.Value.Data))
		c.origin = append(c.origin, p.Value.Data...)
	}
	return c
}

func (c *curvature) dim() int {
	return len(c.origin)
}

// move sets the parameters to θ0 + t·v.
func (c *curvature) move(t float64, v []float64) {
	off := 0
	for _, p := range c.params {
		n := len(p.Value.Data)
		copy(p.Value.Data, c.origin[off:off+n])
		if t != 0 {
			floats.AddScaled(p.Value.Data, t, v[off:off+n])
		}
		off += n
	}
}

// restore puts θ0 back and clears the gradient buffers.
func (c *curvature) restore() {
	c.move(0, nil)
	c.m.ZeroGrad()
}

// gradient returns the batch-averaged gradient at θ0 + t·v.
func (c *curvature) gradient(t float64, v []float64) ([]float64, error) {
	c.move(t, v)
	c.m.ZeroGrad()
	scale := 1 / float64(len(c.batches))
	for i, b := range c.batches {
		if _, err := c.m.Backward(b, scale); err != nil {
			return nil, fmt.Errorf("backward pass %d: %w", i, err)
		}
	}

	g := make([]float64, 0, c.dim())
	for _, p := range c.params {
		if p.Grad == nil {
			g = append(g, make([]float64, len(p.Value.Data))...)
			continue
		}
		g = append(g, p.Grad.Data...)
	}
	return g, nil
}

// hvp approximates H·v with the central stencil on the gradient.
func (c *curvature) hvp(v []float64, h float64) ([]float64, error) {
	out := make([]float64, c.dim())
	for _, pt := range fd.Central.Stencil {
		g, err := c.gradient(pt.Loc*h, v)
		if err != nil {
			return nil, err
		}
		floats.AddScaled(out, pt.Coeff/h, g)
	}
	return out, nil
}

// EigenHessian estimates the dominant eigenvalue of the loss Hessian at the
// current parameters by power iteration on finite-difference Hessian-vector
// products. The same cfg.Batches batches are used for every iteration. The
// result is the Rayleigh quotient vᵀHv of the final unit vector.
func EigenHessian(m Model, it dataloader.BatchIterator, cfg HessianConfig) (float64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	batches, err := drawBatches(it, cfg.Batches)
	if err != nil {
		return 0, err
	}

	c := newCurvature(m, batches)
	defer c.restore()
	if c.dim() == 0 {
		return 0, fmt.Errorf("%w: model has no trainable parameters", ErrDegenerateCurvature)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	v := make([]float64, c.dim())
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	floats.Scale(1/floats.Norm(v, 2), v)

	eigen := 0.0
	for i := 0; i < cfg.Iters; i++ {
		hv, err := c.hvp(v, cfg.Step)
		if err != nil {
			return 0, err
		}
		eigen = floats.Dot(v, hv)

		norm := floats.Norm(hv, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return 0, fmt.Errorf("%w: |Hv| = %v at iteration %d", ErrDegenerateCurvature, norm, i)
		}
		floats.ScaleTo(v, 1/norm, hv)
	}

	if math.IsNaN(eigen) || math.IsInf(eigen, 0) {
		return 0, fmt.Errorf("%w: eigenvalue %v", ErrDegenerateCurvature, eigen)
	}
	return eigen, nil
}

// DirHessian returns the curvature uᵀHu along u = direction/|direction|,
// using cfg.Batches batches and the central-difference derivative of
// t ↦ uᵀ∇L(θ + t·u) at t = 0. direction must cover exactly the trainable
// parameters of m.
func DirHessian(m Model, it dataloader.BatchIterator, direction *Snapshot, cfg HessianConfig) (float64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	if direction == nil {
		return 0, ErrZeroDirection
	}

	c := newCurvature(m, nil)
	u, err := direction.vector(c.names, c.sizes)
	if err != nil {
		return 0, err
	}
	norm := floats.Norm(u, 2)
	if norm == 0 {
		return 0, ErrZeroDirection
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return 0, fmt.Errorf("%w: direction norm %v", ErrDegenerateCurvature, norm)
	}
	floats.Scale(1/norm, u)

	if c.batches, err = drawBatches(it, cfg.Batches); err != nil {
		return 0, err
	}
	defer c.restore()

	var evalErr error
	slope := func(t float64) float64 {
		if evalErr != nil {
			return 0
		}
		g, err := c.gradient(t, u)
		if err != nil {
			evalErr = err
			return 0
		}
		return floats.Dot(u, g)
	}
	curv := fd.Derivative(slope, 0, &fd.Settings{Formula: fd.Central, Step: cfg.Step})
	if evalErr != nil {
		return 0, evalErr
	}
	if math.IsNaN(curv) || math.IsInf(curv, 0) {
		return 0, fmt.Errorf("%w: directional curvature %v", ErrDegenerateCurvature, curv)
	}
	return curv, nil
}
