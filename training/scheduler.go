package training

import (
	"fmt"
	"math"
)

// LRScheduler maps a position in training to a learning rate.
// Implementations are pure functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for step within epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// NewScheduler builds the schedule named by the lr_schedule option.
func NewScheduler(name string, epochs, stepsPerEpoch int, baseLR float64) (LRScheduler, error) {
	switch name {
	case "piecewise":
		return NewPiecewiseScheduler(epochs), nil
	case "cosine":
		s := NewCosineAnnealingLRScheduler(epochs*stepsPerEpoch, 0.01*baseLR)
		s.StepsPerEpoch = stepsPerEpoch
		return s, nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "constant", "":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown lr schedule %q", name)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

// NewPiecewiseScheduler decays by 10x at each third of a run of epochs.
func NewPiecewiseScheduler(epochs int) *StepLRScheduler {
	return NewStepLRScheduler(max(1, epochs/3), 0.1)
}

// GetLR returns the decayed learning rate
func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

// GetName returns the scheduler name
func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

// GetLR returns the decayed learning rate
func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

// GetName returns the scheduler name
func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax
// units. With StepsPerEpoch set a unit is one optimizer step, otherwise one
// epoch.
type CosineAnnealingLRScheduler struct {
	TMax          int
	EtaMin        float64
	StepsPerEpoch int
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

// GetLR returns the annealed learning rate for the global step
func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	t := epoch
	if s.StepsPerEpoch > 0 {
		t = epoch*s.StepsPerEpoch + step
	}
	if t >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(t)/float64(s.TMax)))/2
}

// GetName returns the scheduler name
func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

// GetLR returns baseLR unchanged
func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

// GetName returns the scheduler name
func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
