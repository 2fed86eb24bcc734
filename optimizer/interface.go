package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
)

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	// params must be passed in the same order on every call.
	Step(params []*nn.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	LearningRate() float64

	// MomentumBuffers returns the first-moment buffers, indexed like the
	// parameters. Entries are nil until the parameter has been stepped.
	MomentumBuffers() []*tensor.Tensor

	Name() string
}

// Config selects and parameterizes an optimizer
type Config struct {
	Type         string // "sgd" or "adam"
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// New builds the optimizer named by cfg.Type.
func New(cfg Config) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "sgd":
		return NewSGD(SGDConfig{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Nesterov:     cfg.Nesterov,
		})
	case "adam":
		adam := DefaultAdamConfig()
		adam.LearningRate = cfg.LearningRate
		adam.WeightDecay = cfg.WeightDecay
		if cfg.Momentum > 0 {
			adam.Beta1 = cfg.Momentum
		}
		return NewAdam(adam)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Type)
	}
}
