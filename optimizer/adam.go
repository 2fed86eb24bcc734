package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
)

// Adam implements bias-corrected Adam with L2 weight decay folded into the gradient.
type Adam struct {
	learningRate float64
	beta1        float64 // Momentum decay (typically 0.9)
	beta2        float64 // Variance decay (typically 0.999)
	epsilon      float64
	weightDecay  float64

	momentumBuffers []*tensor.Tensor // first moment
	varianceBuffers []*tensor.Tensor // second moment

	stepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdam creates a new Adam optimizer
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &Adam{
		learningRate: config.LearningRate,
		beta1:        config.Beta1,
		beta2:        config.Beta2,
		epsilon:      config.Epsilon,
		weightDecay:  config.WeightDecay,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *Adam) Step(params []*nn.Parameter) error {
	var err error
	if adam.momentumBuffers, err = ensureBuffers(adam.momentumBuffers, params); err != nil {
		return err
	}
	if adam.varianceBuffers, err = ensureBuffers(adam.varianceBuffers, params); err != nil {
		return err
	}
	adam.stepCount++

	t := float64(adam.stepCount)
	bias1 := 1 - math.Pow(adam.beta1, t)
	bias2 := 1 - math.Pow(adam.beta2, t)

	for i, p := range params {
		if p.Grad == nil {
			continue
		}
		if adam.momentumBuffers[i] == nil {
			if adam.momentumBuffers[i], err = tensor.Zeros(p.Value.Shape); err != nil {
				return fmt.Errorf("momentum buffer for %s: %w", p.Name, err)
			}
			if adam.varianceBuffers[i], err = tensor.Zeros(p.Value.Shape); err != nil {
				return fmt.Errorf("variance buffer for %s: %w", p.Name, err)
			}
		}
		m := adam.momentumBuffers[i].Data
		v := adam.varianceBuffers[i].Data

		for j, g := range p.Grad.Data {
			if adam.weightDecay != 0 {
				g += adam.weightDecay * p.Value.Data[j]
			}
			m[j] = adam.beta1*m[j] + (1-adam.beta1)*g
			v[j] = adam.beta2*v[j] + (1-adam.beta2)*g*g

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.Value.Data[j] -= adam.learningRate * mHat / (math.Sqrt(vHat) + adam.epsilon)
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *Adam) UpdateLearningRate(newLR float64) {
	adam.learningRate = newLR
}

// LearningRate returns the current learning rate
func (adam *Adam) LearningRate() float64 {
	return adam.learningRate
}

// MomentumBuffers returns the first-moment buffers
func (adam *Adam) MomentumBuffers() []*tensor.Tensor {
	return adam.momentumBuffers
}

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.stepCount
}

// Name returns the optimizer name
func (adam *Adam) Name() string {
	return "Adam"
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.learningRate,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.epsilon,
			"weight_decay":  adam.weightDecay,
			"step_count":    float64(adam.stepCount),
		},
	}
	state.StateData = append(state.StateData, extractBufferState(adam.momentumBuffers, "momentum", "m")...)
	state.StateData = append(state.StateData, extractBufferState(adam.varianceBuffers, "variance", "v")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.learningRate = extractParam(state.Parameters, "learning_rate", adam.learningRate)
	adam.beta1 = extractParam(state.Parameters, "beta1", adam.beta1)
	adam.beta2 = extractParam(state.Parameters, "beta2", adam.beta2)
	adam.epsilon = extractParam(state.Parameters, "epsilon", adam.epsilon)
	adam.weightDecay = extractParam(state.Parameters, "weight_decay", adam.weightDecay)
	adam.stepCount = uint64(extractParam(state.Parameters, "step_count", float64(adam.stepCount)))

	var m, v []*tensor.Tensor
	var err error
	for _, t := range state.StateData {
		switch t.StateType {
		case "m":
			m, err = restoreBufferState(m, t)
		case "v":
			v, err = restoreBufferState(v, t)
		}
		if err != nil {
			return err
		}
	}
	if len(m) != len(v) {
		return fmt.Errorf("adam state has %d momentum and %d variance buffers", len(m), len(v))
	}
	adam.momentumBuffers, adam.varianceBuffers = m, v

	return nil
}
