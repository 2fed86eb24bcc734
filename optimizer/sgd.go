package optimizer

import (
	"fmt"

	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
	"gonum.org/v1/gonum/floats"
)

// SGD is stochastic gradient descent with optional momentum, Nesterov
// momentum and L2 weight decay.
type SGD struct {
	learningRate float64
	momentum     float64
	weightDecay  float64
	nesterov     bool

	momentumBuffers []*tensor.Tensor
	stepCount       uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

func (c SGDConfig) validate() error {
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 {
		return fmt.Errorf("momentum cannot be negative: %f", c.Momentum)
	}
	if c.Momentum > 1.0 {
		return fmt.Errorf("momentum cannot be greater than 1.0: %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Nesterov && c.Momentum == 0 {
		return fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	return nil
}

// NewSGD creates a new SGD optimizer
func NewSGD(config SGDConfig) (*SGD, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &SGD{
		learningRate: config.LearningRate,
		momentum:     config.Momentum,
		weightDecay:  config.WeightDecay,
		nesterov:     config.Nesterov,
	}, nil
}

// Step performs a single SGD optimization step. The first step seeds each
// momentum buffer with the gradient itself.
func (sgd *SGD) Step(params []*nn.Parameter) error {
	bufs, err := ensureBuffers(sgd.momentumBuffers, params)
	if err != nil {
		return err
	}
	sgd.momentumBuffers = bufs
	sgd.stepCount++

	d := make([]float64, 0)
	for i, p := range params {
		if p.Grad == nil {
			continue
		}

		d = append(d[:0], p.Grad.Data...)
		if sgd.weightDecay != 0 {
			floats.AddScaled(d, sgd.weightDecay, p.Value.Data)
		}

		if sgd.momentum != 0 {
			buf := sgd.momentumBuffers[i]
			if buf == nil {
				buf, err = tensor.NewTensor(p.Value.Shape, d)
				if err != nil {
					return fmt.Errorf("momentum buffer for %s: %w", p.Name, err)
				}
				sgd.momentumBuffers[i] = buf
			} else {
				floats.Scale(sgd.momentum, buf.Data)
				floats.Add(buf.Data, d)
			}

			if sgd.nesterov {
				floats.AddScaled(d, sgd.momentum, buf.Data)
			} else {
				copy(d, buf.Data)
			}
		}

		floats.AddScaled(p.Value.Data, -sgd.learningRate, d)
	}

	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGD) UpdateLearningRate(newLR float64) {
	sgd.learningRate = newLR
}

// LearningRate returns the current learning rate
func (sgd *SGD) LearningRate() float64 {
	return sgd.learningRate
}

// MomentumBuffers returns the per-parameter momentum buffers (nil until the first step)
func (sgd *SGD) MomentumBuffers() []*tensor.Tensor {
	return sgd.momentumBuffers
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// Name returns the optimizer name
func (sgd *SGD) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
			"nesterov":      boolParam(sgd.nesterov),
			"step_count":    float64(sgd.stepCount),
		},
		StateData: extractBufferState(sgd.momentumBuffers, "momentum", "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.learningRate = extractParam(state.Parameters, "learning_rate", sgd.learningRate)
	sgd.momentum = extractParam(state.Parameters, "momentum", sgd.momentum)
	sgd.weightDecay = extractParam(state.Parameters, "weight_decay", sgd.weightDecay)
	sgd.nesterov = extractParam(state.Parameters, "nesterov", boolParam(sgd.nesterov)) != 0
	sgd.stepCount = uint64(extractParam(state.Parameters, "step_count", float64(sgd.stepCount)))

	var bufs []*tensor.Tensor
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		var err error
		if bufs, err = restoreBufferState(bufs, t); err != nil {
			return err
		}
	}
	sgd.momentumBuffers = bufs

	return nil
}
