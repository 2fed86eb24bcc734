package diagnostics

import (
	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
)

// Model is the differentiable collaborator the estimators drive. The loss
// function is part of the model: Backward evaluates it on a batch and adds
// scale times its gradient to each parameter's gradient buffer.
type Model interface {
	Parameters() []*nn.Parameter
	ZeroGrad()
	Backward(batch *dataloader.Batch, scale float64) (float64, error)
}

// OptimizerView is the read-only part of an optimizer the monitor inspects.
type OptimizerView interface {
	LearningRate() float64
	MomentumBuffers() []*tensor.Tensor
}

// BatchSource hands out fresh iterators over the statistics data.
type BatchSource interface {
	Endless() dataloader.BatchIterator
}
