package nn

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/tensor"
)

// Weights exports the parameter values for checkpointing.
func (n *Network) Weights() []checkpoints.WeightTensor {
	weights := make([]checkpoints.WeightTensor, 0, len(n.params))
	for _, p := range n.params {
		layer, kind, _ := strings.Cut(p.Name, ".")
		weights = append(weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float64(nil), p.Value.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpointed values into the matching parameters.
// Every parameter must be present with an identical shape.
func (n *Network) LoadWeights(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != len(n.params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(byName), len(n.params))
	}

	for _, p := range n.params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("missing weight for parameter %s", p.Name)
		}
		src, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return fmt.Errorf("weight %s: %w", w.Name, err)
		}
		if err := p.Value.CopyFrom(src); err != nil {
			return fmt.Errorf("weight %s: %w", w.Name, err)
		}
	}
	return nil
}
