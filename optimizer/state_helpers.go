package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
)

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// extractBufferState copies one state buffer for checkpointing; nil buffers are skipped
func extractBufferState(buffers []*tensor.Tensor, prefix, stateType string) []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for i, buf := range buffers {
		if buf == nil {
			continue
		}
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     append([]int(nil), buf.Shape...),
			Data:      append([]float64(nil), buf.Data...),
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferState places a checkpointed tensor into buffers, growing the slice as needed
func restoreBufferState(buffers []*tensor.Tensor, t checkpoints.OptimizerTensor) ([]*tensor.Tensor, error) {
	idx := extractBufferIndex(t.Name)
	if idx < 0 {
		return buffers, fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
	}
	buf, err := tensor.NewTensor(t.Shape, t.Data)
	if err != nil {
		return buffers, fmt.Errorf("failed to restore %s: %w", t.Name, err)
	}
	for len(buffers) <= idx {
		buffers = append(buffers, nil)
	}
	buffers[idx] = buf
	return buffers, nil
}

// ensureBuffers sizes buffers for params, or reports a parameter list that changed length
func ensureBuffers(buffers []*tensor.Tensor, params []*nn.Parameter) ([]*tensor.Tensor, error) {
	if len(buffers) > len(params) {
		return buffers, fmt.Errorf("optimizer state tracks %d parameters, got %d", len(buffers), len(params))
	}
	for len(buffers) < len(params) {
		buffers = append(buffers, nil)
	}
	for i, buf := range buffers {
		if buf != nil && !tensor.SameShape(buf.Shape, params[i].Value.Shape) {
			return buffers, fmt.Errorf("state buffer %d has shape %v, parameter %s has %v",
				i, buf.Shape, params[i].Name, params[i].Value.Shape)
		}
	}
	return buffers, nil
}
