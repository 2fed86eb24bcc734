package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float64 array. Data is owned by the tensor;
// operations that return a *Tensor never alias their inputs.
type Tensor struct {
	Shape    []int
	Strides  []int
	NumElems int
	Data     []float64
}

// String returns a short description of the tensor
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
