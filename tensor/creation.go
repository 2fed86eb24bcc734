package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros; a non-nil slice is copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		NumElems: numElems,
		Data:     make([]float64, numElems),
	}

	if data != nil {
		if len(data) != numElems {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
		}
		copy(t.Data, data)
	}

	return t, nil
}

// Zeros creates a tensor filled with zeros
func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

// Full creates a tensor filled with value
func Full(shape []int, value float64) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std²) using rng.
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("RandomNormal requires a random source")
	}
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()*std + mean
	}
	return t, nil
}
