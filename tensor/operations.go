package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1 == nil || t2 == nil {
		return fmt.Errorf("nil tensor operand")
	}
	if !SameShape(t1.Shape, t2.Shape) {
		return fmt.Errorf("incompatible shapes: %v and %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Add returns the element-wise sum of two tensors of the same shape
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	result := t1.Clone()
	floats.Add(result.Data, t2.Data)
	return result, nil
}

// Sub returns the element-wise difference t1 - t2
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	result := t1.Clone()
	floats.Sub(result.Data, t2.Data)
	return result, nil
}

// Scale returns alpha*t.
func Scale(t *Tensor, alpha float64) *Tensor {
	result := t.Clone()
	floats.Scale(alpha, result.Data)
	return result
}

// AddScaled performs dst += alpha*src in place.
func AddScaled(dst *Tensor, alpha float64, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}
	floats.AddScaled(dst.Data, alpha, src.Data)
	return nil
}

// Dot returns the inner product of the flattened tensors
func Dot(t1, t2 *Tensor) (float64, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return 0, err
	}
	return floats.Dot(t1.Data, t2.Data), nil
}
