package tensor

import (
	"fmt"
	"strings"
)

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		NumElems: t.NumElems,
		Data:     make([]float64, len(t.Data)),
	}
	copy(clone.Data, t.Data)
	return clone
}

// CopyFrom overwrites t's elements with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := checkCompatibility(t, src); err != nil {
		return err
	}
	copy(t.Data, src.Data)
	return nil
}

// Zero sets every element to 0 in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the number of dimensions
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether two tensors have the same shape and elements.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !SameShape(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if v != other.Data[i] {
			return false
		}
	}
	return true
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor%v[", t.Shape))
	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4g", t.Data[i]))
	}
	if n < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}
