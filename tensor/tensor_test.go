package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensorValidation(t *testing.T) {
	if _, err := NewTensor([]int{2, 0}, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}
	if _, err := NewTensor([]int{}, nil); err == nil {
		t.Error("Expected error for empty shape")
	}
	if _, err := NewTensor([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Error("Expected error for data length mismatch")
	}

	data := []float64{1, 2, 3, 4}
	tt, err := NewTensor([]int{2, 2}, data)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	data[0] = 100
	if tt.Data[0] != 1 {
		t.Errorf("NewTensor must copy its input, got %v", tt.Data[0])
	}
	if tt.NumElems != 4 || !reflect.DeepEqual(tt.Strides, []int{2, 1}) {
		t.Errorf("Unexpected layout: elems=%d strides=%v", tt.NumElems, tt.Strides)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	a, _ := NewTensor([]int{3}, []float64{1, 2, 3})
	b := a.Clone()
	b.Data[1] = 42
	if a.Data[1] != 2 {
		t.Errorf("Clone aliases original data")
	}
	if !a.Equal(a.Clone()) {
		t.Errorf("Clone should be equal to original")
	}
}

func TestArithmetic(t *testing.T) {
	a, _ := NewTensor([]int{3}, []float64{1, 2, 3})
	b, _ := NewTensor([]int{3}, []float64{4, 5, 6})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Data, []float64{5, 7, 9}) {
		t.Errorf("Add = %v", sum.Data)
	}

	diff, err := Sub(b, a)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if !reflect.DeepEqual(diff.Data, []float64{3, 3, 3}) {
		t.Errorf("Sub = %v", diff.Data)
	}

	dot, err := Dot(a, b)
	if err != nil || dot != 32 {
		t.Errorf("Dot = %v, %v", dot, err)
	}

	if err := AddScaled(a, 2, b); err != nil {
		t.Fatalf("AddScaled failed: %v", err)
	}
	if !reflect.DeepEqual(a.Data, []float64{9, 12, 15}) {
		t.Errorf("AddScaled = %v", a.Data)
	}

	scaled := Scale(b, 0.5)
	if !reflect.DeepEqual(scaled.Data, []float64{2, 2.5, 3}) || b.Data[0] != 4 {
		t.Errorf("Scale = %v (input %v)", scaled.Data, b.Data)
	}

	c, _ := Zeros([]int{2})
	if _, err := Add(a, c); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestRandomNormal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	r, err := RandomNormal([]int{1000}, 2, 0.5, rng)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	mean := 0.0
	for _, v := range r.Data {
		mean += v
	}
	mean /= float64(len(r.Data))
	if math.Abs(mean-2) > 0.1 {
		t.Errorf("sample mean %f too far from 2", mean)
	}
	if _, err := RandomNormal([]int{2}, 0, 1, nil); err == nil {
		t.Error("Expected error for nil rng")
	}
}

func TestZeroAndCopy(t *testing.T) {
	a, _ := Full([]int{2, 2}, 3)
	b, _ := Zeros([]int{2, 2})
	if err := b.CopyFrom(a); err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}
	if !b.Equal(a) {
		t.Errorf("CopyFrom result differs: %v", b.Data)
	}
	a.Zero()
	for _, v := range a.Data {
		if v != 0 {
			t.Fatalf("Zero left %v", v)
		}
	}
}
