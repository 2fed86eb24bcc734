package layers

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestCompileDenseStack(t *testing.T) {
	model, err := NewModelBuilder([]int{32, 1, 8, 8}).
		AddDense(16, true, "fc1").
		AddReLU("relu1").
		AddDense(4, false, "fc2").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	expectedShapes := [][]int{{64, 16}, {16}, {16, 4}}
	if !reflect.DeepEqual(model.ParameterShapes, expectedShapes) {
		t.Errorf("ParameterShapes = %v, expected %v", model.ParameterShapes, expectedShapes)
	}
	expectedNames := []string{"fc1.weight", "fc1.bias", "fc2.weight"}
	if !reflect.DeepEqual(model.ParameterNames, expectedNames) {
		t.Errorf("ParameterNames = %v, expected %v", model.ParameterNames, expectedNames)
	}
	if model.TotalParameters != 64*16+16+16*4 {
		t.Errorf("TotalParameters = %d", model.TotalParameters)
	}
	if !reflect.DeepEqual(model.OutputShape, []int{32, 4}) {
		t.Errorf("OutputShape = %v", model.OutputShape)
	}
	if !strings.Contains(model.Summary(), "fc1: Dense") {
		t.Errorf("Summary missing layer line:\n%s", model.Summary())
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
	}{
		{"empty", NewModelBuilder([]int{1, 4})},
		{"bad input shape", NewModelBuilder([]int{4}).AddDense(2, true, "fc")},
		{"duplicate names", NewModelBuilder([]int{1, 4}).AddDense(3, true, "fc").AddDense(2, true, "fc")},
		{"activation last", NewModelBuilder([]int{1, 4}).AddDense(3, true, "fc").AddReLU("relu")},
		{"zero output", NewModelBuilder([]int{1, 4}).AddDense(0, true, "fc")},
	}

	for _, tt := range tests {
		if _, err := tt.builder.Compile(); err == nil {
			t.Errorf("%s: expected compile error", tt.name)
		}
	}
}

func TestArchitectureRegistry(t *testing.T) {
	for _, name := range ArchitectureNames() {
		spec, err := Architecture(name, []int{1, 10}, 3, []int{5, 4})
		if err != nil {
			t.Fatalf("Architecture(%s) failed: %v", name, err)
		}
		if spec.OutputShape[1] != 3 {
			t.Errorf("%s: output classes = %d", name, spec.OutputShape[1])
		}
	}
	if _, err := Architecture("resnet152", []int{1, 10}, 3, nil); err == nil {
		t.Error("Expected error for unknown architecture")
	}
	if _, err := Architecture("mlp", []int{1, 10}, 1, nil); err == nil {
		t.Error("Expected error for single class")
	}
}

func TestParamsSurviveJSON(t *testing.T) {
	spec, err := Architecture("mlp", []int{1, 6}, 2, []int{7})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if got := GetIntParam(decoded.Layers[0].Parameters, "output_size", -1); got != 7 {
		t.Errorf("output_size after JSON = %d", got)
	}
	if !GetBoolParam(decoded.Layers[0].Parameters, "use_bias", false) {
		t.Error("use_bias lost after JSON")
	}
}
