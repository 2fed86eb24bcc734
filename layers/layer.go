package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	LeakyReLU
	Tanh
)

// String returns the layer type name
func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - execution lives in package nn.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64    `json:"total_parameters"`
	ParameterShapes [][]int  `json:"parameter_shapes"`
	ParameterNames  []string `json:"parameter_names"`
	InputShape      []int    `json:"input_shape"`
	OutputShape     []int    `json:"output_shape"`
	Compiled        bool     `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape is [batch, features...];
// everything after the batch dimension is flattened by the first Dense layer.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddTanh adds a Tanh activation to the model
func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Tanh,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape must be [batch, features...], got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	seen := make(map[string]bool)
	for i, layer := range mb.layers {
		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		model.Layers[i] = layer
	}

	currentShape := mb.inputShape
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramNames, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterNames = paramNames
		layer.ParameterCount = paramCount

		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		model.ParameterNames = append(model.ParameterNames, paramNames...)
		totalParams += paramCount

		currentShape = outputShape
	}

	if model.Layers[len(model.Layers)-1].Type != Dense {
		return nil, fmt.Errorf("last layer must be Dense (logits), got %s", model.Layers[len(model.Layers)-1].Type)
	}

	model.OutputShape = currentShape
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case ReLU, LeakyReLU, Tanh:
		return append([]int(nil), inputShape...), [][]int{}, nil, 0, nil
	default:
		return nil, nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, int64, error) {
	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramNames := []string{layer.Name + ".weight"}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramNames = append(paramNames, layer.Name+".bias")
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramNames, paramCount, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("  (%d) %s: %s in=%v out=%v params=%d\n",
			i, layer.Name, layer.Type, layer.InputShape, layer.OutputShape, layer.ParameterCount))
	}

	return sb.String()
}

// GetIntParam reads an integer parameter, accepting the float64 that JSON decoding produces.
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

// GetBoolParam reads a bool layer parameter, falling back to defaultValue
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetFloatParam reads a numeric layer parameter, falling back to defaultValue
func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}
