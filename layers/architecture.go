package layers

import (
	"fmt"
	"sort"
)

type archFunc func(mb *ModelBuilder, numClasses int, hidden []int) *ModelBuilder

var architectures = map[string]archFunc{
	// softmax regression
	"softmax": func(mb *ModelBuilder, numClasses int, _ []int) *ModelBuilder {
		return mb.AddDense(numClasses, true, "fc")
	},
	"mlp": func(mb *ModelBuilder, numClasses int, hidden []int) *ModelBuilder {
		mb.AddDense(hiddenAt(hidden, 0, 128), true, "fc1").AddReLU("relu1")
		return mb.AddDense(numClasses, true, "fc2")
	},
	"mlp2": func(mb *ModelBuilder, numClasses int, hidden []int) *ModelBuilder {
		mb.AddDense(hiddenAt(hidden, 0, 256), true, "fc1").AddReLU("relu1")
		mb.AddDense(hiddenAt(hidden, 1, 128), true, "fc2").AddReLU("relu2")
		return mb.AddDense(numClasses, true, "fc3")
	},
	"tanh-mlp": func(mb *ModelBuilder, numClasses int, hidden []int) *ModelBuilder {
		mb.AddDense(hiddenAt(hidden, 0, 64), true, "fc1").AddTanh("tanh1")
		return mb.AddDense(numClasses, true, "fc2")
	},
	"leaky-mlp": func(mb *ModelBuilder, numClasses int, hidden []int) *ModelBuilder {
		mb.AddDense(hiddenAt(hidden, 0, 128), true, "fc1").AddLeakyReLU(0.01, "lrelu1")
		return mb.AddDense(numClasses, true, "fc2")
	},
}

func hiddenAt(hidden []int, i, fallback int) int {
	if i < len(hidden) && hidden[i] > 0 {
		return hidden[i]
	}
	return fallback
}

// ArchitectureNames lists the registered architectures in sorted order.
func ArchitectureNames() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Architecture compiles the named classifier for inputs of shape [batch, features...].
func Architecture(name string, inputShape []int, numClasses int, hidden []int) (*ModelSpec, error) {
	build, ok := architectures[name]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q (available: %v)", name, ArchitectureNames())
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 classes, got %d", numClasses)
	}
	return build(NewModelBuilder(inputShape), numClasses, hidden).Compile()
}
