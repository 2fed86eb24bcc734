// Package nn executes a compiled layers.ModelSpec on the CPU. It provides the
// forward pass, softmax cross-entropy loss and reverse-mode gradients that the
// trainer and the landscape diagnostics drive.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/layers"
	"github.com/tsawler/go-landscape/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Parameter is one named trainable tensor. Grad stays nil until a backward
// pass reaches the parameter; ZeroGrad clears it in place but keeps it allocated.
type Parameter struct {
	Name         string
	Value        *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
}

// layerExec is the runtime form of a LayerSpec
type layerExec struct {
	spec    layers.LayerSpec
	weight  int // index into params, -1 for activations
	bias    int
	inSize  int
	outSize int
	slope   float64
}

// Network is a feed-forward classifier built from a ModelSpec.
type Network struct {
	spec   *layers.ModelSpec
	params []*Parameter
	layers []layerExec
}

// Output summarises one forward pass over a batch
type Output struct {
	Loss float64 // mean cross-entropy
	Acc1 float64 // top-1 accuracy in percent
	Acc5 float64 // top-5 accuracy in percent
	Size int
}

// New allocates parameters for spec with He-normal weights and zero biases.
func New(spec *layers.ModelSpec, rng *rand.Rand) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	net := &Network{spec: spec}
	for _, ls := range spec.Layers {
		exec := layerExec{spec: ls, weight: -1, bias: -1}

		switch ls.Type {
		case layers.Dense:
			exec.inSize = layers.GetIntParam(ls.Parameters, "input_size", 0)
			exec.outSize = layers.GetIntParam(ls.Parameters, "output_size", 0)
			if exec.inSize <= 0 || exec.outSize <= 0 {
				return nil, fmt.Errorf("layer %s: invalid dense sizes %dx%d", ls.Name, exec.inSize, exec.outSize)
			}

			w, err := tensor.RandomNormal([]int{exec.inSize, exec.outSize}, 0, math.Sqrt(2/float64(exec.inSize)), rng)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
			}
			exec.weight = len(net.params)
			net.params = append(net.params, &Parameter{Name: ls.Name + ".weight", Value: w, RequiresGrad: true})

			if layers.GetBoolParam(ls.Parameters, "use_bias", true) {
				b, err := tensor.Zeros([]int{exec.outSize})
				if err != nil {
					return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
				}
				exec.bias = len(net.params)
				net.params = append(net.params, &Parameter{Name: ls.Name + ".bias", Value: b, RequiresGrad: true})
			}
		case layers.LeakyReLU:
			exec.slope = layers.GetFloatParam(ls.Parameters, "negative_slope", 0.01)
		case layers.ReLU, layers.Tanh:
		default:
			return nil, fmt.Errorf("layer %s: unsupported type %s", ls.Name, ls.Type)
		}

		net.layers = append(net.layers, exec)
	}

	return net, nil
}

// Spec returns the compiled specification the network was built from
func (n *Network) Spec() *layers.ModelSpec {
	return n.spec
}

// Parameters returns the parameters in model enumeration order.
func (n *Network) Parameters() []*Parameter {
	return n.params
}

// Freeze stops gradient accumulation for the named parameters.
func (n *Network) Freeze(names ...string) error {
	for _, name := range names {
		p := n.lookup(name)
		if p == nil {
			return fmt.Errorf("unknown parameter %q", name)
		}
		p.RequiresGrad = false
		p.Grad = nil
	}
	return nil
}

func (n *Network) lookup(name string) *Parameter {
	for _, p := range n.params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ZeroGrad clears every allocated gradient buffer in place.
func (n *Network) ZeroGrad() {
	for _, p := range n.params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// Clone returns a deep copy with independent parameter and gradient storage.
func (n *Network) Clone() *Network {
	clone := &Network{
		spec:   n.spec,
		params: make([]*Parameter, len(n.params)),
		layers: n.layers,
	}
	for i, p := range n.params {
		cp := &Parameter{Name: p.Name, Value: p.Value.Clone(), RequiresGrad: p.RequiresGrad}
		if p.Grad != nil {
			cp.Grad = p.Grad.Clone()
		}
		clone.params[i] = cp
	}
	return clone
}

// forwardCache keeps every layer input for the backward pass
type forwardCache struct {
	inputs []*mat.Dense
	logits *mat.Dense
}

func (n *Network) forward(inputs *tensor.Tensor) (*forwardCache, error) {
	if inputs == nil || len(inputs.Shape) < 2 {
		return nil, fmt.Errorf("inputs must be [batch, features...]")
	}
	batch := inputs.Shape[0]
	features := inputs.NumElems / batch

	x := mat.NewDense(batch, features, inputs.Data)
	cache := &forwardCache{inputs: make([]*mat.Dense, len(n.layers))}

	for i, l := range n.layers {
		cache.inputs[i] = x
		rows, cols := x.Dims()

		switch l.spec.Type {
		case layers.Dense:
			if cols != l.inSize {
				return nil, fmt.Errorf("layer %s expects %d inputs, got %d", l.spec.Name, l.inSize, cols)
			}
			w := n.params[l.weight].Value
			z := mat.NewDense(rows, l.outSize, nil)
			z.Mul(x, mat.NewDense(l.inSize, l.outSize, w.Data))
			if l.bias >= 0 {
				b := n.params[l.bias].Value.Data
				raw := z.RawMatrix()
				for r := 0; r < rows; r++ {
					floats.Add(raw.Data[r*raw.Stride:r*raw.Stride+l.outSize], b)
				}
			}
			x = z
		default:
			y := mat.NewDense(rows, cols, nil)
			y.Apply(func(_, _ int, v float64) float64 { return l.activate(v) }, x)
			x = y
		}
	}

	cache.logits = x
	return cache, nil
}

func (l layerExec) activate(v float64) float64 {
	switch l.spec.Type {
	case layers.ReLU:
		if v > 0 {
			return v
		}
		return 0
	case layers.LeakyReLU:
		if v > 0 {
			return v
		}
		return l.slope * v
	case layers.Tanh:
		return math.Tanh(v)
	}
	return v
}

// derivative of the activation evaluated at pre-activation v
func (l layerExec) derivative(v float64) float64 {
	switch l.spec.Type {
	case layers.ReLU:
		if v > 0 {
			return 1
		}
		return 0
	case layers.LeakyReLU:
		if v > 0 {
			return 1
		}
		return l.slope
	case layers.Tanh:
		t := math.Tanh(v)
		return 1 - t*t
	}
	return 1
}

// Forward evaluates loss and accuracy on a batch without touching gradients.
func (n *Network) Forward(batch *dataloader.Batch) (Output, error) {
	cache, err := n.forward(batch.Inputs)
	if err != nil {
		return Output{}, err
	}
	loss, _, err := crossEntropy(cache.logits, batch.Labels, false)
	if err != nil {
		return Output{}, err
	}
	acc := accuracy(cache.logits, batch.Labels, 1, 5)
	return Output{Loss: loss, Acc1: acc[0], Acc5: acc[1], Size: batch.Size()}, nil
}

// Backward runs a forward pass and accumulates scale·∇loss into the
// gradient buffers of every parameter that requires a gradient. It returns
// the unscaled mean loss.
func (n *Network) Backward(batch *dataloader.Batch, scale float64) (float64, error) {
	cache, err := n.forward(batch.Inputs)
	if err != nil {
		return 0, err
	}
	loss, delta, err := crossEntropy(cache.logits, batch.Labels, true)
	if err != nil {
		return 0, err
	}

	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		x := cache.inputs[i]
		rows, cols := x.Dims()

		switch l.spec.Type {
		case layers.Dense:
			if wp := n.params[l.weight]; wp.RequiresGrad {
				var dw mat.Dense
				dw.Mul(x.T(), delta)
				if err := accumulate(wp, dw.RawMatrix().Data, scale); err != nil {
					return 0, err
				}
			}
			if l.bias >= 0 && n.params[l.bias].RequiresGrad {
				db := make([]float64, l.outSize)
				raw := delta.RawMatrix()
				for r := 0; r < rows; r++ {
					floats.Add(db, raw.Data[r*raw.Stride:r*raw.Stride+l.outSize])
				}
				if err := accumulate(n.params[l.bias], db, scale); err != nil {
					return 0, err
				}
			}
			if i > 0 {
				w := n.params[l.weight].Value
				dx := mat.NewDense(rows, cols, nil)
				dx.Mul(delta, mat.NewDense(l.inSize, l.outSize, w.Data).T())
				delta = dx
			}
		default:
			dx := mat.NewDense(rows, cols, nil)
			dx.Apply(func(r, c int, g float64) float64 { return g * l.derivative(x.At(r, c)) }, delta)
			delta = dx
		}
	}

	return loss, nil
}

func accumulate(p *Parameter, grad []float64, scale float64) error {
	if p.Grad == nil {
		g, err := tensor.Zeros(p.Value.Shape)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		p.Grad = g
	}
	if len(grad) != len(p.Grad.Data) {
		return fmt.Errorf("parameter %s: gradient size %d, expected %d", p.Name, len(grad), len(p.Grad.Data))
	}
	floats.AddScaled(p.Grad.Data, scale, grad)
	return nil
}
