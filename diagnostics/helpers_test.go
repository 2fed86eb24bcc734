package diagnostics

import (
	"io"
	"testing"

	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/tensor"
	"gonum.org/v1/gonum/mat"
)

// quadratic is the loss ½θᵀAθ - (b+s)ᵀθ where s is the batch input. Its
// Hessian is A for every batch. θ is split over two parameters so that
// flattening across parameters is exercised.
type quadratic struct {
	a      *mat.SymDense
	b      []float64
	params []*nn.Parameter
	panics bool
}

func newQuadratic(t *testing.T, a []float64, b, theta []float64) *quadratic {
	t.Helper()
	n := len(b)
	w, err := tensor.NewTensor([]int{n - 1}, theta[:n-1])
	if err != nil {
		t.Fatal(err)
	}
	u, err := tensor.NewTensor([]int{1}, theta[n-1:])
	if err != nil {
		t.Fatal(err)
	}
	return &quadratic{
		a: mat.NewSymDense(n, a),
		b: b,
		params: []*nn.Parameter{
			{Name: "w", Value: w, RequiresGrad: true},
			{Name: "u", Value: u, RequiresGrad: true},
		},
	}
}

func (q *quadratic) Parameters() []*nn.Parameter { return q.params }

func (q *quadratic) ZeroGrad() {
	for _, p := range q.params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

func (q *quadratic) theta() []float64 {
	return append(append([]float64(nil), q.params[0].Value.Data...), q.params[1].Value.Data...)
}

func (q *quadratic) Backward(batch *dataloader.Batch, scale float64) (float64, error) {
	if q.panics {
		panic("backward exploded")
	}
	theta := mat.NewVecDense(len(q.b), q.theta())
	var grad mat.VecDense
	grad.MulVec(q.a, theta)

	loss := 0.5 * mat.Dot(theta, &grad)
	g := make([]float64, len(q.b))
	for i := range g {
		shift := q.b[i] + batch.Inputs.Data[i]
		g[i] = grad.AtVec(i) - shift
		loss -= shift * theta.AtVec(i)
	}

	off := 0
	for _, p := range q.params {
		if p.Grad == nil {
			p.Grad, _ = tensor.Zeros(p.Value.Shape)
		}
		for j := range p.Grad.Data {
			p.Grad.Data[j] += scale * g[off+j]
		}
		off += len(p.Grad.Data)
	}
	return loss, nil
}

func (q *quadratic) gradsAreZero() bool {
	for _, p := range q.params {
		if p.Grad == nil {
			continue
		}
		for _, v := range p.Grad.Data {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// snapshotOf overwrites the gradients with vec and snapshots them.
func (q *quadratic) snapshotOf(vec []float64) *Snapshot {
	off := 0
	for _, p := range q.params {
		if p.Grad == nil {
			p.Grad, _ = tensor.Zeros(p.Value.Shape)
		}
		copy(p.Grad.Data, vec[off:off+len(p.Grad.Data)])
		off += len(p.Grad.Data)
	}
	s := CloneGrad(q)
	q.ZeroGrad()
	return s
}

func shiftBatch(t *testing.T, shift ...float64) *dataloader.Batch {
	t.Helper()
	in, err := tensor.NewTensor([]int{1, len(shift)}, shift)
	if err != nil {
		t.Fatal(err)
	}
	return &dataloader.Batch{Inputs: in, Labels: []int{0}}
}

// sliceIter yields its batches once, then io.EOF.
type sliceIter struct {
	batches []*dataloader.Batch
	pos     int
}

func (it *sliceIter) Next() (*dataloader.Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

// cycleIter repeats its batches forever.
type cycleIter struct {
	batches []*dataloader.Batch
	pos     int
}

func (it *cycleIter) Next() (*dataloader.Batch, error) {
	b := it.batches[it.pos%len(it.batches)]
	it.pos++
	return b, nil
}

type cycleSource struct{ batches []*dataloader.Batch }

func (s cycleSource) Endless() dataloader.BatchIterator { return &cycleIter{batches: s.batches} }

type finiteSource struct{ batches []*dataloader.Batch }

func (s finiteSource) Endless() dataloader.BatchIterator { return &sliceIter{batches: s.batches} }

// testMatrix has well separated eigenvalues (about 4.64, 2.5, 0.86).
var testMatrix = []float64{
	4, 1, 0,
	1, 3, 0.5,
	0, 0.5, 1,
}
