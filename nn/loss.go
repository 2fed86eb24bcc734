package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// crossEntropy computes the mean softmax cross-entropy of logits against
// labels and, when withGrad is set, dLoss/dLogits.
func crossEntropy(logits *mat.Dense, labels []int, withGrad bool) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("batch has %d rows but %d labels", rows, len(labels))
	}

	var grad *mat.Dense
	if withGrad {
		grad = mat.NewDense(rows, classes, nil)
	}

	probs := make([]float64, classes)
	total := 0.0
	for r := 0; r < rows; r++ {
		label := labels[r]
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}

		mat.Row(probs, r, logits)
		maxLogit := floats.Max(probs)
		sum := 0.0
		for c := range probs {
			probs[c] = math.Exp(probs[c] - maxLogit)
			sum += probs[c]
		}
		floats.Scale(1/sum, probs)
		total -= math.Log(math.Max(probs[label], math.SmallestNonzeroFloat64))

		if withGrad {
			probs[label] -= 1
			floats.Scale(1/float64(rows), probs)
			grad.SetRow(r, probs)
		}
	}

	return total / float64(rows), grad, nil
}

// accuracy returns top-k accuracy in percent for each k (k is clamped to the class count).
func accuracy(logits *mat.Dense, labels []int, ks ...int) []float64 {
	rows, classes := logits.Dims()
	correct := make([]int, len(ks))

	for r := 0; r < rows; r++ {
		target := logits.At(r, labels[r])
		rank := 0
		for c := 0; c < classes; c++ {
			if c != labels[r] && logits.At(r, c) > target {
				rank++
			}
		}
		for i, k := range ks {
			if k > classes {
				k = classes
			}
			if rank < k {
				correct[i]++
			}
		}
	}

	out := make([]float64, len(ks))
	for i := range ks {
		out[i] = 100 * float64(correct[i]) / float64(rows)
	}
	return out
}
