package diagnostics

import (
	"fmt"

	"github.com/tsawler/go-landscape/dataloader"
	"gonum.org/v1/gonum/stat"
)

// NoiseResult holds the per-batch stochastic statistics of one measurement
// and the statistics of the true gradient they were measured against.
// Per-batch values are not averaged; see Means.
type NoiseResult struct {
	Noise       []float64 // ||g_i - g||²
	StoGradNorm []float64 // ||g_i||²
	StoGradLInf []float64 // ||g_i - g||∞

	GradChange float64 // ||g - g_prev||²
	GradNormSq float64 // ||g||²
	L1Norm     float64
	LInfNorm   float64

	True *Snapshot
}

// StochasticNoise draws n batches for a true gradient g, then n further
// batches, one at a time, and compares each single-batch gradient with g.
// prev is the true gradient of an earlier measurement; when nil, g serves as
// its own reference and GradChange is zero.
func StochasticNoise(m Model, it dataloader.BatchIterator, n int, prev *Snapshot) (*NoiseResult, error) {
	trueGrad, err := TrueGradient(m, it, n)
	if err != nil {
		return nil, fmt.Errorf("true gradient: %w", err)
	}
	if prev == nil {
		prev = trueGrad
	}

	change, err := SquaredDistance(trueGrad, prev)
	if err != nil {
		return nil, fmt.Errorf("gradient change: %w", err)
	}

	res := &NoiseResult{
		Noise:       make([]float64, 0, n),
		StoGradNorm: make([]float64, 0, n),
		StoGradLInf: make([]float64, 0, n),
		GradChange:  change,
		GradNormSq:  trueGrad.SquaredNorm(),
		L1Norm:      trueGrad.L1Norm(),
		LInfNorm:    trueGrad.LInfNorm(),
		True:        trueGrad,
	}

	for i := 0; i < n; i++ {
		sto, err := TrueGradient(m, it, 1)
		if err != nil {
			return nil, fmt.Errorf("stochastic gradient %d: %w", i, err)
		}
		sample, err := Compare(sto, trueGrad)
		if err != nil {
			return nil, fmt.Errorf("stochastic gradient %d: %w", i, err)
		}
		res.Noise = append(res.Noise, sample.Noise)
		res.StoGradNorm = append(res.StoGradNorm, sample.GradNormSq)
		res.StoGradLInf = append(res.StoGradLInf, sample.LInf)
	}

	return res, nil
}

// Means averages the per-batch statistics.
func (r *NoiseResult) Means() (noise, stoGradNorm, stoGradLInf float64) {
	return stat.Mean(r.Noise, nil), stat.Mean(r.StoGradNorm, nil), stat.Mean(r.StoGradLInf, nil)
}

// Variances returns the sample variance of the per-batch statistics.
func (r *NoiseResult) Variances() (noise, stoGradNorm, stoGradLInf float64) {
	return stat.Variance(r.Noise, nil), stat.Variance(r.StoGradNorm, nil), stat.Variance(r.StoGradLInf, nil)
}
