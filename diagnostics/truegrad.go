package diagnostics

import (
	"errors"
	"fmt"
	"io"

	"github.com/tsawler/go-landscape/dataloader"
)

// drawBatches takes exactly n batches from it.
func drawBatches(it dataloader.BatchIterator, n int) ([]*dataloader.Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", n)
	}
	batches := make([]*dataloader.Batch, 0, n)
	for len(batches) < n {
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d batches", ErrInsufficientData, len(batches), n)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// TrueGradient averages the gradient of m over n batches drawn from it
// without stepping any optimizer. Each batch's loss is scaled by 1/n so that
// accumulation yields a mean. The gradient buffers are zero on return, also
// on error.
func TrueGradient(m Model, it dataloader.BatchIterator, n int) (*Snapshot, error) {
	m.ZeroGrad()
	defer m.ZeroGrad()

	batches, err := drawBatches(it, n)
	if err != nil {
		return nil, err
	}
	for i, b := range batches {
		if _, err := m.Backward(b, 1/float64(n)); err != nil {
			return nil, fmt.Errorf("backward pass %d: %w", i, err)
		}
	}

	return CloneGrad(m), nil
}
