package diagnostics

import "errors"

var (
	// ErrInsufficientData is returned when a batch iterator ends before the
	// requested number of batches was drawn.
	ErrInsufficientData = errors.New("diagnostics: batch iterator exhausted")

	// ErrKeyMismatch is returned when two gradient snapshots (or a snapshot
	// and a model) do not cover the same parameters.
	ErrKeyMismatch = errors.New("diagnostics: gradient keys do not match")

	// ErrDegenerateCurvature is returned when power iteration collapses to a
	// zero or non-finite vector.
	ErrDegenerateCurvature = errors.New("diagnostics: degenerate curvature estimate")

	// ErrNonFinite is returned when a gradient statistic overflowed to NaN or
	// an infinity.
	ErrNonFinite = errors.New("diagnostics: non-finite statistic")

	// ErrZeroDirection is returned for directional curvature along a zero vector.
	ErrZeroDirection = errors.New("diagnostics: zero direction")
)
