// Package diagnostics measures the loss landscape around a model during
// training: low-variance "true" gradient snapshots, stochastic gradient
// noise relative to them, the dominant Hessian eigenvalue and the curvature
// along the last update direction.
//
// Every estimator borrows the model's gradient buffers and leaves them
// zeroed on return, so the training step that follows starts from a clean
// accumulation. Results are returned as owned values that never alias the
// model's live buffers.
//
// Hessian-vector products are central finite differences of the analytic
// gradient. The power iteration runs a fixed number of iterations and is an
// approximation, not an exact eigensolver.
package diagnostics
