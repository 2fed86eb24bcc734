// Package metrics exports the landscape diagnostics as Prometheus collectors.
// Every series carries a "rank" label so that the workers of a simulated
// distributed run can share one registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Diagnostics holds the collectors for one registry.
type Diagnostics struct {
	// NoiseNorm is the mean squared distance between stochastic and true gradients.
	NoiseNorm *prometheus.GaugeVec
	// GradNormSq is the squared L2 norm of the latest true gradient.
	GradNormSq   *prometheus.GaugeVec
	Sharpness    *prometheus.GaugeVec
	DirSharpness *prometheus.GaugeVec
	UpdateSize   *prometheus.GaugeVec
	MomentumSize *prometheus.GaugeVec
	TrainLoss    *prometheus.GaugeVec

	// Failures counts diagnostic passes that returned an error or panicked,
	// labelled by statistic.
	Failures *prometheus.CounterVec

	// Duration is the wall-clock time of each diagnostic pass. Buckets span
	// 1ms to roughly 65s.
	Duration *prometheus.HistogramVec
}

// New registers the diagnostics collectors on reg.
func New(reg prometheus.Registerer) *Diagnostics {
	factory := promauto.With(reg)
	gauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"rank"})
	}

	return &Diagnostics{
		NoiseNorm:    gauge("landscape_noise_norm", "Mean squared L2 distance between stochastic and true gradients."),
		GradNormSq:   gauge("landscape_grad_norm_sq", "Squared L2 norm of the true gradient."),
		Sharpness:    gauge("landscape_sharpness", "Dominant Hessian eigenvalue estimated by power iteration."),
		DirSharpness: gauge("landscape_dir_sharpness", "Curvature along the last update direction."),
		UpdateSize:   gauge("landscape_update_size", "Norm of the last parameter update."),
		MomentumSize: gauge("landscape_momentum_size", "L2 norm of the optimizer momentum buffers."),
		TrainLoss:    gauge("landscape_train_loss", "Running mean training loss of the current epoch."),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "landscape_diagnostic_failures_total",
				Help: "Total number of failed diagnostic passes, by statistic.",
			},
			[]string{"rank", "stat"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "landscape_diagnostic_duration_seconds",
				Help:    "Wall-clock duration of diagnostic passes, by statistic.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 17),
			},
			[]string{"rank", "stat"},
		),
	}
}

// Rank returns the recorder for one worker. A nil Diagnostics yields a
// recorder that does nothing.
func (d *Diagnostics) Rank(rank int) *Recorder {
	return &Recorder{d: d, rank: strconv.Itoa(rank)}
}

// Recorder writes the series of a single rank.
type Recorder struct {
	d    *Diagnostics
	rank string
}

func (r *Recorder) set(g *prometheus.GaugeVec, v float64) {
	if r == nil || r.d == nil {
		return
	}
	g.WithLabelValues(r.rank).Set(v)
}

// Noise publishes the gradient noise statistics of one measurement.
func (r *Recorder) Noise(noiseNorm, gradNormSq, updateSize, momentumSize float64) {
	if r == nil || r.d == nil {
		return
	}
	r.set(r.d.NoiseNorm, noiseNorm)
	r.set(r.d.GradNormSq, gradNormSq)
	r.set(r.d.UpdateSize, updateSize)
	r.set(r.d.MomentumSize, momentumSize)
}

// Sharpness publishes both curvature estimates of one measurement.
func (r *Recorder) Sharpness(sharpness, dirSharpness float64) {
	if r == nil || r.d == nil {
		return
	}
	r.set(r.d.Sharpness, sharpness)
	r.set(r.d.DirSharpness, dirSharpness)
}

// TrainLoss publishes the average training loss of an epoch.
func (r *Recorder) TrainLoss(loss float64) {
	if r == nil || r.d == nil {
		return
	}
	r.set(r.d.TrainLoss, loss)
}

// Observe records the duration of one pass of stat and counts it as a
// failure when err is non-nil.
func (r *Recorder) Observe(stat string, elapsed time.Duration, err error) {
	if r == nil || r.d == nil {
		return
	}
	r.d.Duration.WithLabelValues(r.rank, stat).Observe(elapsed.Seconds())
	if err != nil {
		r.d.Failures.WithLabelValues(r.rank, stat).Inc()
	}
}

// Serve exposes gatherer on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
