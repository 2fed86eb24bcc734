package diagnostics

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-landscape/metrics"
	"github.com/tsawler/go-landscape/records"
)

// Statistic names used in logs and metrics.
const (
	StatPreUpdate    = "pre_update_grad"
	StatDirSharpness = "dir_sharpness"
	StatSharpness    = "sharpness"
	StatNoise        = "noise"
)

// MonitorConfig wires a Monitor to its collaborators.
type MonitorConfig struct {
	Schedule Schedule
	Hessian  HessianConfig

	// Stats supplies a fresh iterator for every estimator call.
	Stats BatchSource

	// Sharpness and Noise receive one row per measurement. Use records.Gate
	// so that only the primary process writes.
	Sharpness records.Sink
	Noise     records.Sink

	Metrics *metrics.Recorder
	Logger  logrus.FieldLogger
}

// Monitor schedules the diagnostics around the optimizer step and persists
// their results. Failures are logged and counted, never returned to the
// training loop.
type Monitor struct {
	schedule  Schedule
	hessian   HessianConfig
	stats     BatchSource
	sharpness records.Sink
	noise     records.Sink
	metrics   *metrics.Recorder
	log       logrus.FieldLogger
}

// NewMonitor validates cfg and fills in discarding sinks and a default logger.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if cfg.Schedule.SaveSharpness {
		if err := cfg.Hessian.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Schedule.Enabled() && cfg.Stats == nil {
		return nil, fmt.Errorf("diagnostics enabled without a statistics data source")
	}

	m := &Monitor{
		schedule:  cfg.Schedule,
		hessian:   cfg.Hessian,
		stats:     cfg.Stats,
		sharpness: cfg.Sharpness,
		noise:     cfg.Noise,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	if m.sharpness == nil {
		m.sharpness = records.Discard{}
	}
	if m.noise == nil {
		m.noise = records.Discard{}
	}
	if m.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		m.log = l
	}
	return m, nil
}

// Schedule returns the cadence the monitor was built with.
func (m *Monitor) Schedule() Schedule {
	return m.schedule
}

// run executes one statistic, converting a panic into an error and leaving
// model's gradient buffers zeroed when anything went wrong.
func (m *Monitor) run(stat string, model Model, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", stat, r)
		}
		if err != nil {
			model.ZeroGrad()
			m.log.WithField("stat", stat).WithError(err).Error("diagnostic failed")
		}
		m.metrics.Observe(stat, time.Since(start), err)
	}()
	return fn()
}

// BeforeUpdate captures the true gradient of the live model ahead of the
// optimizer step. The failure is already logged and counted when err is
// non-nil; pass it on through Update.PreUpdateErr. Gradient buffers are zero
// on return.
func (m *Monitor) BeforeUpdate(model Model) (*Snapshot, error) {
	var snap *Snapshot
	err := m.run(StatPreUpdate, model, func() error {
		var err error
		snap, err = TrueGradient(model, m.stats.Endless(), m.schedule.NoiseSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SetEpoch reshuffles the statistics source for epoch when it supports it.
func (m *Monitor) SetEpoch(epoch int) {
	if s, ok := m.stats.(interface{ SetEpoch(int) }); ok {
		s.SetEpoch(epoch)
	}
}

// Update describes the optimizer step that was just taken.
type Update struct {
	// Direction is the gradient the step was computed from.
	Direction    *Snapshot
	Size         float64 // |gradient| · learning rate
	MomentumSize float64 // L2 norm over all momentum buffers

	// PreUpdateErr is the failure of the BeforeUpdate call for this step.
	// The noise row has no valid reference gradient then and is skipped.
	PreUpdateErr error
}

// AfterUpdate reads the gradients still held by model and the optimizer's
// momentum right after a step. It does not modify either.
func (m *Monitor) AfterUpdate(model Model, opt OptimizerView) Update {
	dir := CloneGrad(model)
	momentum := 0.0
	for _, buf := range opt.MomentumBuffers() {
		if buf == nil {
			continue
		}
		for _, v := range buf.Data {
			momentum += v * v
		}
	}
	return Update{
		Direction:    dir,
		Size:         math.Sqrt(dir.SquaredNorm()) * opt.LearningRate(),
		MomentumSize: math.Sqrt(momentum),
	}
}

// Report lists what one Record call produced.
type Report struct {
	Sharpness *SharpnessEstimate
	Noise     *records.NoiseRow
	Failures  map[string]error
}

func (r *Report) fail(stat string, err error) {
	if r.Failures == nil {
		r.Failures = make(map[string]error)
	}
	r.Failures[stat] = err
}

// Record measures the configured statistics on model and appends their rows.
// model must be a private copy: its parameters are perturbed temporarily and
// its gradients are overwritten. prev is the pre-update true gradient, nil in
// replay mode where the drift is reported as zero. A statistic that fails,
// including a failed pre-update capture, loses only its own row.
func (m *Monitor) Record(epoch int, model Model, prev *Snapshot, upd Update) Report {
	var rep Report
	log := m.log.WithField("epoch", epoch)

	if m.schedule.SaveSharpness {
		if est, err := m.measureSharpness(model, upd.Direction); err != nil {
			rep.fail(StatSharpness, err)
		} else {
			rep.Sharpness = &est
			m.metrics.Sharpness(est.Sharpness, est.DirSharpness)
			row := records.SharpnessRow{Epoch: epoch, Sharpness: est.Sharpness, DirSharpness: est.DirSharpness}
			if err := m.sharpness.Append(row); err != nil {
				log.WithError(err).Error("failed to write sharpness row")
			}
		}
	}

	if m.schedule.SaveNoise {
		if upd.PreUpdateErr != nil {
			rep.fail(StatPreUpdate, upd.PreUpdateErr)
			log.WithError(upd.PreUpdateErr).Warn("no pre-update gradient, skipping noise row")
		} else {
			m.recordNoise(&rep, log, epoch, model, prev, upd)
		}
	}

	model.ZeroGrad()
	return rep
}

func (m *Monitor) recordNoise(rep *Report, log logrus.FieldLogger, epoch int, model Model, prev *Snapshot, upd Update) {
	var row records.NoiseRow
	err := m.run(StatNoise, model, func() error {
		res, err := StochasticNoise(model, m.stats.Endless(), m.schedule.NoiseSize, prev)
		if err != nil {
			return err
		}
		noise, stoNorm, stoLInf := res.Means()
		row = records.NoiseRow{
			Epoch:        epoch,
			StoGradNorm:  stoNorm,
			StoGradLInf:  stoLInf,
			NoiseNorm:    noise,
			GradNorm:     res.GradNormSq,
			L1Norm:       res.L1Norm,
			LInfNorm:     res.LInfNorm,
			UpdateSize:   upd.Size,
			GradChange:   res.GradChange,
			MomentumSize: upd.MomentumSize,
		}
		return checkFinite(row)
	})
	if err != nil {
		rep.fail(StatNoise, err)
		return
	}

	rep.Noise = &row
	m.metrics.Noise(row.NoiseNorm, row.GradNorm, row.UpdateSize, row.MomentumSize)
	if err := m.noise.Append(row); err != nil {
		log.WithError(err).Error("failed to write noise row")
	}
}

// checkFinite rejects a noise row holding NaN or an infinity.
func checkFinite(row records.NoiseRow) error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"sto_grad_norm", row.StoGradNorm},
		{"stograd_linf", row.StoGradLInf},
		{"noisenorm", row.NoiseNorm},
		{"gradnorm", row.GradNorm},
		{"l1norm", row.L1Norm},
		{"linfnorm", row.LInfNorm},
		{"update_size", row.UpdateSize},
		{"change_in_grad_sq", row.GradChange},
		{"momentum_size", row.MomentumSize},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s = %v", ErrNonFinite, f.name, f.value)
		}
	}
	return nil
}

// measureSharpness runs the directional estimate and then the power
// iteration, each on a fresh iterator. Without an update direction the
// curvature is taken along the averaged gradient of the sharpness batches.
func (m *Monitor) measureSharpness(model Model, dir *Snapshot) (SharpnessEstimate, error) {
	var est SharpnessEstimate

	err := m.run(StatDirSharpness, model, func() error {
		if dir == nil {
			g, err := TrueGradient(model, m.stats.Endless(), m.hessian.Batches)
			if err != nil {
				return fmt.Errorf("fallback direction: %w", err)
			}
			dir = g
		}
		v, err := DirHessian(model, m.stats.Endless(), dir, m.hessian)
		est.DirSharpness = v
		return err
	})
	if err != nil {
		return est, err
	}

	err = m.run(StatSharpness, model, func() error {
		v, err := EigenHessian(model, m.stats.Endless(), m.hessian)
		est.Sharpness = v
		return err
	})
	return est, err
}
