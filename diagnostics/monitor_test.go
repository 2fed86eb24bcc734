package diagnostics

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/metrics"
	"github.com/tsawler/go-landscape/records"
	"github.com/tsawler/go-landscape/tensor"
)

func TestScheduleDue(t *testing.T) {
	s := Schedule{PrintFreq: 1, EvalFreq: 1, StatFreq: 3, EpochInterval: 1, SaveNoise: true, NoiseSize: 2}
	tests := []struct {
		step       int
		replay     bool
		due, noise bool
	}{
		{0, false, true, true},
		{1, false, false, false},
		{3, false, true, true},
		{1, true, true, false},
	}
	for _, tt := range tests {
		if got := s.Due(tt.step, tt.replay); got != tt.due {
			t.Errorf("Due(%d, %v) = %v, want %v", tt.step, tt.replay, got, tt.due)
		}
		if got := s.NoiseDue(tt.step, tt.replay); got != tt.noise {
			t.Errorf("NoiseDue(%d, %v) = %v, want %v", tt.step, tt.replay, got, tt.noise)
		}
	}

	off := s
	off.SaveNoise = false
	if off.Due(0, true) {
		t.Error("Due with no statistics enabled")
	}
}

func TestScheduleValidate(t *testing.T) {
	good := Schedule{PrintFreq: 1, EvalFreq: 1, StatFreq: 1, EpochInterval: 1, SaveNoise: true, NoiseSize: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	bad := []Schedule{
		{PrintFreq: 0, EvalFreq: 1, StatFreq: 1, EpochInterval: 1},
		{PrintFreq: 1, EvalFreq: 1, StatFreq: 0, EpochInterval: 1},
		{PrintFreq: 1, EvalFreq: 1, StatFreq: 1, EpochInterval: 1, SaveNoise: true},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

type fakeOptimizer struct {
	lr   float64
	bufs []*tensor.Tensor
}

func (f fakeOptimizer) LearningRate() float64             { return f.lr }
func (f fakeOptimizer) MomentumBuffers() []*tensor.Tensor { return f.bufs }

func TestAfterUpdate(t *testing.T) {
	q := newQuadratic(t, testMatrix, []float64{0, 0, 0}, []float64{0, 0, 0})
	if _, err := q.Backward(shiftBatch(t, 3, 4, 0), 1); err != nil {
		t.Fatal(err)
	}
	m1, _ := tensor.NewTensor([]int{2}, []float64{1, 2})
	m2, _ := tensor.NewTensor([]int{1}, []float64{2})

	mon := newTestMonitor(t, Schedule{SaveNoise: true, NoiseSize: 1}, cycleSource{}, nil, nil, nil)
	upd := mon.AfterUpdate(q, fakeOptimizer{lr: 0.1, bufs: []*tensor.Tensor{m1, nil, m2}})

	if math.Abs(upd.Size-0.5) > 1e-12 {
		t.Errorf("update size = %v, want 0.5", upd.Size)
	}
	if upd.MomentumSize != 3 {
		t.Errorf("momentum size = %v, want 3", upd.MomentumSize)
	}
	if upd.Direction.Len() != 2 || q.gradsAreZero() {
		t.Error("AfterUpdate must snapshot without clearing the live gradients")
	}
}

func newTestMonitor(t *testing.T, s Schedule, src BatchSource, sharp, noise records.Sink, rec *metrics.Recorder) *Monitor {
	t.Helper()
	s.PrintFreq, s.EvalFreq, s.StatFreq, s.EpochInterval = 1, 1, 1, 1
	logger, _ := test.NewNullLogger()
	mon, err := NewMonitor(MonitorConfig{
		Schedule:  s,
		Hessian:   HessianConfig{Batches: 2, Iters: 20, Step: 1e-3, Seed: 1},
		Stats:     src,
		Sharpness: sharp,
		Noise:     noise,
		Metrics:   rec,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewMonitor failed: %v", err)
	}
	return mon
}

func TestMonitorRecordWritesOneRowPerStatistic(t *testing.T) {
	q := newQuadratic(t, testMatrix, []float64{1, 0, 0}, []float64{0.1, 0.2, 0.3})
	src := cycleSource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0), shiftBatch(t, 0, 1, 0)}}
	sharp, noise := &records.MemorySink{}, &records.MemorySink{}

	reg := prometheus.NewRegistry()
	diag := metrics.New(reg)
	mon := newTestMonitor(t, Schedule{SaveNoise: true, SaveSharpness: true, NoiseSize: 2}, src, sharp, noise, diag.Rank(0))

	prev, err := mon.BeforeUpdate(q)
	if err != nil || prev == nil || !q.gradsAreZero() {
		t.Fatal("BeforeUpdate must return a snapshot and leave gradients zeroed")
	}
	rep := mon.Record(4, q, prev, Update{})

	if len(rep.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", rep.Failures)
	}
	if sharp.Len() != 1 || noise.Len() != 1 {
		t.Fatalf("rows written: sharpness %d, noise %d, want 1 each", sharp.Len(), noise.Len())
	}
	if row := sharp.Rows()[0].(records.SharpnessRow); row.Epoch != 4 {
		t.Errorf("sharpness row epoch = %d, want 4", row.Epoch)
	}
	row := noise.Rows()[0].(records.NoiseRow)
	if row.Epoch != 4 || row.GradChange != 0 {
		t.Errorf("noise row = %+v", row)
	}
	if math.Abs(rep.Sharpness.Sharpness-4.637458608817685) > 1e-6 {
		t.Errorf("sharpness = %v", rep.Sharpness.Sharpness)
	}
	if got := testutil.ToFloat64(diag.Sharpness.WithLabelValues("0")); got != rep.Sharpness.Sharpness {
		t.Errorf("sharpness gauge = %v, want %v", got, rep.Sharpness.Sharpness)
	}
	if !q.gradsAreZero() {
		t.Error("gradient buffers not zeroed after Record")
	}
}

func TestMonitorRecordIsolatesFailures(t *testing.T) {
	q := newQuadratic(t, testMatrix, []float64{1, 0, 0}, []float64{0, 0, 0})
	// one batch: too few for the two-batch sharpness direction and for a
	// true gradient followed by a stochastic sample
	src := finiteSource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0)}}
	sharp, noise := &records.MemorySink{}, &records.MemorySink{}

	reg := prometheus.NewRegistry()
	diag := metrics.New(reg)
	mon := newTestMonitor(t, Schedule{SaveNoise: true, SaveSharpness: true, NoiseSize: 1}, src, sharp, noise, diag.Rank(1))

	rep := mon.Record(0, q, nil, Update{})
	if !errors.Is(rep.Failures[StatSharpness], ErrInsufficientData) {
		t.Errorf("sharpness failure = %v, want ErrInsufficientData", rep.Failures[StatSharpness])
	}
	if sharp.Len() != 0 {
		t.Error("failed sharpness still wrote a row")
	}
	if got := testutil.ToFloat64(diag.Failures.WithLabelValues("1", StatDirSharpness)); got != 1 {
		t.Errorf("failure counter = %v, want 1", got)
	}
	if !errors.Is(rep.Failures[StatNoise], ErrInsufficientData) {
		t.Errorf("noise failure = %v, want ErrInsufficientData", rep.Failures[StatNoise])
	}
	if !q.gradsAreZero() {
		t.Error("gradient buffers not zeroed after failures")
	}
}

func TestMonitorRecordNoiseSurvivesSharpnessFailure(t *testing.T) {
	q := newQuadratic(t, make([]float64, 9), []float64{1, 0, 0}, []float64{0, 0, 0})
	src := cycleSource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0), shiftBatch(t, 0, 1, 0)}}
	sharp, noise := &records.MemorySink{}, &records.MemorySink{}
	mon := newTestMonitor(t, Schedule{SaveNoise: true, SaveSharpness: true, NoiseSize: 2}, src, sharp, noise, nil)

	// a zero Hessian makes the power iteration degenerate
	dir := q.snapshotOf([]float64{1, 0, 0})
	rep := mon.Record(2, q, nil, Update{Direction: dir})

	if !errors.Is(rep.Failures[StatSharpness], ErrDegenerateCurvature) {
		t.Errorf("sharpness failure = %v, want ErrDegenerateCurvature", rep.Failures[StatSharpness])
	}
	if sharp.Len() != 0 || noise.Len() != 1 {
		t.Errorf("rows: sharpness %d, noise %d, want 0 and 1", sharp.Len(), noise.Len())
	}
}

// drySource hands out an empty iterator first and cycling ones afterwards.
type drySource struct {
	batches []*dataloader.Batch
	calls   int
}

func (s *drySource) Endless() dataloader.BatchIterator {
	s.calls++
	if s.calls == 1 {
		return &sliceIter{}
	}
	return &cycleIter{batches: s.batches}
}

func TestMonitorSkipsNoiseWithoutPreUpdateGradient(t *testing.T) {
	q := newQuadratic(t, testMatrix, []float64{1, 0, 0}, []float64{0.1, 0.2, 0.3})
	src := &drySource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0), shiftBatch(t, 0, 1, 0)}}
	noise := &records.MemorySink{}

	reg := prometheus.NewRegistry()
	diag := metrics.New(reg)
	mon := newTestMonitor(t, Schedule{SaveNoise: true, NoiseSize: 2}, src, nil, noise, diag.Rank(0))

	prev, err := mon.BeforeUpdate(q)
	if !errors.Is(err, ErrInsufficientData) || prev != nil {
		t.Fatalf("BeforeUpdate = %v, %v, want ErrInsufficientData", prev, err)
	}
	if !q.gradsAreZero() {
		t.Fatal("gradient buffers not zeroed after a failed capture")
	}

	// the step moves the parameters, so a self-referenced drift would be wrong
	q.params[0].Value.Data[0] += 1
	rep := mon.Record(1, q, prev, Update{PreUpdateErr: err})

	if noise.Len() != 0 || rep.Noise != nil {
		t.Fatalf("noise row written without a pre-update gradient: %+v", rep.Noise)
	}
	if !errors.Is(rep.Failures[StatPreUpdate], ErrInsufficientData) {
		t.Errorf("pre-update failure = %v, want ErrInsufficientData", rep.Failures[StatPreUpdate])
	}
	if got := testutil.ToFloat64(diag.Failures.WithLabelValues("0", StatPreUpdate)); got != 1 {
		t.Errorf("failure counter = %v, want 1", got)
	}
	if src.calls != 1 {
		t.Errorf("noise estimator ran %d extra times", src.calls-1)
	}
}

func TestMonitorRejectsNonFiniteNoise(t *testing.T) {
	batches := []*dataloader.Batch{shiftBatch(t, 1, 0, 0), shiftBatch(t, 0, 1, 0)}
	tests := []struct {
		name  string
		theta []float64
		upd   Update
	}{
		{"diverged parameters", []float64{math.Inf(1), 0, 0}, Update{}},
		{"overflowed update", []float64{0.1, 0.2, 0.3}, Update{Size: math.Inf(1)}},
		{"nan momentum", []float64{0.1, 0.2, 0.3}, Update{MomentumSize: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQuadratic(t, testMatrix, []float64{1, 0, 0}, tt.theta)
			noise := &records.MemorySink{}
			mon := newTestMonitor(t, Schedule{SaveNoise: true, NoiseSize: 2}, cycleSource{batches: batches}, nil, noise, nil)

			rep := mon.Record(0, q, nil, tt.upd)
			if !errors.Is(rep.Failures[StatNoise], ErrNonFinite) {
				t.Errorf("noise failure = %v, want ErrNonFinite", rep.Failures[StatNoise])
			}
			if noise.Len() != 0 {
				t.Error("non-finite noise row was written")
			}
			if !q.gradsAreZero() {
				t.Error("gradient buffers not zeroed")
			}
		})
	}
}

type epochSource struct {
	cycleSource
	epochs []int
}

func (s *epochSource) SetEpoch(epoch int) { s.epochs = append(s.epochs, epoch) }

func TestMonitorSetEpochReachesSource(t *testing.T) {
	src := &epochSource{cycleSource: cycleSource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0)}}}
	mon := newTestMonitor(t, Schedule{SaveNoise: true, NoiseSize: 1}, src, nil, nil, nil)
	mon.SetEpoch(2)
	mon.SetEpoch(3)
	if len(src.epochs) != 2 || src.epochs[0] != 2 || src.epochs[1] != 3 {
		t.Errorf("epochs seen = %v, want [2 3]", src.epochs)
	}

	// sources without SetEpoch are left alone
	plain := newTestMonitor(t, Schedule{SaveNoise: true, NoiseSize: 1}, cycleSource{}, nil, nil, nil)
	plain.SetEpoch(1)
}

func TestMonitorRecoversPanics(t *testing.T) {
	q := newQuadratic(t, testMatrix, []float64{1, 0, 0}, []float64{0, 0, 0})
	q.panics = true
	src := cycleSource{batches: []*dataloader.Batch{shiftBatch(t, 1, 0, 0)}}
	noise := &records.MemorySink{}

	logger, hook := test.NewNullLogger()
	mon, err := NewMonitor(MonitorConfig{
		Schedule: Schedule{PrintFreq: 1, EvalFreq: 1, StatFreq: 1, EpochInterval: 1, SaveNoise: true, NoiseSize: 1},
		Stats:    src,
		Noise:    noise,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap, err := mon.BeforeUpdate(q); snap != nil || err == nil {
		t.Errorf("BeforeUpdate on a panicking model = %v, %v", snap, err)
	}
	rep := mon.Record(0, q, nil, Update{})
	if rep.Failures[StatNoise] == nil || noise.Len() != 0 {
		t.Errorf("panic not converted into a skipped row: %+v", rep)
	}

	errorsLogged := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	if errorsLogged != 2 {
		t.Errorf("logged %d errors, want 2", errorsLogged)
	}
}

func TestNewMonitorValidation(t *testing.T) {
	base := Schedule{PrintFreq: 1, EvalFreq: 1, StatFreq: 1, EpochInterval: 1, SaveNoise: true, NoiseSize: 1}
	if _, err := NewMonitor(MonitorConfig{Schedule: base}); err == nil {
		t.Error("expected error without a statistics source")
	}
	sharp := base
	sharp.SaveSharpness = true
	if _, err := NewMonitor(MonitorConfig{Schedule: sharp, Stats: cycleSource{}}); err == nil {
		t.Error("expected error for zero hessian config")
	}
}
