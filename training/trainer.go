// Package training runs the epoch loop of a classifier and schedules the
// loss-landscape diagnostics around each optimizer step.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-landscape/checkpoints"
	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/diagnostics"
	"github.com/tsawler/go-landscape/distributed"
	"github.com/tsawler/go-landscape/metrics"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/optimizer"
	"github.com/tsawler/go-landscape/records"
)

// BestCheckpoint is the file the best validated model is copied to.
const BestCheckpoint = "model_best.ckpt"

// Config holds the run settings the trainer needs beyond its collaborators.
type Config struct {
	Arch       string
	Epochs     int
	StartEpoch int
	BaseLR     float64

	// SaveDir receives <arch>_<epoch+1>.ckpt after every trained epoch.
	// Empty disables checkpointing.
	SaveDir string

	// PretrainPath switches to replay mode: every EpochInterval-th epoch
	// loads <PretrainPath>/<arch>_<epoch+1>.ckpt and only the first step of
	// each epoch is visited, without optimizer updates.
	PretrainPath string

	RunID string
}

// Options wires a Trainer to its collaborators. Valid, Scheduler, Monitor,
// Book, Metrics, Logger and Out are optional.
type Options struct {
	Config    Config
	Group     distributed.Group
	Network   *nn.Network
	Optimizer optimizer.Optimizer
	Scheduler LRScheduler
	Train     *dataloader.DataLoader
	Valid     *dataloader.DataLoader
	Monitor   *diagnostics.Monitor
	Book      *records.Book
	Metrics   *metrics.Recorder
	Logger    logrus.FieldLogger
	Out       io.Writer
}

// EpochResult summarises one training or validation pass.
type EpochResult struct {
	Epoch int
	Loss  float64
	Acc1  float64
	Acc5  float64
	Steps int
}

// Trainer manages the training process of one worker.
type Trainer struct {
	cfg      Config
	group    distributed.Group
	net      *nn.Network
	opt      optimizer.Optimizer
	sched    LRScheduler
	train    *dataloader.DataLoader
	valid    *dataloader.DataLoader
	monitor  *diagnostics.Monitor
	schedule diagnostics.Schedule
	book     *records.Book
	metrics  *metrics.Recorder
	log      logrus.FieldLogger
	out      io.Writer

	bestAcc1 float64
	steps    int
}

// NewTrainer creates a new Trainer
func NewTrainer(opts Options) (*Trainer, error) {
	if opts.Network == nil || opts.Optimizer == nil || opts.Train == nil {
		return nil, fmt.Errorf("trainer needs a network, an optimizer and a training loader")
	}
	if opts.Config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Config.Epochs)
	}
	if opts.Config.StartEpoch < 0 || opts.Config.StartEpoch > opts.Config.Epochs {
		return nil, fmt.Errorf("start epoch %d outside [0, %d]", opts.Config.StartEpoch, opts.Config.Epochs)
	}

	t := &Trainer{
		cfg:     opts.Config,
		group:   opts.Group,
		net:     opts.Network,
		opt:     opts.Optimizer,
		sched:   opts.Scheduler,
		train:   opts.Train,
		valid:   opts.Valid,
		monitor: opts.Monitor,
		book:    opts.Book,
		metrics: opts.Metrics,
		log:     opts.Logger,
		out:     opts.Out,
	}
	if t.cfg.BaseLR <= 0 {
		t.cfg.BaseLR = t.opt.LearningRate()
	}
	if t.sched == nil {
		t.sched = &NoOpScheduler{}
	}
	if t.book == nil {
		t.book = records.DiscardBook()
	}
	if t.out == nil {
		t.out = io.Discard
	}
	if t.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		t.log = l
	}
	t.log = t.log.WithField("rank", t.group.Rank)

	if t.monitor != nil {
		t.schedule = t.monitor.Schedule()
	} else {
		t.schedule = diagnostics.Schedule{PrintFreq: 10, EvalFreq: 1, StatFreq: 1, EpochInterval: 1}
	}
	return t, nil
}

// Network returns the model being trained.
func (t *Trainer) Network() *nn.Network {
	return t.net
}

// BestAcc1 returns the best validation top-1 accuracy seen so far.
func (t *Trainer) BestAcc1() float64 {
	return t.bestAcc1
}

// StartEpoch returns the first epoch Fit runs, after any resume.
func (t *Trainer) StartEpoch() int {
	return t.cfg.StartEpoch
}

func (t *Trainer) replaying() bool {
	return t.cfg.PretrainPath != ""
}

// Fit runs the epochs from the start epoch to the last one.
func (t *Trainer) Fit(ctx context.Context) error {
	for epoch := t.cfg.StartEpoch; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := t.log.WithField("epoch", epoch)

		if t.replaying() && t.schedule.ShouldReplay(epoch) {
			if err := t.LoadPretrained(epoch); err != nil {
				return err
			}
		}

		t.train.SetEpoch(epoch)
		if t.monitor != nil {
			t.monitor.SetEpoch(epoch)
		}
		lr := t.sched.GetLR(epoch, 0, t.cfg.BaseLR)
		t.opt.UpdateLearningRate(lr)
		log.WithField("lr", lr).Infof("epoch %d adjusted lr to be %f", epoch, lr)

		res, err := t.TrainEpoch(ctx, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		log.WithFields(logrus.Fields{"loss": res.Loss, "acc1": res.Acc1, "steps": res.Steps}).Info("epoch trained")

		isBest := false
		if t.valid != nil && t.schedule.ShouldEvaluate(epoch) {
			val, err := t.Validate(epoch)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
			}
			if val.Acc1 > t.bestAcc1 {
				t.bestAcc1 = val.Acc1
				isBest = true
			}
		}

		if t.cfg.SaveDir != "" && !t.replaying() && t.group.IsPrimary() {
			path, err := t.SaveCheckpoint(epoch, isBest)
			if err != nil {
				return err
			}
			log.WithField("path", path).Debug("checkpoint saved")
		}
	}
	return nil
}

// TrainEpoch runs one pass over the training shard. At every step the true
// gradient is captured before the update and the update size after it; the
// diagnostics then run on a copy of the updated model.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (EpochResult, error) {
	batchTime := NewAverageMeter("Time", "%6.3f")
	dataTime := NewAverageMeter("Data", "%6.3f")
	losses := NewAverageMeter("Loss", "%.4e")
	top1 := NewAverageMeter("Acc@1", "%6.2f")
	top5 := NewAverageMeter("Acc@5", "%6.2f")
	progress := NewProgressMeter(t.out, t.train.Len(), fmt.Sprintf("Epoch: [%d]", epoch),
		batchTime, dataTime, losses, top1, top5)

	replay := t.replaying()
	it := t.train.Iter()
	end := time.Now()
	step := 0
	for ; ; step++ {
		if err := ctx.Err(); err != nil {
			return EpochResult{}, err
		}
		batch, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochResult{}, err
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		out, err := t.net.Forward(batch)
		if err != nil {
			return EpochResult{}, fmt.Errorf("step %d: %w", step, err)
		}
		losses.Update(out.Loss, out.Size)
		top1.Update(out.Acc1, out.Size)
		top5.Update(out.Acc5, out.Size)

		t.net.ZeroGrad()
		due := t.monitor != nil && t.schedule.Due(step, replay)
		var prev *diagnostics.Snapshot
		var preErr error
		var upd diagnostics.Update

		if !replay {
			if t.monitor != nil && t.schedule.NoiseDue(step, false) {
				prev, preErr = t.monitor.BeforeUpdate(t.net)
			}
			if _, err := t.net.Backward(batch, 1); err != nil {
				return EpochResult{}, fmt.Errorf("step %d: %w", step, err)
			}
			t.opt.UpdateLearningRate(t.sched.GetLR(epoch, step, t.cfg.BaseLR))
			if err := t.opt.Step(t.net.Parameters()); err != nil {
				return EpochResult{}, fmt.Errorf("step %d: %w", step, err)
			}
			t.steps++
			if due {
				upd = t.monitor.AfterUpdate(t.net, t.opt)
				upd.PreUpdateErr = preErr
			}
		}

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		if t.schedule.ShouldPrint(step) {
			progress.Display(step)
		}
		if due {
			rep := t.monitor.Record(epoch, t.net.Clone(), prev, upd)
			for stat, err := range rep.Failures {
				t.log.WithFields(logrus.Fields{"epoch": epoch, "step": step, "stat": stat}).
					WithError(err).Debug("diagnostic row skipped")
			}
		}
		if replay {
			step++
			break
		}
	}

	if step == 0 {
		return EpochResult{}, fmt.Errorf("training loader produced no batches")
	}

	res := EpochResult{Epoch: epoch, Loss: losses.Avg, Acc1: top1.Avg, Acc5: top5.Avg, Steps: step}
	t.metrics.TrainLoss(res.Loss)
	if err := t.book.Train.Append(records.EpochRow{Epoch: epoch, Loss: res.Loss, Acc1: res.Acc1}); err != nil {
		t.log.WithError(err).Error("failed to write train row")
	}
	return res, nil
}

// Validate evaluates the model on the validation loader and logs the result
// under epoch.
func (t *Trainer) Validate(epoch int) (EpochResult, error) {
	if t.valid == nil {
		return EpochResult{}, fmt.Errorf("no validation data")
	}

	batchTime := NewAverageMeter("Time", "%6.3f")
	losses := NewAverageMeter("Loss", "%.4e")
	top1 := NewAverageMeter("Acc@1", "%6.2f")
	top5 := NewAverageMeter("Acc@5", "%6.2f")
	progress := NewProgressMeter(t.out, t.valid.Len(), "Test: ", batchTime, losses, top1, top5)

	it := t.valid.Iter()
	end := time.Now()
	step := 0
	for ; ; step++ {
		batch, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EpochResult{}, err
		}
		out, err := t.net.Forward(batch)
		if err != nil {
			return EpochResult{}, err
		}
		losses.Update(out.Loss, out.Size)
		top1.Update(out.Acc1, out.Size)
		top5.Update(out.Acc5, out.Size)

		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()
		if t.schedule.ShouldPrint(step) {
			progress.Display(step)
		}
	}
	fmt.Fprintf(t.out, " * Acc@1 %.3f Acc@5 %.3f\n", top1.Avg, top5.Avg)

	res := EpochResult{Epoch: epoch, Loss: losses.Avg, Acc1: top1.Avg, Acc5: top5.Avg, Steps: step}
	if err := t.book.Valid.Append(records.EpochRow{Epoch: epoch, Loss: res.Loss, Acc1: res.Acc1}); err != nil {
		t.log.WithError(err).Error("failed to write valid row")
	}
	return res, nil
}

// CheckpointPath names the checkpoint written after epoch.
func CheckpointPath(dir, arch string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.ckpt", arch, epoch+1))
}

// SaveCheckpoint writes the model and optimizer after epoch and copies it to
// model_best.ckpt when isBest is set.
func (t *Trainer) SaveCheckpoint(epoch int, isBest bool) (string, error) {
	state, err := t.opt.GetState()
	if err != nil {
		return "", fmt.Errorf("failed to extract optimizer state: %w", err)
	}
	ckpt := &checkpoints.Checkpoint{
		Arch:      t.cfg.Arch,
		ModelSpec: t.net.Spec(),
		Weights:   t.net.Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch + 1,
			Step:         t.steps,
			LearningRate: t.opt.LearningRate(),
			BestAccuracy: t.bestAcc1,
			TotalSteps:   int(t.opt.GetStepCount()),
		},
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.cfg.RunID,
			Description: fmt.Sprintf("%s after epoch %d", t.cfg.Arch, epoch),
			Tags:        []string{fmt.Sprintf("epoch_%d", epoch)},
		},
	}

	path := CheckpointPath(t.cfg.SaveDir, t.cfg.Arch, epoch)
	if err := checkpoints.Save(ckpt, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if isBest {
		if err := checkpoints.CopyFile(path, filepath.Join(t.cfg.SaveDir, BestCheckpoint)); err != nil {
			return "", fmt.Errorf("failed to copy best checkpoint: %w", err)
		}
	}
	return path, nil
}

func (t *Trainer) restore(path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	if err := t.net.LoadWeights(ckpt.Weights); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if ckpt.OptimizerState != nil {
		if err := t.opt.LoadState(ckpt.OptimizerState); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}
	}
	return ckpt, nil
}

// Resume restores the model, optimizer, start epoch and best accuracy from
// path. A missing file is logged and training starts from scratch.
func (t *Trainer) Resume(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		t.log.WithField("path", path).Warn("no checkpoint found")
		return nil
	}
	ckpt, err := t.restore(path)
	if err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	if ckpt.TrainingState.Epoch > t.cfg.Epochs {
		return fmt.Errorf("checkpoint %s is past the last epoch (%d > %d)", path, ckpt.TrainingState.Epoch, t.cfg.Epochs)
	}
	t.cfg.StartEpoch = ckpt.TrainingState.Epoch
	t.bestAcc1 = ckpt.TrainingState.BestAccuracy
	t.steps = ckpt.TrainingState.Step
	t.log.WithFields(logrus.Fields{"path": path, "epoch": t.cfg.StartEpoch}).Info("loaded checkpoint")
	return nil
}

// LoadPretrained loads the replay checkpoint for epoch.
func (t *Trainer) LoadPretrained(epoch int) error {
	path := CheckpointPath(t.cfg.PretrainPath, t.cfg.Arch, epoch)
	if _, err := t.restore(path); err != nil {
		return fmt.Errorf("failed to load pretrained checkpoint: %w", err)
	}
	t.log.WithFields(logrus.Fields{"path": path, "epoch": epoch}).Info("loaded pretrained checkpoint")
	return nil
}
