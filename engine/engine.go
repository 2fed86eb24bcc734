// Package engine assembles a complete run from its configuration: data,
// model, optimizer, diagnostics, logs and one trainer per simulated device.
package engine

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tsawler/go-landscape/config"
	"github.com/tsawler/go-landscape/dataloader"
	"github.com/tsawler/go-landscape/diagnostics"
	"github.com/tsawler/go-landscape/distributed"
	"github.com/tsawler/go-landscape/layers"
	"github.com/tsawler/go-landscape/metrics"
	"github.com/tsawler/go-landscape/nn"
	"github.com/tsawler/go-landscape/optimizer"
	"github.com/tsawler/go-landscape/records"
	"github.com/tsawler/go-landscape/training"
)

// NewLogger builds the process logger for level.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// Engine runs one configured session.
type Engine struct {
	cfg      *config.Config
	logger   *logrus.Logger
	log      logrus.FieldLogger
	out      io.Writer
	registry *prometheus.Registry
	diag     *metrics.Diagnostics
	runID    string

	train dataloader.Sized
	valid dataloader.Sized
}

// New validates cfg and prepares an engine. Progress lines go to out.
func New(cfg *config.Config, logger *logrus.Logger, out io.Writer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Data == "" {
		return nil, fmt.Errorf("no data location given")
	}
	if logger == nil {
		logger = NewLogger(cfg.LogLevel, os.Stderr)
	}
	if out == nil {
		out = io.Discard
	}

	runID := uuid.NewString()
	registry := prometheus.NewRegistry()
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		log:      logger.WithField("run", runID),
		out:      out,
		registry: registry,
		diag:     metrics.New(registry),
		runID:    runID,
	}, nil
}

// Registry exposes the diagnostics collectors of this run.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// RunID identifies this run in logs and checkpoint metadata.
func (e *Engine) RunID() string {
	return e.runID
}

// Run trains, or only validates when cfg.Evaluate is set, on every worker
// hosted by this process.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.cfg
	base, err := distributed.Resolve(cfg.Rank, cfg.WorldSize, cfg.DistURL)
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"seed": cfg.Seed, "group": base.String()}).Info("starting run")

	e.log.WithField("dir", cfg.SaveDir).Info("creating directory")
	if err := os.MkdirAll(cfg.SaveDir, 0755); err != nil {
		return fmt.Errorf("failed to create save directory: %w", err)
	}

	if err := e.loadData(); err != nil {
		return err
	}

	// Global rank 0 lives on the node with base rank 0, as its first worker.
	hostsPrimary := base.IsPrimary()
	book, err := records.OpenBook(cfg.SaveDir, hostsPrimary)
	if err != nil {
		return err
	}
	defer book.Close()

	if hostsPrimary {
		path, err := cfg.Save(cfg.SaveDir)
		if err != nil {
			return err
		}
		e.log.WithField("path", path).Debug("configuration saved")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, e.registry); err != nil {
				e.log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	perNode := cfg.WorkersPerNode
	return distributed.Launch(ctx, perNode, func(ctx context.Context, local distributed.Group) error {
		g := distributed.Group{
			Rank:      base.Rank*perNode + local.Rank,
			WorldSize: base.WorldSize * perNode,
		}
		return e.worker(ctx, g, book.Gated(g.IsPrimary()))
	})
}

func (e *Engine) loadData() error {
	cfg := e.cfg
	train, err := dataloader.Open(cfg.Data, dataloader.SplitTrain, cfg.ImageSize)
	if err != nil {
		return fmt.Errorf("failed to open training data: %w", err)
	}
	e.train = train

	valid, err := dataloader.Open(cfg.Data, dataloader.SplitVal, cfg.ImageSize)
	switch {
	case err == nil:
		e.valid = valid
	case cfg.Evaluate:
		return fmt.Errorf("failed to open validation data: %w", err)
	default:
		e.log.WithError(err).Warn("no validation data, skipping evaluation")
	}

	if e.valid != nil && e.valid.FeatureDim() != train.FeatureDim() {
		return fmt.Errorf("validation samples have %d features, training samples %d", e.valid.FeatureDim(), train.FeatureDim())
	}
	e.log.WithFields(logrus.Fields{"samples": train.Len(), "classes": train.NumClasses()}).Info("training data loaded")
	return nil
}

// worker builds and runs the trainer of one rank.
func (e *Engine) worker(ctx context.Context, g distributed.Group, book *records.Book) error {
	cfg := e.cfg
	log := e.log.WithField("rank", g.Rank)
	out := e.out
	if !g.IsPrimary() {
		out = io.Discard
	}

	spec, err := layers.Architecture(cfg.Arch, []int{cfg.BatchSize, e.train.FeatureDim()}, e.train.NumClasses(), cfg.Hidden)
	if err != nil {
		return err
	}
	// every rank starts from the same weights
	net, err := nn.New(spec, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	if g.IsPrimary() {
		log.WithField("arch", cfg.Arch).Info("creating model")
		training.PrintArchitecture(out, cfg.Arch, spec)
	}

	opt, err := optimizer.New(optimizer.Config{
		Type:         cfg.Optimizer,
		LearningRate: cfg.LR,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
		Nesterov:     cfg.Nesterov,
	})
	if err != nil {
		return err
	}

	trainLoader, err := shardedLoader(e.train, cfg.BatchSize, true, cfg.Seed, g)
	if err != nil {
		return err
	}
	statsLoader, err := shardedLoader(e.train, cfg.BatchSize, true, cfg.Seed+1, g)
	if err != nil {
		return err
	}
	var validLoader *dataloader.DataLoader
	if e.valid != nil {
		if validLoader, err = dataloader.NewDataLoader(e.valid, cfg.BatchSize, false, 0); err != nil {
			return err
		}
	}

	sched, err := training.NewScheduler(cfg.LRSchedule, cfg.Epochs, trainLoader.Len(), cfg.LR)
	if err != nil {
		return err
	}
	rec := e.diag.Rank(g.Rank)

	monitor, err := diagnostics.NewMonitor(diagnostics.MonitorConfig{
		Schedule: diagnostics.Schedule{
			PrintFreq:     cfg.PrintFreq,
			EvalFreq:      cfg.EvalFreq,
			StatFreq:      cfg.StatFreq,
			EpochInterval: cfg.EpochInterval,
			SaveNoise:     cfg.SaveNoise,
			SaveSharpness: cfg.SaveSharpness,
			NoiseSize:     cfg.NoiseSize,
		},
		Hessian: diagnostics.HessianConfig{
			Batches: cfg.SharpnessBatches,
			Iters:   cfg.HessianIters,
			Step:    cfg.FDStep,
			Seed:    cfg.Seed,
		},
		Stats:     statsLoader,
		Sharpness: book.Sharpness,
		Noise:     book.Noise,
		Metrics:   rec,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(training.Options{
		Config: training.Config{
			Arch:         cfg.Arch,
			Epochs:       cfg.Epochs,
			StartEpoch:   cfg.StartEpoch,
			BaseLR:       cfg.LR,
			SaveDir:      cfg.SaveDir,
			PretrainPath: cfg.PretrainPath,
			RunID:        e.runID,
		},
		Group:     g,
		Network:   net,
		Optimizer: opt,
		Scheduler: sched,
		Train:     trainLoader,
		Valid:     validLoader,
		Monitor:   monitor,
		Book:      book,
		Metrics:   rec,
		Logger:    log,
		Out:       out,
	})
	if err != nil {
		return err
	}

	if cfg.Resume != "" {
		if err := trainer.Resume(cfg.Resume); err != nil {
			return err
		}
	}

	if cfg.Evaluate {
		_, err := trainer.Validate(trainer.StartEpoch())
		return err
	}
	return trainer.Fit(ctx)
}

func shardedLoader(ds dataloader.Dataset, batchSize int, shuffle bool, seed int64, g distributed.Group) (*dataloader.DataLoader, error) {
	dl, err := dataloader.NewDataLoader(ds, batchSize, shuffle, seed)
	if err != nil {
		return nil, err
	}
	return dl.WithShard(g.Rank, g.WorldSize)
}
