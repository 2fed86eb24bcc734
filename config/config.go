// Package config resolves the run configuration from defaults, an optional
// YAML file, LANDSCAPE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every key when read from the environment.
const EnvPrefix = "LANDSCAPE"

// FileName is the name of the effective configuration written to save_dir.
const FileName = "config.yaml"

// Config is the effective configuration of one run.
type Config struct {
	Data string `mapstructure:"data" yaml:"data"`

	// Model
	Arch   string `mapstructure:"arch" yaml:"arch"`
	Hidden []int  `mapstructure:"hidden" yaml:"hidden"`

	// Optimisation
	Epochs      int     `mapstructure:"epochs" yaml:"epochs"`
	StartEpoch  int     `mapstructure:"start_epoch" yaml:"start_epoch"`
	BatchSize   int     `mapstructure:"batch_size" yaml:"batch_size"`
	LR          float64 `mapstructure:"lr" yaml:"lr"`
	Momentum    float64 `mapstructure:"momentum" yaml:"momentum"`
	WeightDecay float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
	Nesterov    bool    `mapstructure:"nesterov" yaml:"nesterov"`
	Optimizer   string  `mapstructure:"optimizer" yaml:"optimizer"`
	LRSchedule  string  `mapstructure:"lr_schedule" yaml:"lr_schedule"`
	Seed        int64   `mapstructure:"seed" yaml:"seed"`

	// Checkpoints
	Resume        string `mapstructure:"resume" yaml:"resume"`
	Evaluate      bool   `mapstructure:"evaluate" yaml:"evaluate"`
	SaveDir       string `mapstructure:"save_dir" yaml:"save_dir"`
	PretrainPath  string `mapstructure:"pretrain_path" yaml:"pretrain_path"`
	EpochInterval int    `mapstructure:"epoch_interval" yaml:"epoch_interval"`

	// Process group
	WorldSize      int    `mapstructure:"world_size" yaml:"world_size"`
	Rank           int    `mapstructure:"rank" yaml:"rank"`
	WorkersPerNode int    `mapstructure:"workers_per_node" yaml:"workers_per_node"`
	DistURL        string `mapstructure:"dist_url" yaml:"dist_url"`

	// Cadence and diagnostics
	PrintFreq        int     `mapstructure:"print_freq" yaml:"print_freq"`
	EvalFreq         int     `mapstructure:"eval_freq" yaml:"eval_freq"`
	StatFreq         int     `mapstructure:"stat_freq" yaml:"stat_freq"`
	SaveSharpness    bool    `mapstructure:"save_sharpness" yaml:"save_sharpness"`
	SharpnessBatches int     `mapstructure:"sharpness_batches" yaml:"sharpness_batches"`
	HessianIters     int     `mapstructure:"hessian_iters" yaml:"hessian_iters"`
	FDStep           float64 `mapstructure:"fd_step" yaml:"fd_step"`
	SaveNoise        bool    `mapstructure:"save_noise" yaml:"save_noise"`
	NoiseSize        int     `mapstructure:"noise_size" yaml:"noise_size"`

	// Input and observability
	ImageSize   int    `mapstructure:"image_size" yaml:"image_size"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	Suppress    bool   `mapstructure:"suppress" yaml:"suppress"`
}

// option ties a configuration key to its flag.
type option struct {
	key       string
	flag      string
	shorthand string
	value     interface{}
	usage     string
}

var options = []option{
	{"arch", "arch", "a", "mlp", "model architecture (softmax, mlp, mlp2, tanh-mlp, leaky-mlp)"},
	{"hidden", "hidden", "", []int{128}, "hidden layer widths"},
	{"epochs", "epochs", "", 60, "number of total epochs to run"},
	{"start_epoch", "start-epoch", "", 0, "manual epoch number (useful on restarts)"},
	{"batch_size", "batch-size", "b", 128, "mini-batch size per worker"},
	{"lr", "lr", "", 0.1, "initial learning rate"},
	{"momentum", "momentum", "", 0.9, "momentum"},
	{"weight_decay", "weight-decay", "", 1e-4, "weight decay"},
	{"nesterov", "nesterov", "", false, "use Nesterov momentum"},
	{"optimizer", "optimizer", "", "sgd", "optimizer (sgd, adam)"},
	{"lr_schedule", "lr-schedule", "", "piecewise", "learning rate schedule (piecewise, cosine, exponential, constant)"},
	{"seed", "seed", "", int64(1), "seed for initialisation and shuffling"},
	{"resume", "resume", "", "", "path to latest checkpoint"},
	{"evaluate", "evaluate", "e", false, "evaluate model on validation set"},
	{"save_dir", "save-dir", "", "default", "directory for logs and checkpoints"},
	{"pretrain_path", "pretrain-path", "", "", "directory of checkpoints to replay instead of training"},
	{"epoch_interval", "epoch-interval", "", 1, "epochs between replayed checkpoints"},
	{"world_size", "world-size", "", -1, "number of workers for distributed training"},
	{"rank", "rank", "", -1, "worker rank for distributed training"},
	{"workers_per_node", "workers-per-node", "", 1, "simulated devices launched in this process"},
	{"dist_url", "dist-url", "", "", "url used to set up distributed training (env:// reads RANK and WORLD_SIZE)"},
	{"print_freq", "print-freq", "p", 10, "print frequency in steps"},
	{"eval_freq", "eval-freq", "", 5, "validation frequency in epochs"},
	{"stat_freq", "stat-freq", "", 2000, "diagnostic frequency in steps"},
	{"save_sharpness", "save-sharpness", "", false, "record Hessian sharpness"},
	{"sharpness_batches", "sharpness-batches", "", 10, "batches per sharpness estimate"},
	{"hessian_iters", "hessian-iters", "", 20, "power iterations per sharpness estimate"},
	{"fd_step", "fd-step", "", 1e-3, "finite-difference step for Hessian-vector products"},
	{"save_noise", "save-noise", "", false, "record gradient noise"},
	{"noise_size", "noise-size", "", 10, "batches per true gradient and stochastic samples"},
	{"image_size", "image-size", "", 28, "side length images are resized to"},
	{"metrics_addr", "metrics-addr", "", "", "address serving Prometheus metrics (empty disables)"},
	{"log_level", "log-level", "", "info", "log level (debug, info, warn, error)"},
	{"suppress", "suppress", "", false, "only log errors"},
}

// New returns a viper instance carrying the defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for _, o := range options {
		v.SetDefault(o.key, o.value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// AddFlags registers one persistent flag per key on cmd plus --config.
func AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	for _, o := range options {
		switch d := o.value.(type) {
		case string:
			flags.StringP(o.flag, o.shorthand, d, o.usage)
		case int:
			flags.IntP(o.flag, o.shorthand, d, o.usage)
		case int64:
			flags.Int64P(o.flag, o.shorthand, d, o.usage)
		case float64:
			flags.Float64P(o.flag, o.shorthand, d, o.usage)
		case bool:
			flags.BoolP(o.flag, o.shorthand, d, o.usage)
		case []int:
			flags.IntSliceP(o.flag, o.shorthand, d, o.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default for %s: %T", o.key, o.value))
		}
	}
}

// Load resolves the configuration for cmd. Flags only override file and
// environment values when set explicitly. data is the positional data argument.
func Load(v *viper.Viper, cmd *cobra.Command, data string) (*Config, error) {
	flags := cmd.Flags()
	for _, o := range options {
		if f := flags.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", o.flag, err)
			}
		}
	}

	if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if data != "" {
		cfg.Data = data
	}
	if cfg.Suppress {
		cfg.LogLevel = "error"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every key at its default value.
func Default() *Config {
	var cfg Config
	if err := New().Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not unmarshal: %v", err))
	}
	return &cfg
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q (want one of %s)", name, value, strings.Join(allowed, ", "))
}

// Validate rejects values the trainer cannot run with.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"epochs", c.Epochs},
		{"batch_size", c.BatchSize},
		{"print_freq", c.PrintFreq},
		{"eval_freq", c.EvalFreq},
		{"stat_freq", c.StatFreq},
		{"epoch_interval", c.EpochInterval},
		{"sharpness_batches", c.SharpnessBatches},
		{"hessian_iters", c.HessianIters},
		{"noise_size", c.NoiseSize},
		{"image_size", c.ImageSize},
		{"workers_per_node", c.WorkersPerNode},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.StartEpoch < 0 || c.StartEpoch > c.Epochs {
		return fmt.Errorf("start_epoch %d outside [0, %d]", c.StartEpoch, c.Epochs)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be positive, got %v", c.LR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %v", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be non-negative, got %v", c.WeightDecay)
	}
	if c.FDStep <= 0 {
		return fmt.Errorf("fd_step must be positive, got %v", c.FDStep)
	}
	for _, h := range c.Hidden {
		if h <= 0 {
			return fmt.Errorf("hidden widths must be positive, got %v", c.Hidden)
		}
	}
	if c.SaveDir == "" {
		return fmt.Errorf("save_dir cannot be empty")
	}

	if err := oneOf("optimizer", c.Optimizer, "sgd", "adam"); err != nil {
		return err
	}
	if err := oneOf("lr_schedule", c.LRSchedule, "piecewise", "cosine", "exponential", "constant"); err != nil {
		return err
	}
	return oneOf("log_level", c.LogLevel, "debug", "info", "warn", "error")
}

// Save writes c to <dir>/config.yaml and returns the path.
func (c *Config) Save(dir string) (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}

// Read parses a configuration previously written by Save.
func Read(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
