// Command landscape trains an image classifier while recording loss landscape
// diagnostics: Hessian sharpness and stochastic gradient noise.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-landscape/config"
	"github.com/tsawler/go-landscape/engine"
	"gopkg.in/yaml.v3"
)

const dataHelp = `DATA is a directory holding train/ and val/ (image folders) or train.csv and
val.csv, or synthetic:samples=N,features=N,classes=N,spread=F,seed=N for
generated data.`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "landscape",
		Short: "Train a classifier and record loss landscape diagnostics",
		Long: `Trains a classifier and, on the configured cadence, measures the largest
Hessian eigenvalue and the stochastic gradient noise of the model.

Settings come from flags, LANDSCAPE_* environment variables and --config,
in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(root)

	root.AddCommand(
		&cobra.Command{
			Use:   "train DATA",
			Short: "Train on DATA, recording the enabled diagnostics",
			Long:  dataHelp,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, args[0], false)
			},
		},
		&cobra.Command{
			Use:   "evaluate DATA",
			Short: "Validate a model restored with --resume on DATA",
			Long:  dataHelp,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd, args[0], true)
			},
		},
		&cobra.Command{
			Use:   "config DATA",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(config.New(), cmd, args[0])
				if err != nil {
					return err
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
	)
	return root
}

func run(cmd *cobra.Command, data string, evaluate bool) error {
	cfg, err := config.Load(config.New(), cmd, data)
	if err != nil {
		return err
	}
	if evaluate {
		cfg.Evaluate = true
	}

	logger := engine.NewLogger(cfg.LogLevel, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	logger.WithField("run", e.RunID()).Debug("engine ready")
	if err := e.Run(ctx); err != nil {
		return err
	}
	logger.WithField("dir", cfg.SaveDir).Info("run complete")
	return nil
}
