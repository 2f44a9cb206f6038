package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kwv/cloudreg/align"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	opts := &rootOptions{}
	err := newRootCmd(opts).Execute()
	opts.closeLog()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	verbosity  int
	logFile    string
	configFile string
	outputDir  string
	workers    int

	closeLogFile func() error
}

// closeLog flushes and closes the --log-file sink, if one was opened
func (o *rootOptions) closeLog() {
	if o.closeLogFile == nil {
		return
	}
	if err := o.closeLogFile(); err != nil {
		fmt.Fprintln(os.Stderr, "Error closing log file:", err)
	}
	o.closeLogFile = nil
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cloudreg",
		Short:   "Pairwise 3D point cloud registration",
		Long:    "cloudreg estimates the rigid transform aligning two point clouds with ISS keypoints, FPFH or learned descriptors, RANSAC and ICP.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.closeLog()
			opts.closeLogFile = SetupLogger(opts.verbosity, opts.logFile)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("no command specified")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase log verbosity (-v, -vv)")
	flags.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this file")
	flags.StringVarP(&opts.configFile, "config", "c", "", "Path to YAML configuration (defaults apply when empty)")
	flags.StringVarP(&opts.outputDir, "output", "o", "", "Override output.dir")
	flags.IntVar(&opts.workers, "workers", 0, "Worker goroutines per stage (0 uses all CPUs)")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newPairCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig reads the configured file, or the defaults, and applies flags
func (o *rootOptions) loadConfig() (*align.Config, error) {
	cfg := align.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = align.LoadConfig(o.configFile); err != nil {
			return nil, err
		}
		log.Info().Str("path", o.configFile).Msg("Loaded config")
	}
	if o.outputDir != "" {
		cfg.Output.Dir = o.outputDir
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		manifest string
		count    int
		shape    string
		serve    string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register every sample of a manifest or synthetic dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if manifest != "" {
				cfg.Dataset.Manifest = manifest
			}
			if count > 0 {
				cfg.Dataset.Synthetic.Count = count
			}
			if shape != "" {
				cfg.Dataset.Synthetic.Shape = align.Shape(shape)
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.OpenSinks(ctx); err != nil {
				return err
			}

			ds, err := datasetFromConfig(cfg)
			if err != nil {
				return err
			}
			sum, err := app.RunDataset(ctx, ds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d registered (%.1f%%), rot err %.3f±%.3f deg, trans err %.4f±%.4f\n",
				sum.Registered, sum.Samples, 100*sum.SuccessRate,
				sum.MeanRotationDeg, sum.StdRotationDeg, sum.MeanTranslation, sum.StdTranslation)

			if serve != "" {
				return app.Serve(ctx, serve)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "Override dataset.manifest")
	cmd.Flags().IntVar(&count, "count", 0, "Override dataset.synthetic.count")
	cmd.Flags().StringVar(&shape, "shape", "", "Override dataset.synthetic.shape (cube, box, sphere)")
	cmd.Flags().StringVar(&serve, "serve", "", "Keep serving results on this address after the run")
	return cmd
}

func newPairCmd(opts *rootOptions) *cobra.Command {
	var transform string
	cmd := &cobra.Command{
		Use:   "pair <source.ply> <target.ply>",
		Short: "Register one pair of PLY files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			var ref *align.RigidTransform
			if transform != "" {
				t, err := parseMatrix4(transform)
				if err != nil {
					return fmt.Errorf("--transform: %w", err)
				}
				ref = &t
			}

			ctx, cancel := signalContext()
			defer cancel()

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.OpenSinks(ctx); err != nil {
				return err
			}

			rec, err := app.RunPair(ctx, args[0], args[1], ref)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s (%s)\n", rec.Status, rec.Stage)
			if rec.Failure != "" {
				fmt.Fprintf(out, "failure: %s\n", rec.Failure)
			}
			m := rec.Transform.Matrix4()
			for r := 0; r < 4; r++ {
				fmt.Fprintf(out, "%12.6f %12.6f %12.6f %12.6f\n", m[4*r], m[4*r+1], m[4*r+2], m[4*r+3])
			}
			if rec.HasReference {
				fmt.Fprintf(out, "rotation error: %.4f deg, translation error: %.5f\n", rec.RotationDeg, rec.TranslationNorm)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&transform, "transform", "", "Reference transform, 16 comma-separated row-major values")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve results of previous runs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			if path := app.outputPath(cfg.Output.Database); path != "" {
				if app.Store, err = align.OpenRecordStore(path); err != nil {
					return err
				}
			}
			return app.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config <path>",
		Short: "Write the effective configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := align.SaveConfig(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cloudreg version: %s\n", Version)
		},
	}
}

// parseMatrix4 reads 16 comma or space separated values
func parseMatrix4(s string) (align.RigidTransform, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return align.RigidTransform{}, fmt.Errorf("invalid value %q", f)
		}
		vals = append(vals, v)
	}
	return align.FromMatrix4(vals)
}
