package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/config"
	"github.com/JakeFAU/multigroup-scraper/internal/logging"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
	"github.com/JakeFAU/multigroup-scraper/internal/server"
)

var errInterrupted = errors.New("interrupted")

// appBuilder builds the application; tests swap in stub extractors.
type appBuilder func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error)

func defaultBuilder(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Build(ctx, cfg, logger, server.Options{})
}

type rootOptions struct {
	configPath  string
	maxParallel int
	limited     bool
	dryRun      bool
	statusAddr  string
}

func newRootCmd(stdout io.Writer, build appBuilder) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "multigroup",
		Short: "Extract messages from several chat groups in one run.",
		Long: `multigroup runs one browser-driven extraction per configured group,
bounded by max_parallel_groups, and falls back to a remote Apify actor
when a group fails. Results are printed as a table when the run ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoot(cmd, opts, stdout, build)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the multi-group config file")
	flags.IntVar(&opts.maxParallel, "max-parallel", 0, "override scraper_settings.max_parallel_groups")
	flags.BoolVar(&opts.limited, "limited-parallel", false, "run groups in sequential batches of max-parallel")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "validate the config and print a summary without extracting")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "serve the status API on this address (overrides status_server.addr)")
	return cmd
}

func runRoot(cmd *cobra.Command, opts *rootOptions, stdout io.Writer, build appBuilder) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if opts.dryRun {
		return printDryRun(stdout, cfg)
	}

	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("application close failed", zap.Error(cerr))
		}
	}()

	groups := len(cfg.Groups)
	limited := opts.limited
	if !limited && cfg.Scraper.MaxParallelGroups < groups {
		logger.Info("ceiling below group count, switching to batched mode",
			zap.Int("max_parallel_groups", cfg.Scraper.MaxParallelGroups),
			zap.Int("groups", groups),
		)
		limited = true
	}

	results, err := app.Run(ctx, limited)
	if err != nil {
		return fmt.Errorf("run groups: %w", err)
	}
	if err := printReport(stdout, results, app.Manager().Stats()); err != nil {
		logger.Warn("print report failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("max-parallel") {
		if opts.maxParallel < 1 {
			return config.Config{}, scraper.NewConfigurationError("--max-parallel", "must be >= 1, got %d", opts.maxParallel)
		}
		if cfg, err = cfg.WithMaxParallel(opts.maxParallel); err != nil {
			return config.Config{}, err
		}
	}
	if opts.statusAddr != "" {
		cfg.Status.Addr = opts.statusAddr
	}
	return cfg, nil
}
