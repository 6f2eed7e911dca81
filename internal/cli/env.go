package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/config"
	"github.com/roach88/stravasync/internal/metrics"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/warehouse"
	"github.com/roach88/stravasync/internal/watermark"
)

// Upstream is everything the commands need from the activity API.
type Upstream interface {
	upstream.ActivityLister
	upstream.DetailFetcher
	upstream.OwnerResolver
}

// environment is the per-invocation wiring shared by every command:
// resolved config, logger, clock, shard store and formatter.
type environment struct {
	opts      *RootOptions
	cfg       config.Config
	logger    *slog.Logger
	now       func() time.Time
	shards    *shard.Store
	formatter *OutputFormatter
}

func newEnvironment(opts *RootOptions, cmd *cobra.Command) (*environment, error) {
	var loadOpts []config.Option
	if opts.LookupEnv != nil {
		loadOpts = append(loadOpts, config.WithEnv(opts.LookupEnv))
	}
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	} else {
		loadOpts = append(loadOpts, config.Required())
	}

	cfg, err := config.Load(path, loadOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := slog.Default()
	logger.Debug("config loaded",
		"data_dir", cfg.DataDir,
		"shard_dir", cfg.ShardDir,
		"warehouse", cfg.Warehouse,
	)

	return &environment{
		opts:   opts,
		cfg:    cfg,
		logger: logger,
		now:    now,
		shards: shard.NewStore(cfg.ShardDir, shard.WithLogger(logger)),
		formatter: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

// openWarehouse opens (creating if needed) the configured warehouse.
func (e *environment) openWarehouse() (*warehouse.Store, error) {
	if err := os.MkdirAll(filepath.Dir(e.cfg.Warehouse), 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create warehouse directory", err)
	}
	wh, err := warehouse.Open(e.cfg.Warehouse)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open warehouse", err)
	}
	return wh, nil
}

func (e *environment) closeWarehouse(wh *warehouse.Store) {
	if err := wh.Close(); err != nil {
		e.logger.Error("error closing warehouse", "error", err)
	}
}

// budget builds the per-run call budget from config. maxCalls < 0 keeps
// the configured cap.
func (e *environment) budget(maxCalls int) *upstream.Budget {
	if maxCalls < 0 {
		maxCalls = e.cfg.MaxCalls
	}
	return upstream.NewBudget(
		upstream.WithMaxCalls(maxCalls),
		upstream.WithMinSpacing(e.cfg.MinSpacing),
		upstream.WithCushions(e.cfg.CushionShort, e.cfg.CushionDaily),
	)
}

// client returns the activity API client. The budget observes rate-limit
// headers from every response.
func (e *environment) client(budget *upstream.Budget) (Upstream, error) {
	if e.opts.NewUpstream != nil {
		return e.opts.NewUpstream(e.cfg, budget), nil
	}
	if e.cfg.AccessToken == "" {
		return nil, WrapExitError(ExitCommandError, "no access token",
			fmt.Errorf("set %s or access_token in the config file", config.TokenEnv))
	}
	return upstream.NewClient(e.cfg.AccessToken,
		upstream.WithObserver(budget),
		upstream.WithClientLogger(e.logger),
	), nil
}

func (e *environment) selector() *watermark.Selector {
	return watermark.NewSelector(e.shards,
		watermark.WithWindow(e.cfg.RecencyWindow),
		watermark.WithClock(e.now),
		watermark.WithLogger(e.logger),
	)
}

// flushMetrics writes the metrics textfile when one is configured. A
// failed export never fails the command.
func (e *environment) flushMetrics() {
	if e.cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(e.cfg.MetricsFile); err != nil {
		e.logger.Warn("failed to write metrics textfile", "path", e.cfg.MetricsFile, "error", err)
	}
}

// commandContext derives a context cancelled on SIGINT/SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
