package cli

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/compact"
	"github.com/roach88/stravasync/internal/config"
	"github.com/roach88/stravasync/internal/upstream"
)

// DefaultConfigPath is read when --config is not given. A missing default
// file is not an error.
const DefaultConfigPath = "stravasync.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// NewUpstream overrides the upstream client (for testing).
	// If nil, a Strava client is built from the configured access token.
	NewUpstream func(cfg config.Config, budget *upstream.Budget) Upstream

	// RunIDs overrides the compaction run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs compact.RunIDGenerator

	// Now overrides the wall clock (for testing).
	Now func() time.Time

	// LookupEnv overrides environment lookup (for testing).
	LookupEnv func(string) (string, bool)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the stravasync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stravasync",
		Short: "stravasync - activity shards to a canonical warehouse",
		Long: `Incrementally pull activity summaries into immutable shards, compact them
into one canonical table and reconcile per-activity details against it.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			configureLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default "+DefaultConfigPath+" if present)")

	// Add subcommands
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewWatermarkCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewFlowCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

// configureLogging installs the process-wide text handler on w.
func configureLogging(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
