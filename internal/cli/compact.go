package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/compact"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	LockTTL time.Duration
}

// CompactReport is the command output for one compaction run.
type CompactReport struct {
	RunID          string   `json:"run_id"`
	Version        int64    `json:"version"`
	ShardsRead     int      `json:"shards_read"`
	ShardsSkipped  int      `json:"shards_skipped"`
	RowsRead       int      `json:"rows_read"`
	RowsWritten    int      `json:"rows_written"`
	RowsDeduped    int      `json:"rows_deduped"`
	UnkeyedRows    int      `json:"unkeyed_rows"`
	OrphansDropped []string `json:"orphans_dropped,omitempty"`
	Digest         string   `json:"digest"`
	Warnings       []string `json:"warnings,omitempty"`
}

func newCompactReport(res compact.Result) CompactReport {
	return CompactReport{
		RunID:          res.RunID,
		Version:        res.Version,
		ShardsRead:     res.ShardsRead,
		ShardsSkipped:  res.ShardsSkipped,
		RowsRead:       res.RowsRead,
		RowsWritten:    res.RowsWritten,
		RowsDeduped:    res.RowsDeduped,
		UnkeyedRows:    res.UnkeyedRows,
		OrphansDropped: res.OrphansDropped,
		Digest:         res.Digest,
		Warnings:       errorStrings(res.Warnings),
	}
}

func (r CompactReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Published canonical version %d (run %s)\n", r.Version, r.RunID)
	fmt.Fprintf(&b, "  shards: %d read, %d skipped\n", r.ShardsRead, r.ShardsSkipped)
	fmt.Fprintf(&b, "  rows:   %d read, %d written, %d deduped, %d unkeyed\n",
		r.RowsRead, r.RowsWritten, r.RowsDeduped, r.UnkeyedRows)
	fmt.Fprintf(&b, "  digest: %s", r.Digest)
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rebuild and publish the canonical activity table",
		Long: `Read every shard, keep one winning row per activity and atomically
replace the canonical table.

Malformed shards are skipped with a warning. If another compaction holds
the publish lock the command exits with code 3 and the published table is
left untouched.

Example:
  stravasync compact
  stravasync compact --config ./stravasync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.LockTTL, "lock-ttl", 0, "publish lock lifetime before takeover (default from config)")

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	env, err := newEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	wh, err := env.openWarehouse()
	if err != nil {
		return err
	}
	defer env.closeWarehouse(wh)

	res, err := compactOnce(ctx, env, wh, opts.LockTTL)
	env.flushMetrics()
	if err != nil {
		return stageError("compaction failed", err)
	}
	return env.formatter.SuccessRun(res.RunID, newCompactReport(res))
}

// errorStrings renders warnings for output.
func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
