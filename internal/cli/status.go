package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/record"
)

// StatusReport is the command output for the status command.
type StatusReport struct {
	Version         int64   `json:"version"`
	RunID           string  `json:"run_id,omitempty"`
	PublishedAt     string  `json:"published_at,omitempty"`
	Digest          string  `json:"digest,omitempty"`
	Shards          int     `json:"shards"`
	MalformedShards int     `json:"malformed_shards"`
	CanonicalRows   int     `json:"canonical_rows"`
	Details         int     `json:"details"`
	DetailCoverage  float64 `json:"detail_coverage"`
	SplitsMetric    int     `json:"splits_metric"`
	SplitsStandard  int     `json:"splits_standard"`
	SegmentEfforts  int     `json:"segment_efforts"`
}

func (r StatusReport) String() string {
	var b strings.Builder
	if r.Version == 0 {
		b.WriteString("No canonical table published yet\n")
	} else {
		fmt.Fprintf(&b, "Canonical version %d (run %s, published %s)\n", r.Version, r.RunID, r.PublishedAt)
	}
	fmt.Fprintf(&b, "  shards:    %d (%d unrecognised)\n", r.Shards, r.MalformedShards)
	fmt.Fprintf(&b, "  canonical: %d rows\n", r.CanonicalRows)
	fmt.Fprintf(&b, "  details:   %d (%.1f%% coverage)\n", r.Details, r.DetailCoverage*100)
	fmt.Fprintf(&b, "  children:  %d metric splits, %d standard splits, %d segment efforts",
		r.SplitsMetric, r.SplitsStandard, r.SegmentEfforts)
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the shard store and warehouse hold",
		Long: `Report the published canonical version, shard count and detail coverage.
Read-only.

Example:
  stravasync status
  stravasync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	env, err := newEnvironment(opts, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	infos, warnings, err := env.shards.List()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list shards", err)
	}

	wh, err := env.openWarehouse()
	if err != nil {
		return err
	}
	defer env.closeWarehouse(wh)

	st, err := wh.Status(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read warehouse status", err)
	}

	report := StatusReport{
		Shards:          len(infos),
		MalformedShards: len(warnings),
		CanonicalRows:   st.CanonicalRows,
		Details:         st.Details,
		SplitsMetric:    st.SplitsMetric,
		SplitsStandard:  st.SplitsStandard,
		SegmentEfforts:  st.SegmentEfforts,
	}
	if st.Version != nil {
		report.Version = st.Version.Version
		report.RunID = st.Version.RunID
		report.PublishedAt = record.FormatTime(st.Version.PublishedAt)
		report.Digest = st.Version.Digest
	}
	if st.CanonicalRows > 0 {
		report.DetailCoverage = float64(min(st.Details, st.CanonicalRows)) / float64(st.CanonicalRows)
	}
	return env.formatter.Success(report)
}
