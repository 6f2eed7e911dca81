package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/pull"
	"github.com/roach88/stravasync/internal/record"
)

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	All         bool
	PerPage     int
	SkipRefresh bool
	OwnerID     int64
	MaxCalls    int
}

// PullReport is the command output for one pull.
type PullReport struct {
	OwnerID       int64    `json:"owner_id"`
	After         string   `json:"after,omitempty"`
	Pages         int      `json:"pages"`
	Listed        int      `json:"listed"`
	Written       int      `json:"written"`
	Shard         string   `json:"shard,omitempty"`
	RefreshCutoff string   `json:"refresh_cutoff,omitempty"`
	RefreshPages  int      `json:"refresh_pages"`
	RefreshRows   int      `json:"refresh_rows"`
	RefreshShard  string   `json:"refresh_shard,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

func newPullReport(res pull.Result) PullReport {
	r := PullReport{
		OwnerID:      res.OwnerID,
		Pages:        res.Pages,
		Listed:       res.Listed,
		Written:      res.Written,
		Shard:        res.Shard,
		RefreshPages: res.RefreshPages,
		RefreshRows:  res.RefreshRows,
		RefreshShard: res.RefreshShard,
		Warnings:     errorStrings(res.Warnings),
	}
	if res.After != nil {
		r.After = record.FormatTime(*res.After)
	}
	if !res.RefreshCutoff.IsZero() {
		r.RefreshCutoff = record.FormatTime(res.RefreshCutoff)
	}
	return r
}

func (r PullReport) String() string {
	var b strings.Builder
	after := r.After
	if after == "" {
		after = "beginning (full pull)"
	}
	fmt.Fprintf(&b, "Pulled activities for owner %d after %s\n", r.OwnerID, after)
	fmt.Fprintf(&b, "  %d pages, %d listed, %d written", r.Pages, r.Listed, r.Written)
	if r.Shard != "" {
		fmt.Fprintf(&b, " to %s", r.Shard)
	}
	if r.RefreshCutoff != "" {
		fmt.Fprintf(&b, "\n  refresh since %s: %d pages, %d rows", r.RefreshCutoff, r.RefreshPages, r.RefreshRows)
		if r.RefreshShard != "" {
			fmt.Fprintf(&b, " to %s", r.RefreshShard)
		}
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Land new activity summaries as a shard",
		Long: `List activities started after the shard-store watermark and write them
to a new immutable shard, then list the recency window again into a
refresh shard so recent edits (kudos, titles) reach compaction.

A listing failure, including a spent call budget, writes no shard.

Example:
  stravasync pull
  stravasync pull --all --per-page 100
  stravasync pull --skip-refresh`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "ignore the watermark and list everything")
	cmd.Flags().IntVar(&opts.PerPage, "per-page", 0, "page size, 1..200 (default from config)")
	cmd.Flags().BoolVar(&opts.SkipRefresh, "skip-refresh", false, "skip the recency-window refresh listing")
	cmd.Flags().Int64Var(&opts.OwnerID, "owner-id", 0, "athlete id (default from config, else resolved upstream)")
	cmd.Flags().IntVar(&opts.MaxCalls, "max-calls", -1, "upstream call cap for this run, 0 for unlimited (default from config)")

	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command) error {
	env, err := newEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	budget := env.budget(opts.MaxCalls)
	client, err := env.client(budget)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := pullOnce(ctx, env, client, budget, opts.pullOptions(env))
	env.flushMetrics()
	if err != nil {
		return stageError("pull failed", err)
	}
	env.logger.Debug("pull finished", "elapsed", time.Since(start))
	return env.formatter.Success(newPullReport(res))
}

func (o *PullOptions) pullOptions(env *environment) pull.Options {
	popts := pull.Options{
		OwnerID:     env.cfg.OwnerID,
		All:         o.All,
		PerPage:     env.cfg.PerPage,
		SkipRefresh: o.SkipRefresh,
	}
	if o.OwnerID > 0 {
		popts.OwnerID = o.OwnerID
	}
	if o.PerPage > 0 {
		popts.PerPage = o.PerPage
	}
	return popts
}
