package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/pull"
	"github.com/roach88/stravasync/internal/reconcile"
)

// FlowOptions holds flags for the flow command.
type FlowOptions struct {
	*RootOptions
	All            bool
	SkipRefresh    bool
	SkipReconcile  bool
	IncludeEfforts bool
	MaxCalls       int
}

// FlowReport is the command output for a full pipeline run.
type FlowReport struct {
	Pull      PullReport       `json:"pull"`
	Compact   CompactReport    `json:"compact"`
	Reconcile *ReconcileReport `json:"reconcile,omitempty"`
}

func (r FlowReport) String() string {
	parts := []string{r.Pull.String(), r.Compact.String()}
	if r.Reconcile != nil {
		parts = append(parts, r.Reconcile.String())
	}
	return strings.Join(parts, "\n")
}

// NewFlowCommand creates the flow command.
func NewFlowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Run pull, compact and reconcile in order",
		Long: `Run the whole pipeline once: pull new summaries, publish a fresh canonical
table, then reconcile details against it. All stages share one call budget.

A stage failure stops the flow; earlier stages keep what they committed.

Example:
  stravasync flow
  stravasync flow --max-calls 300 --include-efforts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "pull everything, ignoring the watermark")
	cmd.Flags().BoolVar(&opts.SkipRefresh, "skip-refresh", false, "skip the recency-window refresh listing")
	cmd.Flags().BoolVar(&opts.SkipReconcile, "skip-reconcile", false, "stop after compaction")
	cmd.Flags().BoolVar(&opts.IncludeEfforts, "include-efforts", false, "request every segment effort (default from config)")
	cmd.Flags().IntVar(&opts.MaxCalls, "max-calls", -1, "upstream call cap shared by all stages, 0 for unlimited (default from config)")

	return cmd
}

func runFlow(opts *FlowOptions, cmd *cobra.Command) error {
	env, err := newEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	defer env.flushMetrics()

	budget := env.budget(opts.MaxCalls)
	client, err := env.client(budget)
	if err != nil {
		return err
	}

	pulled, err := pullOnce(ctx, env, client, budget, pull.Options{
		OwnerID:     env.cfg.OwnerID,
		All:         opts.All,
		PerPage:     env.cfg.PerPage,
		SkipRefresh: opts.SkipRefresh,
	})
	if err != nil {
		return stageError("flow: pull failed", err)
	}

	wh, err := env.openWarehouse()
	if err != nil {
		return err
	}
	defer env.closeWarehouse(wh)

	compacted, err := compactOnce(ctx, env, wh, 0)
	if err != nil {
		return stageError("flow: compaction failed", err)
	}
	report := FlowReport{
		Pull:    newPullReport(pulled),
		Compact: newCompactReport(compacted),
	}

	if !opts.SkipReconcile {
		includeEfforts := env.cfg.IncludeEfforts
		if cmd.Flags().Changed("include-efforts") {
			includeEfforts = opts.IncludeEfforts
		}
		reconciled, err := reconcileOnce(ctx, env, wh, client, budget, includeEfforts, reconcile.Options{
			Window: env.cfg.DetailWindow,
		})
		if err != nil {
			return stageError(fmt.Sprintf("flow: reconcile failed after %d fetches", reconciled.Fetched), err)
		}
		rr := newReconcileReport(reconciled, false)
		report.Reconcile = &rr
	}

	env.logger.Info("flow complete",
		"written", pulled.Written,
		"version", compacted.Version,
		"calls", budget.Calls(),
	)
	return env.formatter.SuccessRun(compacted.RunID, report)
}
