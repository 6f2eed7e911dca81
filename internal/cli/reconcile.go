package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/stravasync/internal/config"
	"github.com/roach88/stravasync/internal/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	Window         string
	All            bool
	IDs            []int64
	DryRun         bool
	IncludeEfforts bool
	MaxCalls       int
}

// ReconcileReport is the command output for one reconciliation pass.
type ReconcileReport struct {
	Version         int64   `json:"version"`
	DryRun          bool    `json:"dry_run"`
	Selected        int     `json:"selected"`
	Fetched         int     `json:"fetched"`
	SkippedByBudget int     `json:"skipped_by_budget"`
	NotFound        int     `json:"not_found"`
	Remaining       int     `json:"remaining"`
	SelectedIDs     []int64 `json:"selected_ids,omitempty"`
	Advisory        bool    `json:"advisory"`
}

func newReconcileReport(res reconcile.Result, dryRun bool) ReconcileReport {
	return ReconcileReport{
		Version:         res.Version,
		DryRun:          dryRun,
		Selected:        res.Selected,
		Fetched:         res.Fetched,
		SkippedByBudget: res.SkippedByBudget,
		NotFound:        res.NotFound,
		Remaining:       res.Remaining,
		SelectedIDs:     res.SelectedIDs,
		Advisory:        res.Advisory,
	}
}

func (r ReconcileReport) String() string {
	var b strings.Builder
	if r.DryRun {
		fmt.Fprintf(&b, "Dry run against canonical version %d: %d stale\n", r.Version, r.Selected)
		fmt.Fprintf(&b, "  ids: %v", r.SelectedIDs)
		return b.String()
	}
	fmt.Fprintf(&b, "Reconciled against canonical version %d\n", r.Version)
	fmt.Fprintf(&b, "  selected %d, fetched %d, not found %d, skipped by budget %d\n",
		r.Selected, r.Fetched, r.NotFound, r.SkippedByBudget)
	fmt.Fprintf(&b, "  remaining: %d", r.Remaining)
	if r.Advisory {
		b.WriteString("\n  note: canonical table changed during the pass; run again to converge")
	}
	return b.String()
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refetch activity details that lag the canonical table",
		Long: `Select activities whose stored detail is missing or behind the canonical
summary and refetch them, most recent first, until the call budget runs out.

A budget running out is partial progress, not a failure: the rest of the
selection is reported as remaining and picked up by the next pass.

Example:
  stravasync reconcile
  stravasync reconcile --window 90d --max-calls 50
  stravasync reconcile --ids 123,456 --include-efforts
  stravasync reconcile --all --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Window, "window", "", "only consider activities started within this window, e.g. 30d (default from config)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "ignore the window")
	cmd.Flags().Int64SliceVar(&opts.IDs, "ids", nil, "reconcile exactly these activity ids")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the selection without fetching")
	cmd.Flags().BoolVar(&opts.IncludeEfforts, "include-efforts", false, "request every segment effort (default from config)")
	cmd.Flags().IntVar(&opts.MaxCalls, "max-calls", -1, "upstream call cap for this run, 0 for unlimited (default from config)")

	return cmd
}

func runReconcile(opts *ReconcileOptions, cmd *cobra.Command) error {
	env, err := newEnvironment(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	ropts, err := opts.resolve(env.cfg)
	if err != nil {
		return err
	}
	includeEfforts := env.cfg.IncludeEfforts
	if cmd.Flags().Changed("include-efforts") {
		includeEfforts = opts.IncludeEfforts
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	wh, err := env.openWarehouse()
	if err != nil {
		return err
	}
	defer env.closeWarehouse(wh)

	budget := env.budget(opts.MaxCalls)
	client, err := env.client(budget)
	if err != nil {
		return err
	}

	res, err := reconcileOnce(ctx, env, wh, client, budget, includeEfforts, ropts)
	env.flushMetrics()
	if err != nil {
		env.logger.Warn("reconcile stopped early",
			"fetched", res.Fetched,
			"remaining", res.Remaining,
		)
		return stageError("reconcile failed", err)
	}
	return env.formatter.Success(newReconcileReport(res, ropts.DryRun))
}

// resolve turns flags into engine options, falling back to config.
func (o *ReconcileOptions) resolve(cfg config.Config) (reconcile.Options, error) {
	ropts := reconcile.Options{
		Window: cfg.DetailWindow,
		All:    o.All,
		IDs:    o.IDs,
		DryRun: o.DryRun,
	}
	if o.Window != "" {
		w, err := config.ParseDuration(o.Window)
		if err != nil {
			return reconcile.Options{}, WrapExitError(ExitCommandError, "invalid --window", err)
		}
		if w <= 0 {
			return reconcile.Options{}, NewExitError(ExitCommandError, "invalid --window: must be positive")
		}
		ropts.Window = w
	}
	return ropts, nil
}
