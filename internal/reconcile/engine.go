// Package reconcile keeps the detail tables in step with the canonical table.
//
// An entity is stale when it has no detail row, or when its detail
// kudos_count is strictly below the canonical one. Stale entities inside the
// policy window are refetched through a budgeted collaborator and upserted;
// child tables are replaced by parent key.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/roach88/stravasync/internal/metrics"
	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/warehouse"
)

// DefaultWindow is the policy window used when Options.Window is zero.
const DefaultWindow = 30 * 24 * time.Hour

// Options select what a pass reconciles.
type Options struct {
	// Window restricts selection to entities that started within it.
	// Zero means DefaultWindow.
	Window time.Duration

	// All disables the window.
	All bool

	// IDs reconciles exactly these entities, stale or not, ignoring the
	// window. Ids absent from the canonical table are still fetched.
	IDs []int64

	// DryRun reports the selection without fetching anything.
	DryRun bool
}

// Result reports what a pass did. Remaining entities are picked up by the
// next pass.
type Result struct {
	// Version is the canonical version the selection was made against.
	Version int64

	Selected        int
	Fetched         int
	SkippedByBudget int
	NotFound        int
	Remaining       int

	// SelectedIDs lists the selection in fetch order.
	SelectedIDs []int64

	// Advisory is true when a compaction published a new canonical version
	// during the pass; a later pass should re-validate.
	Advisory bool
}

// Engine runs reconciliation passes.
type Engine struct {
	warehouse      *warehouse.Store
	fetcher        upstream.DetailFetcher
	logger         *slog.Logger
	now            func() time.Time
	includeEfforts bool
	bronze         billy.Filesystem
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source for the window and fetched_at stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEfforts requests segment efforts with every detail.
func WithEfforts(include bool) Option {
	return func(e *Engine) {
		e.includeEfforts = include
	}
}

// WithBronzeDir lands every fetched payload as a JSON file under dir.
func WithBronzeDir(dir string) Option {
	return WithBronze(osfs.New(dir))
}

// WithBronze lands every fetched payload as a JSON file in fsys.
func WithBronze(fsys billy.Filesystem) Option {
	return func(e *Engine) {
		e.bronze = fsys
	}
}

// NewEngine creates an engine. fetcher is expected to enforce the call
// budget (see upstream.WithBudget) and return upstream.ErrBudgetExhausted
// when it is spent.
func NewEngine(wh *warehouse.Store, fetcher upstream.DetailFetcher, opts ...Option) *Engine {
	e := &Engine{
		warehouse: wh,
		fetcher:   fetcher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile runs one pass. Budget exhaustion ends the pass early with a
// partial result and no error. An upstream failure also ends the pass; the
// partial result is returned together with the error and everything already
// upserted stays committed.
func (e *Engine) Reconcile(ctx context.Context, opts Options) (res Result, err error) {
	start, known, err := e.warehouse.CurrentVersion(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	if known {
		res.Version = start.Version
	}

	candidates, err := e.selectCandidates(ctx, opts)
	if errors.Is(err, warehouse.ErrNoCanonical) {
		e.logger.Warn("nothing to reconcile: no canonical table published")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	res.Selected = len(candidates)
	res.SelectedIDs = make([]int64, len(candidates))
	for i, c := range candidates {
		res.SelectedIDs[i] = c.ID
	}

	if opts.DryRun {
		res.Remaining = res.Selected
		e.logger.Info("reconcile dry run", "selected", res.Selected, "ids", res.SelectedIDs)
		return res, nil
	}

	defer func() {
		res.Remaining = res.Selected - res.Fetched - res.NotFound
		res.Advisory = e.versionChanged(ctx, start.Version)
		metrics.RecordReconcile(metrics.ReconcileCounts{
			Selected:        res.Selected,
			Fetched:         res.Fetched,
			SkippedByBudget: res.SkippedByBudget,
			NotFound:        res.NotFound,
			Remaining:       res.Remaining,
		})
		e.logger.Info("reconcile finished",
			"version", res.Version,
			"selected", res.Selected,
			"fetched", res.Fetched,
			"skipped_by_budget", res.SkippedByBudget,
			"not_found", res.NotFound,
			"remaining", res.Remaining,
			"advisory", res.Advisory,
		)
	}()

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		payload, err := e.fetcher.FetchDetail(ctx, c.ID, e.includeEfforts)
		switch {
		case errors.Is(err, upstream.ErrBudgetExhausted):
			res.SkippedByBudget = len(candidates) - i
			e.logger.Warn("call budget exhausted", "skipped", res.SkippedByBudget)
			return res, nil
		case errors.Is(err, upstream.ErrNotFound):
			res.NotFound++
			e.logger.Warn("activity not found upstream", "activity_id", c.ID)
			continue
		case err != nil:
			return res, fmt.Errorf("reconcile: activity %d: %w", c.ID, err)
		}

		if err := e.apply(ctx, c, payload); err != nil {
			return res, fmt.Errorf("reconcile: activity %d: %w", c.ID, err)
		}
		res.Fetched++
	}
	return res, nil
}

// selectCandidates returns the entities to fetch, newest first.
func (e *Engine) selectCandidates(ctx context.Context, opts Options) ([]warehouse.Candidate, error) {
	if len(opts.IDs) > 0 {
		return e.explicitCandidates(ctx, opts.IDs)
	}

	q := warehouse.StaleQuery{}
	if !opts.All {
		window := opts.Window
		if window <= 0 {
			window = DefaultWindow
		}
		since := e.now().Add(-window)
		q.Since = &since
	}
	return e.warehouse.SelectStale(ctx, q)
}

// explicitCandidates selects ids regardless of staleness. Ids the canonical
// table does not know are appended in the order given.
func (e *Engine) explicitCandidates(ctx context.Context, ids []int64) ([]warehouse.Candidate, error) {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))

	found, err := e.warehouse.SelectStale(ctx, warehouse.StaleQuery{IDs: ids, Force: true})
	if err != nil && !errors.Is(err, warehouse.ErrNoCanonical) {
		return nil, err
	}

	known := make(map[int64]bool, len(found))
	for _, c := range found {
		known[c.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			found = append(found, warehouse.Candidate{ID: id})
		}
	}
	return found, nil
}

func (e *Engine) apply(ctx context.Context, c warehouse.Candidate, payload record.Row) error {
	if !payload.Has("id") {
		payload["id"] = record.Int(c.ID)
	}
	fetchedAt := e.now()

	if e.bronze != nil {
		owner := c.OwnerID
		if a, ok := payload["athlete"].(record.Object); ok {
			if id, ok := record.Row(a).Int("id"); ok {
				owner = id
			}
		}
		if _, err := shard.WriteDetailPayload(e.bronze, owner, c.ID, fetchedAt, payload); err != nil {
			return err
		}
	}

	counts, err := e.warehouse.UpsertDetail(ctx, payload, fetchedAt)
	if err != nil {
		return err
	}

	kudos, _ := payload.Int("kudos_count")
	if c.CanonicalKudos != nil && kudos < *c.CanonicalKudos {
		e.logger.Warn("detail still behind canonical after refetch",
			"activity_id", c.ID, "detail_kudos", kudos, "canonical_kudos", *c.CanonicalKudos)
	}
	e.logger.Debug("detail upserted",
		"activity_id", c.ID,
		"kudos", kudos,
		"splits_metric", counts.SplitsMetric,
		"splits_standard", counts.SplitsStandard,
		"segment_efforts", counts.SegmentEfforts,
	)
	return nil
}

func (e *Engine) versionChanged(ctx context.Context, before int64) bool {
	cur, ok, err := e.warehouse.CurrentVersion(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn("re-read canonical version", "error", err)
		return true
	}
	return ok && cur.Version != before
}
