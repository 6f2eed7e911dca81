package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/roach88/stravasync/internal/compact"
	"github.com/roach88/stravasync/internal/config"
	"github.com/roach88/stravasync/internal/reconcile"
	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/testutil"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/warehouse"
)

// Harness is the scenario execution environment. Every scenario gets its
// own temporary shard directory and warehouse, a fake clock, sequential run
// ids and an in-memory upstream.
type Harness struct {
	dir       string
	shards    *shard.Store
	warehouse *warehouse.Store
	clock     *testutil.Clock
	upstream  *testutil.FakeUpstream
	compactor *compact.Engine
	logger    *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Create a fresh temporary directory and warehouse
//  2. Write shard fixtures and register upstream details
//  3. Execute steps, checking each step's expectations
//  4. Evaluate assertions and capture the final warehouse projection
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "stravasync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wh, err := warehouse.Open(filepath.Join(dir, "warehouse.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer wh.Close()

	now := DefaultNow
	if scenario.Now != "" {
		now = scenario.Now
	}
	start, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return nil, fmt.Errorf("invalid now: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		dir:       dir,
		shards:    shard.NewStore("shards", shard.WithFilesystem(memfs.New()), shard.WithLogger(logger)),
		warehouse: wh,
		clock:     testutil.NewClock(start.UTC()),
		upstream:  testutil.NewFakeUpstream(scenario.OwnerID),
		logger:    logger,
	}
	h.compactor = compact.NewEngine(h.shards, wh,
		compact.WithLogger(logger),
		compact.WithClock(h.clock.Now),
		compact.WithRunIDGenerator(testutil.NewSequenceRunIDs("run")),
	)

	for _, sh := range scenario.Shards {
		if err := h.writeShard(sh); err != nil {
			return nil, err
		}
	}
	for _, d := range scenario.Details {
		if err := h.setDetail(d); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	result := NewResult()
	for i, st := range scenario.Steps {
		trace := h.executeStep(ctx, i, st)
		result.Trace = append(result.Trace, trace)
		checkStep(result, trace, st)
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, err
	}
	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, result, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, index int, st Step) StepTrace {
	trace := StepTrace{Index: index, Action: st.Action}
	var (
		outcome record.Object
		err     error
	)
	switch st.Action {
	case ActionCompact:
		outcome, err = h.compact(ctx)
	case ActionReconcile:
		outcome, err = h.reconcile(ctx, st.Args)
	case ActionAdvance:
		var d time.Duration
		if d, err = time.ParseDuration(st.Args.Duration); err == nil {
			h.clock.Advance(d)
		}
	case ActionAddShard:
		err = h.writeShard(*st.Args.Shard)
	case ActionSetDetail:
		err = h.setDetail(*st.Args.Detail)
	default:
		err = fmt.Errorf("unknown action %q", st.Action)
	}
	trace.Outcome = outcome
	if err != nil {
		trace.Error = err.Error()
	}
	return trace
}

func (h *Harness) compact(ctx context.Context) (record.Object, error) {
	res, err := h.compactor.Compact(ctx)
	return record.Object{
		"shards_read":    record.Int(int64(res.ShardsRead)),
		"shards_skipped": record.Int(int64(res.ShardsSkipped)),
		"rows_read":      record.Int(int64(res.RowsRead)),
		"rows_written":   record.Int(int64(res.RowsWritten)),
		"rows_deduped":   record.Int(int64(res.RowsDeduped)),
		"unkeyed_rows":   record.Int(int64(res.UnkeyedRows)),
		"version":        record.Int(res.Version),
	}, err
}

func (h *Harness) reconcile(ctx context.Context, args StepArgs) (record.Object, error) {
	opts := reconcile.Options{All: args.All, IDs: args.IDs, DryRun: args.DryRun}
	if args.Window != "" {
		w, err := config.ParseDuration(args.Window)
		if err != nil {
			return nil, err
		}
		opts.Window = w
	}

	var fetcher upstream.DetailFetcher = h.upstream
	if args.MaxCalls > 0 {
		fetcher = upstream.WithBudget(h.upstream, upstream.NewBudget(upstream.WithMaxCalls(args.MaxCalls)))
	}
	eng := reconcile.NewEngine(h.warehouse, fetcher,
		reconcile.WithLogger(h.logger),
		reconcile.WithClock(h.clock.Now),
		reconcile.WithEfforts(args.IncludeEfforts),
	)

	res, err := eng.Reconcile(ctx, opts)
	ids := make(record.Array, len(res.SelectedIDs))
	for i, id := range res.SelectedIDs {
		ids[i] = record.Int(id)
	}
	return record.Object{
		"selected":          record.Int(int64(res.Selected)),
		"selected_ids":      ids,
		"fetched":           record.Int(int64(res.Fetched)),
		"skipped_by_budget": record.Int(int64(res.SkippedByBudget)),
		"not_found":         record.Int(int64(res.NotFound)),
		"remaining":         record.Int(int64(res.Remaining)),
		"advisory":          record.Bool(res.Advisory),
	}, err
}

func (h *Harness) writeShard(sh ShardFixture) error {
	data := []byte(sh.Raw)
	if sh.Raw == "" {
		arr := make(record.Array, len(sh.Rows))
		for i, r := range sh.Rows {
			v, err := toValue(r)
			if err != nil {
				return fmt.Errorf("shard %s row %d: %w", sh.Name, i, err)
			}
			arr[i] = v
		}
		var err error
		if data, err = record.MarshalCanonical(arr); err != nil {
			return fmt.Errorf("shard %s: %w", sh.Name, err)
		}
	}
	return util.WriteFile(h.shards.Filesystem(), sh.Name, data, 0o644)
}

func (h *Harness) setDetail(d DetailFixture) error {
	switch {
	case d.Status == 404:
		h.upstream.FailDetail(d.ID, upstream.ErrNotFound)
	case d.Status != 0:
		h.upstream.FailDetail(d.ID, &upstream.FetchError{
			Op: "detail", Status: d.Status, Err: fmt.Errorf("scenario status %d", d.Status),
		})
	default:
		v, err := toValue(d.Payload)
		if err != nil {
			return fmt.Errorf("detail %d: %w", d.ID, err)
		}
		obj, _ := v.(record.Object)
		h.upstream.SetDetail(d.ID, record.Row(obj))
		h.upstream.FailDetail(d.ID, nil)
	}
	return nil
}

// capture projects the final warehouse into the result.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	result.Fetched = h.upstream.FetchedIDs()

	rows, err := h.warehouse.CanonicalRows(ctx)
	if err != nil && !errors.Is(err, warehouse.ErrNoCanonical) {
		return fmt.Errorf("failed to read canonical rows: %w", err)
	}
	result.Canonical = make([]record.Object, 0, len(rows))
	for _, cr := range rows {
		obj := record.Object{"key": record.String(cr.DedupeKey)}
		for _, col := range []string{"id", "kudos_count", "source_file"} {
			if v, ok := cr.Row.Get(col); ok {
				obj[col] = v
			}
		}
		result.Canonical = append(result.Canonical, obj)
	}

	ids, err := h.detailIDs(ctx)
	if err != nil {
		return err
	}
	result.Details = make([]record.Object, 0, len(ids))
	for _, id := range ids {
		d, _, err := h.warehouse.LookupDetail(ctx, id)
		if err != nil {
			return err
		}
		counts, err := h.warehouse.ChildCounts(ctx, id)
		if err != nil {
			return err
		}
		obj := record.Object{
			"id":              record.Int(id),
			"kudos_count":     record.Null{},
			"splits_metric":   record.Int(int64(counts.SplitsMetric)),
			"splits_standard": record.Int(int64(counts.SplitsStandard)),
			"segment_efforts": record.Int(int64(counts.SegmentEfforts)),
		}
		if d.KudosCount != nil {
			obj["kudos_count"] = record.Int(*d.KudosCount)
		}
		result.Details = append(result.Details, obj)
	}
	return nil
}

func (h *Harness) detailIDs(ctx context.Context) ([]int64, error) {
	rows, err := h.warehouse.DB().QueryContext(ctx, `SELECT activity_id FROM activity_details ORDER BY activity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list details: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkStep(result *Result, trace StepTrace, st Step) {
	prefix := fmt.Sprintf("steps[%d] %s", trace.Index, trace.Action)
	switch {
	case st.ExpectError != "" && trace.Error == "":
		result.AddError(fmt.Sprintf("%s: expected error containing %q, got none", prefix, st.ExpectError))
	case st.ExpectError != "" && !contains(trace.Error, st.ExpectError):
		result.AddError(fmt.Sprintf("%s: expected error containing %q, got %q", prefix, st.ExpectError, trace.Error))
	case st.ExpectError == "" && trace.Error != "":
		result.AddError(fmt.Sprintf("%s: unexpected error: %s", prefix, trace.Error))
	}
	if len(st.Expect) > 0 {
		if err := matchSubset(prefix, trace.Outcome, st.Expect); err != nil {
			result.AddError(err.Error())
		}
	}
}
