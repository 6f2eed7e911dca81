package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/stravasync/internal/metrics"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/warehouse"
)

// DefaultLockTTL is how long a publish lock is honoured before it is
// considered abandoned by a dead run.
const DefaultLockTTL = 30 * time.Minute

// RunIDGenerator produces unique compaction run ids. Run ids name the
// staging table and identify the publish lock holder.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 run ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SwapHook runs after staging is written and before it is published.
// Returning an error aborts the run with the previous canonical table intact.
type SwapHook func(ctx context.Context, staging string) error

// Result reports what a compaction run did.
type Result struct {
	RunID         string
	ShardsRead    int
	ShardsSkipped int
	RowsRead      int
	RowsWritten   int
	RowsDeduped   int
	// UnkeyedRows had no usable identity and were kept as distinct rows.
	UnkeyedRows int
	// OrphansDropped lists staging tables left by earlier crashed runs.
	OrphansDropped []string
	Digest         string
	Version        int64
	Warnings       []error
}

// Engine rebuilds the canonical table from every shard and publishes it.
//
// Thread-safety: Compact is safe for concurrent use; concurrent calls in the
// same process and concurrent runs in other processes are rejected with a
// ConflictError rather than queued.
type Engine struct {
	shards    *shard.Store
	warehouse *warehouse.Store
	logger    *slog.Logger
	now       func() time.Time
	runIDs    RunIDGenerator
	lockTTL   time.Duration
	swapHook  SwapHook

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source for lock stamps and version records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRunIDGenerator overrides the run id source (tests use a fixed sequence).
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithLockTTL sets how long a held publish lock blocks other runs.
func WithLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = d
	}
}

// WithSwapHook installs a hook between the staging write and the publish.
func WithSwapHook(h SwapHook) Option {
	return func(e *Engine) {
		e.swapHook = h
	}
}

// NewEngine creates a compaction engine reading shards and publishing into wh.
func NewEngine(shards *shard.Store, wh *warehouse.Store, opts ...Option) *Engine {
	e := &Engine{
		shards:    shards,
		warehouse: wh,
		logger:    slog.Default(),
		now:       time.Now,
		runIDs:    UUIDv7Generator{},
		lockTTL:   DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compact runs one full pass:
//  1. take the publish lock (or fail with ConflictError)
//  2. drop staging tables left by crashed runs
//  3. read every shard and resolve one winner per dedupe key
//  4. write winners to a staging table
//  5. verify the lock is still ours, then swap staging in as the canonical table and refresh view and statistics
//
// The staging table is dropped on every exit path. Rerunning with an
// unchanged shard set publishes a byte-identical table.
func (e *Engine) Compact(ctx context.Context) (res Result, err error) {
	if !e.mu.TryLock() {
		metrics.RecordCompaction(metrics.OutcomeConflict, metrics.CompactionCounts{}, 0)
		return Result{}, &ConflictError{Holder: "another run in this process"}
	}
	defer e.mu.Unlock()

	start := e.now()
	runID := e.runIDs.Generate()
	res.RunID = runID
	logger := e.logger.With("run_id", runID)

	defer func() {
		outcome := metrics.OutcomePublished
		switch {
		case IsPublishConflict(err):
			outcome = metrics.OutcomeConflict
		case err != nil:
			outcome = metrics.OutcomeFailed
		}
		metrics.RecordCompaction(outcome, metrics.CompactionCounts{
			RowsRead:    res.RowsRead,
			RowsWritten: res.RowsWritten,
			RowsDeduped: res.RowsDeduped,
			Version:     res.Version,
		}, e.now().Sub(start))
	}()

	// Cleanup must run even if ctx is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := e.warehouse.AcquirePublishLock(ctx, runID, start, e.lockTTL); err != nil {
		return res, lockConflict(logger, err)
	}
	defer func() {
		if rerr := e.warehouse.ReleasePublishLock(cleanupCtx, runID); rerr != nil {
			logger.Error("release publish lock", "error", rerr)
		}
	}()

	dropped, err := e.warehouse.CleanupOrphans(ctx)
	if err != nil {
		return res, fmt.Errorf("compact: %w", err)
	}
	if len(dropped) > 0 {
		logger.Warn("dropped orphaned staging tables", "tables", dropped)
	}
	res.OrphansDropped = dropped

	resolver, err := e.load(ctx, logger, &res)
	if err != nil {
		return res, fmt.Errorf("compact: %w", err)
	}

	rows := resolver.Rows()
	res.RowsWritten = len(rows)
	res.RowsDeduped = res.RowsRead - res.RowsWritten
	res.UnkeyedRows = resolver.Unkeyed()
	if res.Digest, err = Digest(rows); err != nil {
		return res, fmt.Errorf("compact: digest: %w", err)
	}

	// Loading may take a while; restamp so the lock does not look abandoned.
	if err := e.warehouse.RefreshPublishLock(ctx, runID, e.now()); err != nil {
		return res, lockConflict(logger, err)
	}

	staging := warehouse.StagingTable(runID)
	defer func() {
		if derr := e.warehouse.DropTable(cleanupCtx, staging); derr != nil {
			logger.Error("drop staging", "table", staging, "error", derr)
		}
	}()

	if err := e.warehouse.WriteStaging(ctx, staging, rows); err != nil {
		return res, fmt.Errorf("compact: %w", err)
	}
	logger.Debug("staging written", "table", staging, "rows", len(rows))

	if e.swapHook != nil {
		if err := e.swapHook(ctx, staging); err != nil {
			return res, fmt.Errorf("compact: before swap: %w", err)
		}
	}

	version, err := e.warehouse.Publish(ctx, staging, warehouse.Version{
		RunID:       runID,
		PublishedAt: e.now(),
		ShardsRead:  res.ShardsRead,
		RowsRead:    res.RowsRead,
		RowsWritten: res.RowsWritten,
		RowsDeduped: res.RowsDeduped,
		Digest:      res.Digest,
	})
	if err != nil && version == 0 {
		return res, lockConflict(logger, err)
	}
	if err != nil {
		// Published, but statistics are stale until the next run.
		logger.Warn("refresh statistics", "error", err)
	}
	res.Version = version

	logger.Info("compaction published",
		"version", res.Version,
		"shards_read", res.ShardsRead,
		"shards_skipped", res.ShardsSkipped,
		"rows_read", res.RowsRead,
		"rows_written", res.RowsWritten,
		"rows_deduped", res.RowsDeduped,
		"unkeyed_rows", res.UnkeyedRows,
	)
	return res, nil
}

// lockConflict maps a lost or held publish lock to *ConflictError and wraps
// anything else.
func lockConflict(logger *slog.Logger, err error) error {
	var held *warehouse.LockHeldError
	if errors.As(err, &held) {
		logger.Warn("publish lock held", "holder", held.Holder, "since", held.AcquiredAt)
		return &ConflictError{Holder: held.Holder, AcquiredAt: held.AcquiredAt}
	}
	return fmt.Errorf("compact: %w", err)
}

// load scans every shard into a resolver. Malformed shards are skipped;
// shards whose rows carry no identity at all are kept but reported.
func (e *Engine) load(ctx context.Context, logger *slog.Logger, res *Result) (*Resolver, error) {
	resolver := NewResolver()
	var identityWarnings []error

	stats, err := e.shards.Scan(ctx, func(sh *shard.Shard) error {
		keyed := 0
		for i, r := range sh.Rows {
			if _, kind := resolver.Add(Candidate{Row: r, SourceFile: sh.Name, Ordinal: i}); kind != KeySource {
				keyed++
			}
		}
		if len(sh.Rows) > 0 && keyed == 0 {
			w := &shard.MalformedError{Path: sh.Path, Reason: shard.ReasonNoIdentity}
			logger.Warn("shard has no identity column", "shard", sh.Name, "rows", len(sh.Rows))
			identityWarnings = append(identityWarnings, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.ShardsRead = stats.ShardsRead
	res.ShardsSkipped = stats.ShardsSkipped
	res.RowsRead = stats.RowsRead
	res.Warnings = append(stats.Warnings, identityWarnings...)
	for _, w := range res.Warnings {
		var me *shard.MalformedError
		if errors.As(w, &me) {
			metrics.RecordMalformedShard(string(me.Reason))
		}
	}
	return resolver, nil
}
