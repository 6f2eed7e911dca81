// Package pull lands new upstream summaries as immutable shards.
//
// A pull lists everything that started after the watermark (or everything,
// on a full pull), stamps each row with the ingestion time and writes one
// shard. A second listing from the recency cutoff re-captures recent
// entities whose kudos and other mutable fields may have moved; it lands as
// its own shard and compaction picks the newer copies.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stravasync/internal/metrics"
	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/watermark"
)

// ErrNoOwner is returned when no owner id is configured and none can be
// resolved upstream.
var ErrNoOwner = errors.New("pull: owner id unknown")

// Options control one pull.
type Options struct {
	// OwnerID scopes the watermark and names the shards. Zero resolves it
	// through the upstream.
	OwnerID int64

	// All ignores the watermark and lists everything.
	All bool

	// PerPage is clamped to 1..200; zero means 200.
	PerPage int

	// SkipRefresh disables the recency-window refresh listing.
	SkipRefresh bool
}

// Result reports what a pull wrote.
type Result struct {
	OwnerID int64

	// After is the watermark the incremental listing started from; nil on
	// a full pull.
	After *time.Time

	Pages   int
	Listed  int
	Written int
	Shard   string

	RefreshCutoff time.Time
	RefreshPages  int
	RefreshRows   int
	RefreshShard  string

	Warnings []error
}

// Puller runs pulls.
type Puller struct {
	shards   *shard.Store
	selector *watermark.Selector
	lister   upstream.ActivityLister
	owners   upstream.OwnerResolver
	logger   *slog.Logger
	now      func() time.Time
	format   string
}

// Option configures a Puller.
type Option func(*Puller)

// WithLogger sets the puller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Puller) {
		p.logger = l
	}
}

// WithClock sets the time source for ingestion stamps and shard names.
func WithClock(now func() time.Time) Option {
	return func(p *Puller) {
		p.now = now
	}
}

// WithFormat sets the shard format (shard.FormatJSON or shard.FormatSnappy).
func WithFormat(format string) Option {
	return func(p *Puller) {
		p.format = format
	}
}

// WithOwnerResolver resolves the owner id when Options.OwnerID is zero.
func WithOwnerResolver(r upstream.OwnerResolver) Option {
	return func(p *Puller) {
		p.owners = r
	}
}

// NewPuller creates a puller writing into shards.
func NewPuller(shards *shard.Store, selector *watermark.Selector, lister upstream.ActivityLister, opts ...Option) *Puller {
	p := &Puller{
		shards:   shards,
		selector: selector,
		lister:   lister,
		logger:   slog.Default(),
		now:      time.Now,
		format:   shard.FormatJSON,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull runs one incremental (or full) pull followed by the recency refresh.
// A listing failure aborts the pull before its shard is written; shards
// already written stay, since the next pull deduplicates them anyway.
func (p *Puller) Pull(ctx context.Context, opts Options) (Result, error) {
	var res Result

	owner, err := p.resolveOwner(ctx, opts.OwnerID)
	if err != nil {
		return res, err
	}
	res.OwnerID = owner

	wm, err := p.selector.Select(ctx, watermark.Scope{OwnerID: owner})
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	res.Warnings = wm.Warnings
	res.RefreshCutoff = wm.RecencyCutoff
	if !opts.All {
		res.After = wm.After
	}
	metrics.RecordWatermark(res.After)

	perPage := upstream.ClampPerPage(opts.PerPage)
	if opts.PerPage == 0 {
		perPage = 200
	}

	rows, pages, err := p.list(ctx, res.After, perPage)
	res.Pages = pages
	res.Listed = len(rows)
	if err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	if res.Shard, err = p.land(owner, rows); err != nil {
		return res, fmt.Errorf("pull: %w", err)
	}
	if res.Shard != "" {
		res.Written = len(rows)
	}

	if opts.All || opts.SkipRefresh {
		p.logSummary(res)
		return res, nil
	}

	cutoff := res.RefreshCutoff
	recent, pages, err := p.list(ctx, &cutoff, perPage)
	res.RefreshPages = pages
	if err != nil {
		return res, fmt.Errorf("pull: refresh: %w", err)
	}
	if res.RefreshShard, err = p.land(owner, recent); err != nil {
		return res, fmt.Errorf("pull: refresh: %w", err)
	}
	if res.RefreshShard != "" {
		res.RefreshRows = len(recent)
	}
	p.logSummary(res)
	return res, nil
}

func (p *Puller) resolveOwner(ctx context.Context, owner int64) (int64, error) {
	if owner != 0 {
		return owner, nil
	}
	if p.owners == nil {
		return 0, ErrNoOwner
	}
	id, err := p.owners.OwnerID(ctx)
	if err != nil {
		return 0, fmt.Errorf("pull: resolve owner: %w", err)
	}
	if id == 0 {
		return 0, ErrNoOwner
	}
	return id, nil
}

// list pages through the listing until a short page. Rows repeated across
// pages (the listing shifts when entities are added mid-pull) are kept once.
func (p *Puller) list(ctx context.Context, after *time.Time, perPage int) ([]record.Row, int, error) {
	var (
		rows  []record.Row
		seen  = make(map[int64]bool)
		pages int
	)
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return rows, pages, err
		}
		batch, err := p.lister.ListActivities(ctx, upstream.ListQuery{After: after, Page: page, PerPage: perPage})
		if err != nil {
			return rows, pages, err
		}
		pages++
		for _, r := range batch {
			if id, ok := r.Int(shard.ColumnID); ok {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			rows = append(rows, r)
		}
		if len(batch) < perPage {
			return rows, pages, nil
		}
	}
}

// land stamps rows with the ingestion time and writes them as one shard.
// Nothing is written for an empty listing.
func (p *Puller) land(owner int64, rows []record.Row) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	now := p.now().UTC()
	stamp := record.String(record.FormatTime(now))
	for _, r := range rows {
		r[shard.ColumnIngestionTS] = stamp
	}
	info, err := p.shards.Write(owner, now, rows, p.format)
	if err != nil {
		return "", err
	}
	metrics.RecordShardWritten()
	return info.Name, nil
}

func (p *Puller) logSummary(res Result) {
	attrs := []any{
		"owner", res.OwnerID,
		"pages", res.Pages,
		"listed", res.Listed,
		"written", res.Written,
		"refresh_rows", res.RefreshRows,
	}
	if res.After != nil {
		attrs = append(attrs, "after", res.After.Format(time.RFC3339))
	} else {
		attrs = append(attrs, "full", true)
	}
	p.logger.Info("pull finished", attrs...)
}
