// Package watermark computes the incremental fetch cursor and the recency
// cutoff from the shard store.
package watermark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stravasync/internal/shard"
)

// DefaultRecencyWindow is how far back already-fetched entities are
// re-requested because their mutable fields may still be changing.
const DefaultRecencyWindow = 21 * 24 * time.Hour

// Scope restricts the computation to one owner. The zero Scope covers every
// shard in the store.
type Scope struct {
	OwnerID int64
}

// Watermark is the pair of fetch cursors computed from the shard store.
type Watermark struct {
	// After is the maximum start timestamp over all usable rows, or nil if
	// no shard carries one. Nil means a full fetch is needed.
	After *time.Time

	// RecencyCutoff is now minus the recency window.
	RecencyCutoff time.Time

	// ShardsScanned counts shards that contributed a timestamp.
	ShardsScanned int

	// ShardsExcluded counts shards skipped as malformed or timestamp-less.
	ShardsExcluded int

	// Warnings holds one shard.MalformedError per excluded shard.
	Warnings []error
}

// Selector computes watermarks. It never writes.
type Selector struct {
	shards *shard.Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithWindow sets the recency window.
func WithWindow(d time.Duration) Option {
	return func(s *Selector) {
		s.window = d
	}
}

// WithClock sets the time source used for the recency cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		s.now = now
	}
}

// WithLogger sets the selector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = l
	}
}

// NewSelector creates a selector over shards.
func NewSelector(shards *shard.Store, opts ...Option) *Selector {
	s := &Selector{
		shards: shards,
		window: DefaultRecencyWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select computes the watermark for scope. Shards without a usable
// start_date on any row are excluded with a warning rather than failing.
func (s *Selector) Select(ctx context.Context, scope Scope) (Watermark, error) {
	wm := Watermark{RecencyCutoff: s.now().UTC().Add(-s.window)}

	visit := func(sh *shard.Shard) error {
		latest, ok := maxStart(sh)
		if !ok {
			w := &shard.MalformedError{Path: sh.Path, Reason: shard.ReasonNoTimestamp}
			s.logger.Warn("shard excluded from watermark", "shard", sh.Name, "reason", w.Reason)
			wm.Warnings = append(wm.Warnings, w)
			wm.ShardsExcluded++
			return nil
		}
		wm.ShardsScanned++
		if wm.After == nil || latest.After(*wm.After) {
			t := latest
			wm.After = &t
		}
		return nil
	}

	var (
		stats shard.ScanStats
		err   error
	)
	if scope.OwnerID != 0 {
		stats, err = s.shards.ScanOwner(ctx, scope.OwnerID, visit)
	} else {
		stats, err = s.shards.Scan(ctx, visit)
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("watermark: %w", err)
	}
	wm.Warnings = append(stats.Warnings, wm.Warnings...)
	wm.ShardsExcluded += stats.ShardsSkipped

	attrs := []any{
		"owner", scope.OwnerID,
		"shards", wm.ShardsScanned,
		"excluded", wm.ShardsExcluded,
		"recency_cutoff", wm.RecencyCutoff.Format(time.RFC3339),
	}
	if wm.After != nil {
		attrs = append(attrs, "after", wm.After.Format(time.RFC3339))
	}
	s.logger.Info("watermark computed", attrs...)
	return wm, nil
}

// maxStart returns the latest start_date in the shard.
func maxStart(sh *shard.Shard) (time.Time, bool) {
	var (
		latest time.Time
		found  bool
	)
	for _, r := range sh.Rows {
		t, ok := r.Time(shard.ColumnStartDate)
		if !ok {
			continue
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}
	return latest, found
}
