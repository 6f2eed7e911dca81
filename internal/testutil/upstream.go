package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/upstream"
)

// FakeUpstream is an in-memory activity source implementing
// upstream.ActivityLister, upstream.DetailFetcher and upstream.OwnerResolver.
//
// Summaries are listed oldest first, filtered by ListQuery.After on their
// start_date, and paged by PerPage. Details are returned by id; ids with no
// detail yield upstream.ErrNotFound. Failures can be injected per id.
type FakeUpstream struct {
	mu sync.Mutex

	Owner     int64
	summaries []record.Row
	details   map[int64]record.Row
	failures  map[int64]error

	listCalls    []upstream.ListQuery
	fetchedIDs   []int64
	effortsFlags []bool
}

// NewFakeUpstream creates an empty fake for owner.
func NewFakeUpstream(owner int64) *FakeUpstream {
	return &FakeUpstream{
		Owner:    owner,
		details:  make(map[int64]record.Row),
		failures: make(map[int64]error),
	}
}

// AddSummary appends a summary row to the listing.
func (f *FakeUpstream) AddSummary(r record.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, r)
}

// SetDetail sets the detail payload returned for id.
func (f *FakeUpstream) SetDetail(id int64, r record.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[id] = r
}

// FailDetail makes fetches of id return err.
func (f *FakeUpstream) FailDetail(id int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = err
}

// FetchedIDs returns the ids requested so far, in order.
func (f *FakeUpstream) FetchedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.fetchedIDs)
}

// EffortsFlags returns the includeEfforts argument of every fetch, in order.
func (f *FakeUpstream) EffortsFlags() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.effortsFlags)
}

// ListCalls returns every listing query received, in order.
func (f *FakeUpstream) ListCalls() []upstream.ListQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.listCalls)
}

// ListActivities implements upstream.ActivityLister.
func (f *FakeUpstream) ListActivities(ctx context.Context, q upstream.ListQuery) ([]record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, q)

	var matched []record.Row
	for _, r := range f.summaries {
		if q.After != nil {
			start, ok := r.Time("start_date")
			if !ok || !start.After(*q.After) {
				continue
			}
		}
		matched = append(matched, r.Clone())
	}
	slices.SortStableFunc(matched, func(a, b record.Row) int {
		ta, _ := a.Time("start_date")
		tb, _ := b.Time("start_date")
		return ta.Compare(tb)
	})

	per := upstream.ClampPerPage(q.PerPage)
	page := max(q.Page, 1)
	lo := (page - 1) * per
	if lo >= len(matched) {
		return []record.Row{}, nil
	}
	hi := min(lo+per, len(matched))
	return matched[lo:hi], nil
}

// FetchDetail implements upstream.DetailFetcher.
func (f *FakeUpstream) FetchDetail(ctx context.Context, id int64, includeEfforts bool) (record.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedIDs = append(f.fetchedIDs, id)
	f.effortsFlags = append(f.effortsFlags, includeEfforts)

	if err := f.failures[id]; err != nil {
		return nil, err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, upstream.ErrNotFound
	}
	out := d.Clone()
	if !includeEfforts {
		delete(out, "segment_efforts")
	}
	return out, nil
}

// OwnerID implements upstream.OwnerResolver.
func (f *FakeUpstream) OwnerID(context.Context) (int64, error) {
	return f.Owner, nil
}

// Day returns midnight UTC of the given date as a record string.
func Day(year int, month time.Month, day int) record.String {
	return record.String(record.FormatTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC)))
}
