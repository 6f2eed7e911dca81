package pull

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
	"github.com/roach88/stravasync/internal/testutil"
	"github.com/roach88/stravasync/internal/upstream"
	"github.com/roach88/stravasync/internal/watermark"
)

const owner = 5

type fixture struct {
	shards   *shard.Store
	clock    *testutil.Clock
	upstream *testutil.FakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		shards:   shard.NewStore(t.TempDir()),
		clock:    testutil.NewClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		upstream: testutil.NewFakeUpstream(owner),
	}
	days := []record.String{
		testutil.Day(2024, 1, 1),
		testutil.Day(2024, 1, 15),
		testutil.Day(2024, 2, 1),
		testutil.Day(2024, 2, 20),
		testutil.Day(2024, 2, 25),
	}
	for i, d := range days {
		f.summary(int64(i+1), d)
	}
	return f
}

func (f *fixture) summary(id int64, start record.String) {
	f.upstream.AddSummary(record.Row{
		"id":          record.Int(id),
		"athlete":     record.Object{"id": record.Int(owner)},
		"start_date":  start,
		"kudos_count": record.Int(1),
	})
}

func (f *fixture) puller(lister upstream.ActivityLister, opts ...Option) *Puller {
	if lister == nil {
		lister = f.upstream
	}
	sel := watermark.NewSelector(f.shards, watermark.WithClock(f.clock.Now))
	base := []Option{WithClock(f.clock.Now), WithOwnerResolver(f.upstream)}
	return NewPuller(f.shards, sel, lister, append(base, opts...)...)
}

func (f *fixture) read(t *testing.T, name string) *shard.Shard {
	t.Helper()
	infos, _, err := f.shards.List()
	require.NoError(t, err)
	for _, info := range infos {
		if info.Name == name {
			sh, err := f.shards.Read(info)
			require.NoError(t, err)
			return sh
		}
	}
	t.Fatalf("shard %s not found", name)
	return nil
}

func ids(rows []record.Row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		id, _ := r.Int("id")
		out = append(out, id)
	}
	return out
}

func TestPull_FullThenIncremental(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.puller(nil)

	res, err := p.Pull(ctx, Options{PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(owner), res.OwnerID, "owner resolved upstream")
	assert.Nil(t, res.After, "empty store pulls everything")
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 5, res.Written)
	assert.Equal(t, "activities_5_20240301000000.json", res.Shard)

	// Refresh covers the last 21 days: Feb 20 and Feb 25.
	assert.Equal(t, 2, res.RefreshRows)
	assert.Equal(t, "activities_5_20240301000000_001.json", res.RefreshShard)

	sh := f.read(t, res.Shard)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(sh.Rows))
	ts, ok := sh.Rows[0].String("ingestion_ts")
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T00:00:00Z", ts)
	assert.Equal(t, record.Int(owner), sh.Rows[0]["athlete_id"], "athlete.id flattened on read")

	f.clock.Advance(time.Hour)
	f.summary(6, testutil.Day(2024, 2, 28))

	res, err = p.Pull(ctx, Options{PerPage: 2, SkipRefresh: true})
	require.NoError(t, err)
	require.NotNil(t, res.After)
	assert.Equal(t, time.Date(2024, 2, 25, 0, 0, 0, 0, time.UTC), *res.After)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, []int64{6}, ids(f.read(t, res.Shard).Rows))
	assert.Empty(t, res.RefreshShard)
}

func TestPull_NothingNewWritesNoShard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.puller(nil)

	_, err := p.Pull(ctx, Options{SkipRefresh: true})
	require.NoError(t, err)

	res, err := p.Pull(ctx, Options{SkipRefresh: true})
	require.NoError(t, err)
	assert.Zero(t, res.Listed)
	assert.Empty(t, res.Shard)

	infos, _, err := f.shards.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestPull_AllIgnoresWatermarkAndSkipsRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.puller(nil)

	_, err := p.Pull(ctx, Options{SkipRefresh: true})
	require.NoError(t, err)

	res, err := p.Pull(ctx, Options{All: true, OwnerID: owner})
	require.NoError(t, err)
	assert.Nil(t, res.After)
	assert.Equal(t, 5, res.Written)
	assert.Empty(t, res.RefreshShard)

	calls := f.upstream.ListCalls()
	assert.Nil(t, calls[len(calls)-1].After)
	assert.Equal(t, 200, calls[len(calls)-1].PerPage, "zero per-page means the maximum")
}

// repeatingLister returns a fixed sequence of pages.
type repeatingLister struct {
	pages [][]record.Row
}

func (l *repeatingLister) ListActivities(_ context.Context, q upstream.ListQuery) ([]record.Row, error) {
	if q.Page > len(l.pages) {
		return nil, nil
	}
	return l.pages[q.Page-1], nil
}

func TestPull_DedupesAcrossPages(t *testing.T) {
	f := newFixture(t)
	row := func(id int64) record.Row {
		return record.Row{"id": record.Int(id), "start_date": testutil.Day(2024, 1, int(id))}
	}
	lister := &repeatingLister{pages: [][]record.Row{
		{row(1), row(2)},
		{row(2), row(3)},
		{row(4)},
	}}

	res, err := f.puller(lister).Pull(context.Background(), Options{PerPage: 2, SkipRefresh: true, OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 4, res.Listed, "one duplicate dropped")
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(f.read(t, res.Shard).Rows))
}

type failingLister struct{ err error }

func (l failingLister) ListActivities(context.Context, upstream.ListQuery) ([]record.Row, error) {
	return nil, l.err
}

func TestPull_ListingFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	boom := &upstream.FetchError{Op: "list", Status: 429, Err: errors.New("rate limited")}

	_, err := f.puller(failingLister{err: boom}).Pull(context.Background(), Options{OwnerID: owner})
	require.Error(t, err)
	assert.True(t, upstream.IsFetchError(err))

	infos, _, err := f.shards.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPull_BudgetExhaustedDuringListing(t *testing.T) {
	f := newFixture(t)
	budget := upstream.NewBudget(upstream.WithMaxCalls(1))
	lister := upstream.ListWithBudget(f.upstream, budget)

	_, err := f.puller(lister).Pull(context.Background(), Options{PerPage: 2, OwnerID: owner})
	require.ErrorIs(t, err, upstream.ErrBudgetExhausted)

	infos, _, err := f.shards.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPull_UnknownOwner(t *testing.T) {
	f := newFixture(t)
	sel := watermark.NewSelector(f.shards)
	p := NewPuller(f.shards, sel, f.upstream)

	_, err := p.Pull(context.Background(), Options{})
	require.ErrorIs(t, err, ErrNoOwner)
}

func TestPull_SnappyFormat(t *testing.T) {
	f := newFixture(t)

	res, err := f.puller(nil, WithFormat(shard.FormatSnappy)).Pull(context.Background(), Options{SkipRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, "activities_5_20240301000000.jsonl.sz", res.Shard)
	assert.Len(t, f.read(t, res.Shard).Rows, 5)
}
