package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/upstream"
)

func TestClock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)
	assert.Equal(t, start, c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSequenceRunIDs(t *testing.T) {
	g := NewSequenceRunIDs("")
	assert.Equal(t, "run-0001", g.Generate())
	assert.Equal(t, "run-0002", g.Generate())

	g = NewSequenceRunIDs("compact")
	assert.Equal(t, "compact-0001", g.Generate())
}

func TestSequenceRunIDs_ThreadSafe(t *testing.T) {
	g := NewSequenceRunIDs("x")
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}

func TestFakeUpstream_ListPagesAndAfter(t *testing.T) {
	f := NewFakeUpstream(5)
	for d := 1; d <= 5; d++ {
		f.AddSummary(record.Row{"id": record.Int(int64(d)), "start_date": Day(2024, 1, d)})
	}
	ctx := context.Background()

	page1, err := f.ListActivities(ctx, upstream.ListQuery{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, record.Int(1), page1[0]["id"])

	page3, err := f.ListActivities(ctx, upstream.ListQuery{Page: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	after := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	newer, err := f.ListActivities(ctx, upstream.ListQuery{After: &after, Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, record.Int(4), newer[0]["id"])

	assert.Len(t, f.ListCalls(), 3)
}

func TestFakeUpstream_FetchDetail(t *testing.T) {
	f := NewFakeUpstream(5)
	f.SetDetail(1, record.Row{"id": record.Int(1), "segment_efforts": record.Array{}})
	ctx := context.Background()

	d, err := f.FetchDetail(ctx, 1, false)
	require.NoError(t, err)
	assert.NotContains(t, d, "segment_efforts")

	_, err = f.FetchDetail(ctx, 2, true)
	assert.ErrorIs(t, err, upstream.ErrNotFound)

	f.FailDetail(1, &upstream.FetchError{Op: "fetch detail", Status: 429})
	_, err = f.FetchDetail(ctx, 1, true)
	assert.True(t, upstream.IsFetchError(err))

	assert.Equal(t, []int64{1, 2, 1}, f.FetchedIDs())
	assert.Equal(t, []bool{false, true, true}, f.EffortsFlags())
}
