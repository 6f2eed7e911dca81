package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/record"
)

func splits(n int) record.Array {
	arr := make(record.Array, n)
	for i := range arr {
		arr[i] = record.Object{
			"split":        record.Int(int64(i + 1)),
			"distance":     record.Float(1000),
			"elapsed_time": record.Int(300),
		}
	}
	return arr
}

func TestUpsertDetail_InsertThenOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	counts, err := s.UpsertDetail(ctx, record.Row{
		"id":            record.Int(1),
		"kudos_count":   record.Int(3),
		"map":           record.Object{"summary_polyline": record.String("abc")},
		"splits_metric": splits(3),
	}, t1)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.SplitsMetric)

	d, ok, err := s.LookupDetail(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, d.KudosCount)
	assert.Equal(t, int64(3), *d.KudosCount)
	assert.Equal(t, t1, d.FetchedAt)

	var poly string
	require.NoError(t, s.db.QueryRow(`SELECT map_summary_polyline FROM activity_details WHERE activity_id = 1`).Scan(&poly))
	assert.Equal(t, "abc", poly)

	_, err = s.UpsertDetail(ctx, record.Row{
		"id":          record.Int(1),
		"kudos_count": record.Int(5),
	}, t2)
	require.NoError(t, err)

	d, _, err = s.LookupDetail(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), *d.KudosCount)
	assert.Equal(t, t2, d.FetchedAt)

	c, err := s.ChildCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.SplitsMetric, "absent collection leaves children untouched")

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM activity_details`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestUpsertDetail_ReplacesChildrenWhenCountShrinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertDetail(ctx, record.Row{
		"id":              record.Int(1),
		"splits_metric":   splits(5),
		"splits_standard": splits(3),
		"segment_efforts": record.Array{
			record.Object{"id": record.Int(100), "segment": record.Object{"id": record.Int(9)}, "name": record.String("Hill")},
			record.Object{"id": record.Int(101), "name": record.String("Flat")},
		},
	}, now)
	require.NoError(t, err)

	counts, err := s.UpsertDetail(ctx, record.Row{
		"id":              record.Int(1),
		"splits_metric":   splits(2),
		"splits_standard": record.Array{},
		"segment_efforts": record.Array{
			record.Object{"id": record.Int(101), "name": record.String("Flat")},
		},
	}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DetailCounts{SplitsMetric: 2, SplitsStandard: 0, SegmentEfforts: 1}, counts)

	c, err := s.ChildCounts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, DetailCounts{SplitsMetric: 2, SplitsStandard: 0, SegmentEfforts: 1}, c)
}

func TestUpsertDetail_SegmentID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertDetail(ctx, record.Row{
		"id": record.Int(1),
		"segment_efforts": record.Array{
			record.Object{"id": record.Int(100), "segment": record.Object{"id": record.Int(9)}},
		},
	}, time.Now())
	require.NoError(t, err)

	var seg int64
	require.NoError(t, s.db.QueryRow(`SELECT segment_id FROM activity_segment_efforts WHERE effort_id = 100`).Scan(&seg))
	assert.Equal(t, int64(9), seg)
}

func TestUpsertDetail_RequiresID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertDetail(context.Background(), record.Row{"name": record.String("x")}, time.Now())
	assert.Error(t, err)
}

func TestLookupDetail_Missing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LookupDetail(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SelectStale(ctx, StaleQuery{})
	require.ErrorIs(t, err, ErrNoCanonical)

	day := func(d int) record.String {
		return record.String(time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	}
	publishSample(t, s, "run-1", []CanonicalRow{
		{DedupeKey: "5:1", Row: record.Row{"id": record.Int(1), "athlete_id": record.Int(5), "start_date": day(1), "kudos_count": record.Int(5)}},
		{DedupeKey: "5:2", Row: record.Row{"id": record.Int(2), "athlete_id": record.Int(5), "start_date": day(2), "kudos_count": record.Int(2)}},
		{DedupeKey: "5:3", Row: record.Row{"id": record.Int(3), "athlete_id": record.Int(5), "start_date": day(3), "kudos_count": record.Int(7)}},
		{DedupeKey: "5:4", Row: record.Row{"id": record.Int(4), "athlete_id": record.Int(5), "start_date": day(4)}},
		{DedupeKey: "5:5", Row: record.Row{"id": record.Int(5), "athlete_id": record.Int(5), "start_date": day(5)}},
	})

	now := time.Now()
	for _, d := range []record.Row{
		{"id": record.Int(1), "kudos_count": record.Int(3)}, // behind
		{"id": record.Int(2), "kudos_count": record.Int(2)}, // current
		{"id": record.Int(4), "kudos_count": record.Int(1)}, // canonical has no kudos
	} {
		_, err := s.UpsertDetail(ctx, d, now)
		require.NoError(t, err)
	}

	ids := func(cs []Candidate) []int64 {
		var out []int64
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	all, err := s.SelectStale(ctx, StaleQuery{})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 3, 1}, ids(all))
	assert.False(t, all[0].HasDetail)
	assert.True(t, all[2].HasDetail)
	assert.Equal(t, int64(3), *all[2].DetailKudos)
	assert.Equal(t, int64(5), *all[2].CanonicalKudos)
	assert.Equal(t, int64(5), all[2].OwnerID)

	since := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	windowed, err := s.SelectStale(ctx, StaleQuery{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 3}, ids(windowed))

	forced, err := s.SelectStale(ctx, StaleQuery{IDs: []int64{2, 4}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2}, ids(forced))
}
