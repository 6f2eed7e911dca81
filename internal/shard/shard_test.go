package shard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/record"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		owner  int64
		at     time.Time
		format string
	}{
		{"activities_42_20240102030405.json", true, 42, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), FormatJSON},
		{"activities_42_20240102030405_3.jsonl.sz", true, 42, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), FormatSnappy},
		{"strava_activities_7_20231231235959.json", true, 7, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), FormatJSON},
		{"activities_42.json", false, 0, time.Time{}, ""},
		{"activities_42_2024.json", false, 0, time.Time{}, ""},
		{"activities_42_20240102030405.parquet", false, 0, time.Time{}, ""},
		{"activities_42_20241302030405.json", false, 0, time.Time{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := ParseName(tt.name)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.owner, info.OwnerID)
			assert.Equal(t, tt.at, info.FetchedAt)
			assert.Equal(t, tt.format, info.Format)
			assert.Equal(t, tt.name, info.Name)
		})
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	name := FileName(99, at, 2, FormatSnappy)
	assert.Equal(t, "activities_99_20240506070809_002.jsonl.sz", name)

	info, ok := ParseName(name)
	require.True(t, ok)
	assert.Equal(t, int64(99), info.OwnerID)
	assert.Equal(t, at, info.FetchedAt)
}

func TestList_MissingDirectory(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	infos, warnings, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Empty(t, warnings)
}

func TestList_OrdersAndWarns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_1_20240102000000.json", "[]")
	writeFile(t, dir, "activities_1_20240101000000.json", "[]")
	writeFile(t, dir, "random.json", "[]")
	writeFile(t, dir, "notes.txt", "hello")
	writeFile(t, dir, ".shard-123.tmp", "partial")

	s := NewStore(dir)
	infos, warnings, err := s.List()
	require.NoError(t, err)

	require.Len(t, infos, 2)
	assert.Equal(t, "activities_1_20240101000000.json", infos[0].Name)
	assert.Equal(t, "activities_1_20240102000000.json", infos[1].Name)

	require.Len(t, warnings, 1)
	var me *MalformedError
	require.ErrorAs(t, warnings[0], &me)
	assert.Equal(t, ReasonBadName, me.Reason)
}

func TestListOwner(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_1_20240101000000.json", "[]")
	writeFile(t, dir, "activities_2_20240101000000.json", "[]")

	infos, _, err := NewStore(dir).ListOwner(2)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, int64(2), infos[0].OwnerID)
}

func TestRead_FlattensAndStamps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_5_20240101120000.json", `[
		{"id": 1, "type": "Run", "map": {"id": "a1", "summary_polyline": "abc", "polyline": null}, "athlete": {"id": 5}},
		{"id": 2, "sport_type": "Ride", "ingestion_ts": "2024-01-01 13:00:00"}
	]`)

	s := NewStore(dir)
	infos, _, err := s.List()
	require.NoError(t, err)
	sh, err := s.Read(infos[0])
	require.NoError(t, err)
	require.Len(t, sh.Rows, 2)

	r := sh.Rows[0]
	assert.Equal(t, record.String("a1"), r["map_id"])
	assert.Equal(t, record.String("abc"), r["summary_polyline"])
	assert.False(t, r.Has("polyline"))
	assert.Equal(t, record.Int(5), r["athlete_id"])
	assert.Equal(t, record.String("Run"), r["sport_type"])
	assert.NotContains(t, r, "map")
	assert.NotContains(t, r, "athlete")
	assert.Equal(t, record.String("activities_5_20240101120000.json"), r[ColumnSourceFile])
	assert.Equal(t, record.String("2024-01-01T12:00:00Z"), r[ColumnFetchedAt])

	r = sh.Rows[1]
	assert.Equal(t, record.String("2024-01-01T13:00:00Z"), r[ColumnFetchedAt], "ingestion_ts wins over the name timestamp")
	assert.Equal(t, record.Int(5), r["athlete_id"], "owner filled from the shard name")
}

func TestRead_Undecodable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_5_20240101120000.json", `{not json`)

	s := NewStore(dir)
	infos, _, err := s.List()
	require.NoError(t, err)

	_, err = s.Read(infos[0])
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func TestWriteThenRead_Snappy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "shards"))
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []record.Row{
		{"id": record.Int(1), "kudos_count": record.Int(3), "distance": record.Float(1000.5)},
		{"id": record.Int(2), "name": record.String("Lunch\nRide")},
	}

	info, err := s.Write(9, at, rows, FormatSnappy)
	require.NoError(t, err)
	assert.Equal(t, "activities_9_20240201000000.jsonl.sz", info.Name)

	sh, err := s.Read(info)
	require.NoError(t, err)
	require.Len(t, sh.Rows, 2)
	assert.Equal(t, record.Float(1000.5), sh.Rows[0]["distance"])
	assert.Equal(t, record.String("Lunch\nRide"), sh.Rows[1]["name"])
	assert.Equal(t, record.Int(9), sh.Rows[1]["athlete_id"])
}

func TestWrite_NeverOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	first, err := s.Write(9, at, []record.Row{{"id": record.Int(1)}}, FormatJSON)
	require.NoError(t, err)
	second, err := s.Write(9, at, []record.Row{{"id": record.Int(2)}}, FormatJSON)
	require.NoError(t, err)

	assert.Equal(t, "activities_9_20240201000000.json", first.Name)
	assert.Equal(t, "activities_9_20240201000000_001.json", second.Name)

	sh, err := s.Read(first)
	require.NoError(t, err)
	assert.Equal(t, record.Int(1), sh.Rows[0]["id"])

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporaries left behind")
}

func TestWrite_SameSecondKeepsLandingOrder(t *testing.T) {
	s := NewStore("shards", WithFilesystem(memfs.New()))
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	var written []string
	for i := 0; i < 12; i++ {
		info, err := s.Write(9, at, []record.Row{{"id": record.Int(int64(i))}}, FormatJSON)
		require.NoError(t, err)
		written = append(written, info.Name)
	}
	assert.Equal(t, "activities_9_20240201000000_009.json", written[9])
	assert.Equal(t, "activities_9_20240201000000_010.json", written[10])

	infos, _, err := s.List()
	require.NoError(t, err)
	listed := make([]string, len(infos))
	for i, info := range infos {
		listed[i] = info.Name
	}
	assert.Equal(t, written, listed, "name order is landing order")
}

func TestWrite_SkipsClaimedName(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "activities_9_20240201000000.json", []byte(`[{"id": 1}]`), 0o644))

	s := NewStore("shards", WithFilesystem(fsys))
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	info, err := s.Write(9, at, []record.Row{{"id": record.Int(2)}}, FormatSnappy)
	require.NoError(t, err)
	assert.Equal(t, "activities_9_20240201000000.jsonl.sz", info.Name, "formats do not collide")

	info, err = s.Write(9, at, []record.Row{{"id": record.Int(3)}}, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "activities_9_20240201000000_001.json", info.Name)

	data, err := util.ReadFile(fsys, "activities_9_20240201000000.json")
	require.NoError(t, err)
	assert.Equal(t, `[{"id": 1}]`, string(data), "existing shard untouched")

	sh, err := s.Read(info)
	require.NoError(t, err)
	assert.Equal(t, record.Int(3), sh.Rows[0]["id"])

	infos, warnings, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Len(t, infos, 3, "no temporaries listed")
}

func TestScan_SkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_1_20240101000000.json", `[{"id": 1}, {"id": 2}]`)
	writeFile(t, dir, "activities_1_20240102000000.json", `garbage`)
	writeFile(t, dir, "activities_2_20240103000000.json", `[{"id": 3}]`)

	var seen []string
	stats, err := NewStore(dir).Scan(context.Background(), func(sh *Shard) error {
		seen = append(seen, sh.Name)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"activities_1_20240101000000.json", "activities_2_20240103000000.json"}, seen)
	assert.Equal(t, 2, stats.ShardsRead)
	assert.Equal(t, 1, stats.ShardsSkipped)
	assert.Equal(t, 3, stats.RowsRead)
	require.Len(t, stats.Warnings, 1)
	assert.True(t, IsMalformed(stats.Warnings[0]))
}

func TestScan_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "activities_1_20240101000000.json", `[{"id": 1}]`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStore(dir).Scan(ctx, func(*Shard) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestColumns(t *testing.T) {
	sh := &Shard{Rows: []record.Row{
		{"id": record.Int(1), "name": record.Null{}},
		{"start_date": record.String("2024-01-01T00:00:00Z")},
	}}
	cols := sh.Columns()
	assert.True(t, cols["id"])
	assert.True(t, cols["start_date"])
	assert.False(t, cols["name"])
}

func TestWriteDetailPayload(t *testing.T) {
	fsys := memfs.New()
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	name, err := WriteDetailPayload(fsys, 5, 77, at, record.Row{"id": record.Int(77)})
	require.NoError(t, err)
	assert.Equal(t, "strava_detailed_activity_5_77_20240201000000.json", name)

	data, err := util.ReadFile(fsys, name)
	require.NoError(t, err)
	assert.Equal(t, `{"id":77}`, string(data))
}
