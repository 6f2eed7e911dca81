package watermark

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/shard"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return now }

func writeShard(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSelect_EmptyStore(t *testing.T) {
	sel := NewSelector(shard.NewStore(t.TempDir()), WithClock(fixedNow))

	wm, err := sel.Select(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Nil(t, wm.After, "empty store signals a full fetch")
	assert.Equal(t, now.Add(-DefaultRecencyWindow), wm.RecencyCutoff)
	assert.Zero(t, wm.ShardsScanned)
}

func TestSelect_MaxStartAcrossShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "activities_1_20240101000000.json",
		`[{"id": 1, "start_date": "2024-01-05T10:00:00Z"}, {"id": 2, "start_date": "2024-01-07T09:00:00Z"}]`)
	writeShard(t, dir, "activities_1_20240201000000.json",
		`[{"id": 3, "start_date": "2024-01-06 08:00:00"}]`)
	writeShard(t, dir, "activities_2_20240201000000.json",
		`[{"id": 4, "start_date": "2024-02-20T00:00:00Z"}]`)

	sel := NewSelector(shard.NewStore(dir), WithClock(fixedNow), WithWindow(7*24*time.Hour))
	ctx := context.Background()

	wm, err := sel.Select(ctx, Scope{})
	require.NoError(t, err)
	require.NotNil(t, wm.After)
	assert.Equal(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC), *wm.After)
	assert.Equal(t, 3, wm.ShardsScanned)
	assert.Equal(t, now.Add(-7*24*time.Hour), wm.RecencyCutoff)

	wm, err = sel.Select(ctx, Scope{OwnerID: 1})
	require.NoError(t, err)
	require.NotNil(t, wm.After)
	assert.Equal(t, time.Date(2024, 1, 7, 9, 0, 0, 0, time.UTC), *wm.After)
	assert.Equal(t, 2, wm.ShardsScanned)
}

func TestSelect_LegacyShardExcludedWithWarning(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "activities_1_20230101000000.json", `[{"id": 1, "name": "legacy"}]`)
	writeShard(t, dir, "activities_1_20230102000000.json", `not json at all`)
	writeShard(t, dir, "activities_1_20240101000000.json", `[{"id": 2, "start_date": "2024-01-01T00:00:00Z"}]`)

	wm, err := NewSelector(shard.NewStore(dir), WithClock(fixedNow)).Select(context.Background(), Scope{})
	require.NoError(t, err)
	require.NotNil(t, wm.After)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *wm.After)
	assert.Equal(t, 1, wm.ShardsScanned)
	assert.Equal(t, 2, wm.ShardsExcluded)
	require.Len(t, wm.Warnings, 2)

	reasons := map[shard.MalformedReason]bool{}
	for _, w := range wm.Warnings {
		var me *shard.MalformedError
		require.ErrorAs(t, w, &me)
		reasons[me.Reason] = true
	}
	assert.True(t, reasons[shard.ReasonNoTimestamp])
	assert.True(t, reasons[shard.ReasonUndecodable])
}

func TestSelect_OnlyLegacyShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "activities_1_20230101000000.json", `[{"id": 1}]`)

	wm, err := NewSelector(shard.NewStore(dir), WithClock(fixedNow)).Select(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Nil(t, wm.After)
	assert.Equal(t, 1, wm.ShardsExcluded)
}

func TestSelect_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "activities_1_20240101000000.json", `[{"id": 2, "start_date": "2024-01-01T00:00:00Z"}]`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSelector(shard.NewStore(dir)).Select(ctx, Scope{})
	assert.ErrorIs(t, err, context.Canceled)
}
