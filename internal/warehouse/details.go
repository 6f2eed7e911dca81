package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/stravasync/internal/record"
)

// detailColumns map a detailed activity payload onto activity_details.
// activity_id and fetched_at are written separately.
var detailColumns = []Column{
	col("name", KindText),
	col("type", KindText),
	col("sport_type", KindText),
	col("start_date", KindTime),
	col("start_date_local", KindText),
	col("timezone", KindText),
	mapped("utc_offset_seconds", "utc_offset", KindInt),
	mapped("moving_time_seconds", "moving_time", KindInt),
	mapped("elapsed_time_seconds", "elapsed_time", KindInt),
	mapped("distance_m", "distance", KindReal),
	col("total_elevation_gain", KindReal),
	col("elev_high", KindReal),
	col("elev_low", KindReal),
	col("average_speed", KindReal),
	col("max_speed", KindReal),
	col("average_cadence", KindReal),
	col("average_heartrate", KindReal),
	col("max_heartrate", KindReal),
	col("average_watts", KindReal),
	col("max_watts", KindReal),
	col("device_watts", KindBool),
	col("calories", KindReal),
	col("commute", KindBool),
	col("trainer", KindBool),
	col("manual", KindBool),
	col("private", KindBool),
	col("gear_id", KindText),
	col("device_name", KindText),
	col("description", KindText),
	col("has_kudoed", KindBool),
	col("kudos_count", KindInt),
	col("comment_count", KindInt),
	mapped("photo_count", "total_photo_count", KindInt),
	col("map_summary_polyline", KindText),
}

var splitColumns = []Column{
	mapped("distance_m", "distance", KindReal),
	mapped("elapsed_time_seconds", "elapsed_time", KindInt),
	mapped("moving_time_seconds", "moving_time", KindInt),
	col("average_speed", KindReal),
	col("elevation_difference", KindReal),
	col("pace_zone", KindInt),
}

var effortColumns = []Column{
	col("segment_id", KindInt),
	col("name", KindText),
	mapped("elapsed_time_seconds", "elapsed_time", KindInt),
	mapped("moving_time_seconds", "moving_time", KindInt),
	mapped("distance_m", "distance", KindReal),
	col("start_date", KindTime),
	col("pr_rank", KindInt),
	col("kom_rank", KindInt),
	col("average_heartrate", KindReal),
	col("max_heartrate", KindReal),
}

// Child collections carried by a detail payload.
const (
	keySplitsMetric   = "splits_metric"
	keySplitsStandard = "splits_standard"
	keySegmentEfforts = "segment_efforts"
)

// DetailCounts reports how many child rows an upsert wrote.
type DetailCounts struct {
	SplitsMetric   int
	SplitsStandard int
	SegmentEfforts int
}

// UpsertDetail writes one detailed activity payload: the parent row is
// inserted or overwritten by activity id, and every child collection present
// in the payload replaces all existing children for that activity.
// Collections absent from the payload leave existing children untouched.
// The whole entity commits or rolls back as a unit.
func (s *Store) UpsertDetail(ctx context.Context, payload record.Row, fetchedAt time.Time) (DetailCounts, error) {
	id, ok := payload.Int("id")
	if !ok {
		return DetailCounts{}, errors.New("upsert detail: payload has no id")
	}

	parent := payload.Clone()
	if m, ok := payload["map"].(record.Object); ok {
		if v, ok := record.Row(m).Get("summary_polyline"); ok {
			parent["map_summary_polyline"] = v
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DetailCounts{}, fmt.Errorf("upsert detail %d: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	if err := upsertParent(ctx, tx, id, parent, fetchedAt); err != nil {
		return DetailCounts{}, fmt.Errorf("upsert detail %d: %w", id, err)
	}

	var counts DetailCounts
	if items, present := childItems(payload, keySplitsMetric); present {
		n, err := replaceSplits(ctx, tx, "activity_splits_metric", id, items)
		if err != nil {
			return DetailCounts{}, fmt.Errorf("upsert detail %d: %w", id, err)
		}
		counts.SplitsMetric = n
	}
	if items, present := childItems(payload, keySplitsStandard); present {
		n, err := replaceSplits(ctx, tx, "activity_splits_standard", id, items)
		if err != nil {
			return DetailCounts{}, fmt.Errorf("upsert detail %d: %w", id, err)
		}
		counts.SplitsStandard = n
	}
	if items, present := childItems(payload, keySegmentEfforts); present {
		n, err := replaceEfforts(ctx, tx, id, items)
		if err != nil {
			return DetailCounts{}, fmt.Errorf("upsert detail %d: %w", id, err)
		}
		counts.SegmentEfforts = n
	}

	if err := tx.Commit(); err != nil {
		return DetailCounts{}, fmt.Errorf("upsert detail %d: commit: %w", id, err)
	}
	return counts, nil
}

func upsertParent(ctx context.Context, tx *sql.Tx, id int64, r record.Row, fetchedAt time.Time) error {
	names := []string{"activity_id"}
	args := []any{id}
	updates := make([]string, 0, len(detailColumns)+1)
	for _, c := range detailColumns {
		names = append(names, c.Name)
		args = append(args, c.Value(r))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
	}
	names = append(names, "fetched_at")
	args = append(args, record.FormatTime(fetchedAt))
	updates = append(updates, "fetched_at = excluded.fetched_at")

	query := fmt.Sprintf(
		"INSERT INTO activity_details (%s) VALUES (%s) ON CONFLICT(activity_id) DO UPDATE SET %s",
		strings.Join(names, ", "), placeholders(len(names)), strings.Join(updates, ", "),
	)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("parent row: %w", err)
	}
	return nil
}

// childItems returns the objects under key. present is true when the key
// exists at all, even if null, since an explicit empty list must clear
// stale children.
func childItems(payload record.Row, key string) ([]record.Row, bool) {
	v, present := payload[key]
	if !present {
		return nil, false
	}
	arr, _ := v.(record.Array)
	items := make([]record.Row, 0, len(arr))
	for _, elem := range arr {
		if obj, ok := elem.(record.Object); ok {
			items = append(items, record.Row(obj))
		}
	}
	return items, true
}

func replaceSplits(ctx context.Context, tx *sql.Tx, table string, id int64, items []record.Row) (int, error) {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE activity_id = ?", table), id); err != nil {
		return 0, fmt.Errorf("clear %s: %w", table, err)
	}

	names := []string{"activity_id", "split_index"}
	for _, c := range splitColumns {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), placeholders(len(names)))

	for i, item := range items {
		index, ok := item.Int("split")
		if !ok {
			index = int64(i + 1)
		}
		args := []any{id, index}
		for _, c := range splitColumns {
			args = append(args, c.Value(item))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return len(items), nil
}

func replaceEfforts(ctx context.Context, tx *sql.Tx, id int64, items []record.Row) (int, error) {
	if _, err := tx.ExecContext(ctx, "DELETE FROM activity_segment_efforts WHERE activity_id = ?", id); err != nil {
		return 0, fmt.Errorf("clear segment efforts: %w", err)
	}

	names := []string{"effort_id", "activity_id"}
	for _, c := range effortColumns {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO activity_segment_efforts (%s) VALUES (%s)",
		strings.Join(names, ", "), placeholders(len(names)))

	n := 0
	for _, item := range items {
		effortID, ok := item.Int("id")
		if !ok {
			continue
		}
		flat := item.Clone()
		if seg, ok := item["segment"].(record.Object); ok {
			if v, ok := record.Row(seg).Get("id"); ok {
				flat["segment_id"] = v
			}
		}
		args := []any{effortID, id}
		for _, c := range effortColumns {
			args = append(args, c.Value(flat))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("insert segment effort %d: %w", effortID, err)
		}
		n++
	}
	return n, nil
}

// Detail is the reconciliation-relevant slice of an activity_details row.
type Detail struct {
	ActivityID int64
	KudosCount *int64
	FetchedAt  time.Time
}

// LookupDetail returns the detail row for id. ok is false if none exists.
func (s *Store) LookupDetail(ctx context.Context, id int64) (Detail, bool, error) {
	var (
		d         Detail
		kudos     sql.NullInt64
		fetchedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT activity_id, kudos_count, fetched_at FROM activity_details WHERE activity_id = ?`, id,
	).Scan(&d.ActivityID, &kudos, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Detail{}, false, nil
	}
	if err != nil {
		return Detail{}, false, fmt.Errorf("lookup detail %d: %w", id, err)
	}
	if kudos.Valid {
		k := kudos.Int64
		d.KudosCount = &k
	}
	if t, ok := record.ParseTime(fetchedAt); ok {
		d.FetchedAt = t
	}
	return d, true, nil
}

// ChildCounts returns the number of child rows stored for an activity.
func (s *Store) ChildCounts(ctx context.Context, id int64) (DetailCounts, error) {
	var c DetailCounts
	queries := []struct {
		table string
		dst   *int
	}{
		{"activity_splits_metric", &c.SplitsMetric},
		{"activity_splits_standard", &c.SplitsStandard},
		{"activity_segment_efforts", &c.SegmentEfforts},
	}
	for _, q := range queries {
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE activity_id = ?", q.table), id,
		).Scan(q.dst)
		if err != nil {
			return DetailCounts{}, fmt.Errorf("child counts %d: %w", id, err)
		}
	}
	return c, nil
}
