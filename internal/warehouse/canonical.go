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

// Published names. Readers query the view; the table behind it is replaced
// wholesale on every publish.
const (
	CanonicalTable = "canonical_activities"
	CanonicalView  = "activities"

	stagingPrefix = CanonicalTable + "_staging_"
	retiredPrefix = CanonicalTable + "_retired_"

	publishLockName = "canonical"
)

// ErrNoCanonical is returned by reads when nothing has been published yet.
var ErrNoCanonical = errors.New("no canonical table published")

// CanonicalRow is one resolved row ready to be written to staging.
type CanonicalRow struct {
	DedupeKey string
	Row       record.Row
}

// Version is one entry of the canonical version handle.
type Version struct {
	Version     int64
	RunID       string
	PublishedAt time.Time
	ShardsRead  int
	RowsRead    int
	RowsWritten int
	RowsDeduped int
	Digest      string
}

// LockHeldError reports that another run holds the publish lock.
type LockHeldError struct {
	Holder     string
	AcquiredAt time.Time
}

func (e *LockHeldError) Error() string {
	if e.Holder == "" {
		return "publish lock not held"
	}
	return fmt.Sprintf("publish lock held by %s since %s", e.Holder, e.AcquiredAt.UTC().Format(time.RFC3339))
}

// StagingTable returns the staging table name for a run.
func StagingTable(runID string) string {
	return stagingPrefix + identSuffix(runID)
}

func retiredTable(runID string) string {
	return retiredPrefix + identSuffix(runID)
}

func identSuffix(runID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, runID)
}

// AcquirePublishLock takes the process-level publish lock for holder.
// A lock older than ttl is considered abandoned and is taken over.
// Returns *LockHeldError if a live holder exists.
func (s *Store) AcquirePublishLock(ctx context.Context, holder string, now time.Time, ttl time.Duration) error {
	staleBefore := now.Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_lock (name, holder, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
		WHERE publish_lock.acquired_at <= ?
	`, publishLockName, holder, now.UnixMilli(), staleBefore)
	if err != nil {
		return fmt.Errorf("acquire publish lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire publish lock: %w", err)
	}
	if n == 1 {
		return nil
	}

	var (
		current    string
		acquiredAt int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT holder, acquired_at FROM publish_lock WHERE name = ?`, publishLockName,
	).Scan(&current, &acquiredAt)
	if err != nil {
		return fmt.Errorf("acquire publish lock: read holder: %w", err)
	}
	return &LockHeldError{Holder: current, AcquiredAt: time.UnixMilli(acquiredAt).UTC()}
}

// RefreshPublishLock restamps the lock so a long run is not taken over.
// Returns *LockHeldError if holder no longer owns it.
func (s *Store) RefreshPublishLock(ctx context.Context, holder string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publish_lock SET acquired_at = ? WHERE name = ? AND holder = ?`,
		now.UnixMilli(), publishLockName, holder)
	if err != nil {
		return fmt.Errorf("refresh publish lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh publish lock: %w", err)
	}
	if n == 1 {
		return nil
	}
	return lockHolder(ctx, s.db, holder)
}

// lockHolder returns nil if holder owns the publish lock and
// *LockHeldError describing the current owner otherwise.
func lockHolder(ctx context.Context, q querier, holder string) error {
	var (
		current    string
		acquiredAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT holder, acquired_at FROM publish_lock WHERE name = ?`, publishLockName,
	).Scan(&current, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &LockHeldError{}
	}
	if err != nil {
		return fmt.Errorf("read lock holder: %w", err)
	}
	if current != holder {
		return &LockHeldError{Holder: current, AcquiredAt: time.UnixMilli(acquiredAt).UTC()}
	}
	return nil
}

// ReleasePublishLock releases the lock if holder still owns it.
func (s *Store) ReleasePublishLock(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM publish_lock WHERE name = ? AND holder = ?`, publishLockName, holder)
	if err != nil {
		return fmt.Errorf("release publish lock: %w", err)
	}
	return nil
}

// CleanupOrphans drops staging and retired tables left behind by runs that
// died before finishing. Returns the names dropped.
func (s *Store) CleanupOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND (substr(name, 1, ?) = ? OR substr(name, 1, ?) = ?)
		ORDER BY name
	`, len(stagingPrefix), stagingPrefix, len(retiredPrefix), retiredPrefix)
	if err != nil {
		return nil, fmt.Errorf("cleanup orphans: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("cleanup orphans: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup orphans: %w", err)
	}

	for _, name := range names {
		if err := s.DropTable(ctx, name); err != nil {
			return nil, fmt.Errorf("cleanup orphans: %w", err)
		}
	}
	return names, nil
}

// DropTable drops table if it exists.
func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

// WriteStaging creates table and fills it with rows in one transaction.
// Any previous table of the same name is replaced.
func (s *Store) WriteStaging(ctx context.Context, table string, rows []CanonicalRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write staging: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("write staging: %w", err)
	}
	if _, err := tx.ExecContext(ctx, canonicalDDL(table)); err != nil {
		return fmt.Errorf("write staging: create: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, canonicalInsert(table))
	if err != nil {
		return fmt.Errorf("write staging: prepare: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 0, len(CanonicalColumns)+3)
	for _, cr := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		attrs, err := record.MarshalCanonical(record.Object(cr.Row))
		if err != nil {
			return fmt.Errorf("write staging: row %s: %w", cr.DedupeKey, err)
		}

		args = args[:0]
		args = append(args, cr.DedupeKey)
		for _, c := range CanonicalColumns {
			args = append(args, c.Value(cr.Row))
		}
		var epoch any
		if t, ok := cr.Row.Time("start_date"); ok {
			epoch = t.Unix()
		}
		args = append(args, epoch, string(attrs))

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("write staging: row %s: %w", cr.DedupeKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write staging: commit: %w", err)
	}
	return nil
}

// Publish atomically replaces the canonical table with staging, recreates
// the read view and indexes, and records v in the version handle. v.RunID
// must hold the publish lock or *LockHeldError is returned. Either the
// previous canonical table or the new one is visible to readers, never a mix.
// Statistics are refreshed after commit.
func (s *Store) Publish(ctx context.Context, staging string, v Version) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("publish: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// A run whose lock expired and was taken over must not overwrite the
	// newer table.
	if err := lockHolder(ctx, tx, v.RunID); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	ok, err := tableExists(ctx, tx, staging)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("publish: staging table %s does not exist", staging)
	}
	hadCanonical, err := tableExists(ctx, tx, CanonicalTable)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	// The view is dropped first so the renames below do not rewrite it.
	retired := retiredTable(v.RunID)
	stmts := []string{"DROP VIEW IF EXISTS " + quoteIdent(CanonicalView)}
	if hadCanonical {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(CanonicalTable), quoteIdent(retired)))
	}
	stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(staging), quoteIdent(CanonicalTable)))
	if hadCanonical {
		stmts = append(stmts, "DROP TABLE "+quoteIdent(retired))
	}
	stmts = append(stmts,
		"CREATE INDEX idx_canonical_activities_id ON canonical_activities(id)",
		"CREATE INDEX idx_canonical_activities_start ON canonical_activities(start_epoch)",
		"CREATE VIEW activities AS SELECT * FROM canonical_activities",
	)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("publish: %s: %w", stmt, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO canonical_versions
		(run_id, published_at, shards_read, rows_read, rows_written, rows_deduped, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		v.RunID,
		record.FormatTime(v.PublishedAt),
		v.ShardsRead,
		v.RowsRead,
		v.RowsWritten,
		v.RowsDeduped,
		v.Digest,
	)
	if err != nil {
		return 0, fmt.Errorf("publish: record version: %w", err)
	}
	version, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("publish: record version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("publish: commit: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "ANALYZE "+quoteIdent(CanonicalTable)); err != nil {
		return version, fmt.Errorf("publish: analyze: %w", err)
	}
	return version, nil
}

// CurrentVersion returns the latest published version. ok is false if
// nothing has been published.
func (s *Store) CurrentVersion(ctx context.Context) (Version, bool, error) {
	var (
		v           Version
		publishedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, run_id, published_at, shards_read, rows_read, rows_written, rows_deduped, digest
		FROM canonical_versions
		ORDER BY version DESC
		LIMIT 1
	`).Scan(&v.Version, &v.RunID, &publishedAt, &v.ShardsRead, &v.RowsRead, &v.RowsWritten, &v.RowsDeduped, &v.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, fmt.Errorf("current version: %w", err)
	}
	if t, ok := record.ParseTime(publishedAt); ok {
		v.PublishedAt = t
	}
	return v, true, nil
}

// CanonicalRows returns every published row ordered by dedupe key.
func (s *Store) CanonicalRows(ctx context.Context) ([]CanonicalRow, error) {
	ok, err := tableExists(ctx, s.db, CanonicalTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCanonical
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s ORDER BY %s",
		ColumnDedupeKey, ColumnAttrs, CanonicalView, ColumnDedupeKey,
	))
	if err != nil {
		return nil, fmt.Errorf("canonical rows: %w", err)
	}
	defer rows.Close()

	var out []CanonicalRow
	for rows.Next() {
		var key, attrs string
		if err := rows.Scan(&key, &attrs); err != nil {
			return nil, fmt.Errorf("canonical rows: %w", err)
		}
		var r record.Row
		if err := r.UnmarshalJSON([]byte(attrs)); err != nil {
			return nil, fmt.Errorf("canonical rows: %s: %w", key, err)
		}
		out = append(out, CanonicalRow{DedupeKey: key, Row: r})
	}
	return out, rows.Err()
}

// TableDigest hashes every column of every row of table in dedupe key order.
// Two tables with equal digests are byte-identical.
func (s *Store) TableDigest(ctx context.Context, table string) (string, int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s ORDER BY %s", quoteIdent(table), ColumnDedupeKey,
	))
	if err != nil {
		return "", 0, fmt.Errorf("table digest %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("table digest %s: %w", table, err)
	}

	d := record.NewDigest(record.DomainTable)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", 0, fmt.Errorf("table digest %s: %w", table, err)
		}
		obj := make(record.Object, len(cols))
		for i, name := range cols {
			obj[name] = sqlValue(vals[i])
		}
		data, err := record.MarshalCanonical(obj)
		if err != nil {
			return "", 0, fmt.Errorf("table digest %s: %w", table, err)
		}
		d.Add(data)
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("table digest %s: %w", table, err)
	}
	return d.Sum(), d.Count(), nil
}

func sqlValue(v any) record.Value {
	switch x := v.(type) {
	case nil:
		return record.Null{}
	case int64:
		return record.Int(x)
	case float64:
		return record.Float(x)
	case bool:
		return record.Bool(x)
	case string:
		return record.String(x)
	case []byte:
		return record.String(string(x))
	case time.Time:
		return record.String(record.FormatTime(x))
	default:
		return record.String(fmt.Sprint(x))
	}
}
