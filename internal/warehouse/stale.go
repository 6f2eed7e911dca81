package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StaleQuery selects reconciliation candidates.
type StaleQuery struct {
	// Since restricts candidates to entities starting at or after it.
	// Nil means no window.
	Since *time.Time

	// IDs restricts candidates to these entity ids.
	IDs []int64

	// Force selects matching entities whether or not they are stale.
	Force bool
}

// Candidate is one entity the reconciliation pass may fetch.
type Candidate struct {
	ID             int64
	OwnerID        int64
	StartDate      time.Time
	CanonicalKudos *int64
	HasDetail      bool
	DetailKudos    *int64
}

// SelectStale returns canonical entities that have no detail row, or whose
// detail kudos_count is strictly behind the canonical one. A canonical row
// without a kudos count is only selected when its detail is missing.
// Results are ordered newest first, then by id descending.
// Returns ErrNoCanonical if nothing has been published yet.
func (s *Store) SelectStale(ctx context.Context, q StaleQuery) ([]Candidate, error) {
	ok, err := tableExists(ctx, s.db, CanonicalTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoCanonical
	}

	var (
		where []string
		args  []any
	)
	if q.Since != nil {
		where = append(where, "c.start_epoch >= ?")
		args = append(args, q.Since.Unix())
	}
	if len(q.IDs) > 0 {
		where = append(where, fmt.Sprintf("c.id IN (%s)", placeholders(len(q.IDs))))
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if !q.Force {
		where = append(where, `(d.activity_id IS NULL OR (
			c.kudos_count IS NOT NULL AND (d.kudos_count IS NULL OR d.kudos_count < c.kudos_count)
		))`)
	}

	query := `
		SELECT c.id, c.athlete_id, c.start_epoch, c.kudos_count, d.activity_id IS NOT NULL, d.kudos_count
		FROM (
			SELECT id, MAX(athlete_id) AS athlete_id, MAX(start_epoch) AS start_epoch, MAX(kudos_count) AS kudos_count
			FROM activities
			WHERE id IS NOT NULL
			GROUP BY id
		) c
		LEFT JOIN activity_details d ON d.activity_id = c.id`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY c.start_epoch DESC, c.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select stale: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c           Candidate
			owner       sql.NullInt64
			epoch       sql.NullInt64
			canonKudos  sql.NullInt64
			detailKudos sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &owner, &epoch, &canonKudos, &c.HasDetail, &detailKudos); err != nil {
			return nil, fmt.Errorf("select stale: %w", err)
		}
		c.OwnerID = owner.Int64
		if epoch.Valid {
			c.StartDate = time.Unix(epoch.Int64, 0).UTC()
		}
		c.CanonicalKudos = nullableInt(canonKudos)
		c.DetailKudos = nullableInt(detailKudos)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// Status summarises what the warehouse currently holds.
type Status struct {
	Version        *Version
	CanonicalRows  int
	Details        int
	SplitsMetric   int
	SplitsStandard int
	SegmentEfforts int
}

// Status reports the current version and table sizes.
func (s *Store) Status(ctx context.Context) (Status, error) {
	var st Status

	v, ok, err := s.CurrentVersion(ctx)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.Version = &v
	}

	has, err := tableExists(ctx, s.db, CanonicalTable)
	if err != nil {
		return Status{}, err
	}
	counts := []struct {
		table string
		dst   *int
	}{
		{"activity_details", &st.Details},
		{"activity_splits_metric", &st.SplitsMetric},
		{"activity_splits_standard", &st.SplitsStandard},
		{"activity_segment_efforts", &st.SegmentEfforts},
	}
	if has {
		counts = append(counts, struct {
			table string
			dst   *int
		}{CanonicalTable, &st.CanonicalRows})
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(c.table)).Scan(c.dst); err != nil {
			return Status{}, fmt.Errorf("status: count %s: %w", c.table, err)
		}
	}
	return st, nil
}
