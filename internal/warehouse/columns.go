package warehouse

import (
	"fmt"
	"strings"

	"github.com/roach88/stravasync/internal/record"
)

// Kind is the SQL storage class a column value is coerced to.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindReal
	KindBool
	// KindTime stores a parsed timestamp normalised with record.FormatTime.
	KindTime
)

func (k Kind) sqlType() string {
	switch k {
	case KindInt, KindBool:
		return "INTEGER"
	case KindReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Column maps a row key to a typed SQL column.
type Column struct {
	Name string
	Key  string
	Kind Kind
}

// Value extracts the column's value from r. Absent, null and incompatible
// values all map to SQL NULL.
func (c Column) Value(r record.Row) any {
	key := c.Key
	if key == "" {
		key = c.Name
	}
	switch c.Kind {
	case KindInt:
		if v, ok := r.Int(key); ok {
			return v
		}
	case KindReal:
		if v, ok := r.Float(key); ok {
			return v
		}
	case KindBool:
		if v, ok := r.Bool(key); ok {
			if v {
				return int64(1)
			}
			return int64(0)
		}
	case KindTime:
		if v, ok := r.Time(key); ok {
			return record.FormatTime(v)
		}
	default:
		if v, ok := r.String(key); ok {
			return v
		}
	}
	return nil
}

func col(name string, kind Kind) Column {
	return Column{Name: name, Kind: kind}
}

func mapped(name, key string, kind Kind) Column {
	return Column{Name: name, Key: key, Kind: kind}
}

// Canonical table bookkeeping columns. They are filled by the writer, not
// extracted from the row.
const (
	ColumnDedupeKey  = "dedupe_key"
	ColumnStartEpoch = "start_epoch"
	ColumnAttrs      = "attrs"
)

// CanonicalColumns are the typed projections of a canonical row. The full
// row is also kept as canonical JSON in the attrs column so sparse fields
// from newer shards are never lost.
var CanonicalColumns = []Column{
	col("id", KindInt),
	col("athlete_id", KindInt),
	col("name", KindText),
	col("type", KindText),
	col("sport_type", KindText),
	col("distance", KindReal),
	col("moving_time", KindInt),
	col("elapsed_time", KindInt),
	col("total_elevation_gain", KindReal),
	col("start_date", KindTime),
	col("start_date_local", KindText),
	col("timezone", KindText),
	col("utc_offset", KindReal),
	col("achievement_count", KindInt),
	col("kudos_count", KindInt),
	col("comment_count", KindInt),
	col("average_speed", KindReal),
	col("max_speed", KindReal),
	col("average_heartrate", KindReal),
	col("max_heartrate", KindReal),
	col("suffer_score", KindReal),
	col("commute", KindBool),
	col("manual", KindBool),
	col("private", KindBool),
	col("visibility", KindText),
	col("gear_id", KindText),
	col("map_id", KindText),
	col("polyline", KindText),
	col("summary_polyline", KindText),
	col("updated_at", KindTime),
	col("resource_state", KindInt),
	col("fetched_at", KindTime),
	col("source_file", KindText),
}

// canonicalDDL returns the CREATE TABLE statement for a canonical-shaped
// table under the given name.
func canonicalDDL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(table))
	fmt.Fprintf(&b, "    %s TEXT PRIMARY KEY,\n", ColumnDedupeKey)
	for _, c := range CanonicalColumns {
		fmt.Fprintf(&b, "    %s %s,\n", c.Name, c.Kind.sqlType())
	}
	fmt.Fprintf(&b, "    %s INTEGER,\n", ColumnStartEpoch)
	fmt.Fprintf(&b, "    %s TEXT NOT NULL\n", ColumnAttrs)
	b.WriteString(")")
	return b.String()
}

// canonicalInsert returns the parameterised INSERT for a canonical-shaped table.
func canonicalInsert(table string) string {
	names := make([]string, 0, len(CanonicalColumns)+3)
	names = append(names, ColumnDedupeKey)
	for _, c := range CanonicalColumns {
		names = append(names, c.Name)
	}
	names = append(names, ColumnStartEpoch, ColumnAttrs)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table),
		strings.Join(names, ", "),
		placeholders(len(names)),
	)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// quoteIdent quotes a SQL identifier. Table names built from run ids pass
// through here before reaching a statement.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
