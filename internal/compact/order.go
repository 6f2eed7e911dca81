package compact

import (
	"cmp"
	"strings"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
)

// Candidate is one shard row competing for a dedupe key.
type Candidate struct {
	Row        record.Row
	SourceFile string
	Ordinal    int
}

// Compare orders two candidates for the same key. It returns a positive
// number if a wins, negative if b wins. The criteria, in order:
//
//  1. later updated_at
//  2. higher resource_state
//  3. later fetched_at
//  4. non-empty polyline present
//  5. greater source_file
//  6. later position within the shard
//
// A value that is absent, null or unparseable loses to any present value.
// The order is total: Compare(a, b) == 0 only for the same shard row, so the
// winner never depends on the order rows are visited in.
func Compare(a, b Candidate) int {
	if c := compareTime(a.Row, b.Row, shard.ColumnUpdatedAt); c != 0 {
		return c
	}
	if c := compareInt(a.Row, b.Row, shard.ColumnResourceState); c != 0 {
		return c
	}
	if c := compareTime(a.Row, b.Row, shard.ColumnFetchedAt); c != 0 {
		return c
	}
	if c := compareBool(hasGeometry(a.Row), hasGeometry(b.Row)); c != 0 {
		return c
	}
	if c := strings.Compare(a.SourceFile, b.SourceFile); c != 0 {
		return c
	}
	return cmp.Compare(a.Ordinal, b.Ordinal)
}

func compareTime(a, b record.Row, key string) int {
	ta, okA := a.Time(key)
	tb, okB := b.Time(key)
	// Present beats absent; two absent values tie.
	if c := compareBool(okA, okB); c != 0 || !okA {
		return c
	}
	return ta.Compare(tb)
}

func compareInt(a, b record.Row, key string) int {
	ia, okA := a.Int(key)
	ib, okB := b.Int(key)
	if c := compareBool(okA, okB); c != 0 || !okA {
		return c
	}
	return cmp.Compare(ia, ib)
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// hasGeometry reports whether the row carries a non-empty polyline in
// either the full or summary form.
func hasGeometry(r record.Row) bool {
	for _, key := range []string{shard.ColumnPolyline, shard.ColumnSummaryPolyline} {
		if s, ok := r.String(key); ok && s != "" {
			return true
		}
	}
	return false
}
