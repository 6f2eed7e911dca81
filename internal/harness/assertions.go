package harness

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/roach88/stravasync/internal/record"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) evaluate(ctx context.Context, result *Result, a Assertion) error {
	switch a.Type {
	case AssertCanonicalCount:
		if len(result.Canonical) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d canonical rows", a.Count),
				Actual:   fmt.Sprintf("%d canonical rows", len(result.Canonical)),
			}
		}
	case AssertCanonicalRow:
		row, ok := h.canonicalRow(ctx, a.Key)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: "row " + a.Key, Actual: "no such key"}
		}
		return matchSubset("canonical_row "+a.Key, record.Object(row), a.Expect)
	case AssertCanonicalAbsent:
		if _, ok := h.canonicalRow(ctx, a.Key); ok {
			return &AssertionError{Type: a.Type, Expected: "no row " + a.Key, Actual: "row present"}
		}
	case AssertDetail:
		row, ok, err := h.detailRow(ctx, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("detail %d", a.ID), Actual: "missing"}
		}
		return matchSubset(fmt.Sprintf("detail %d", a.ID), row, a.Expect)
	case AssertDetailAbsent:
		_, ok, err := h.detailRow(ctx, a.ID)
		if err != nil {
			return err
		}
		if ok {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("no detail %d", a.ID), Actual: "present"}
		}
	case AssertChildren:
		counts, err := h.warehouse.ChildCounts(ctx, a.ID)
		if err != nil {
			return err
		}
		return matchSubset(fmt.Sprintf("children %d", a.ID), record.Object{
			"splits_metric":   record.Int(int64(counts.SplitsMetric)),
			"splits_standard": record.Int(int64(counts.SplitsStandard)),
			"segment_efforts": record.Int(int64(counts.SegmentEfforts)),
		}, a.Expect)
	case AssertFetched:
		if !slices.Equal(result.Fetched, a.IDs) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprint(a.IDs),
				Actual:   fmt.Sprint(result.Fetched),
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (h *Harness) canonicalRow(ctx context.Context, key string) (record.Row, bool) {
	rows, err := h.warehouse.CanonicalRows(ctx)
	if err != nil {
		return nil, false
	}
	for _, cr := range rows {
		if cr.DedupeKey == key {
			return cr.Row, true
		}
	}
	return nil, false
}

// detailRow reads every column of one activity_details row.
func (h *Harness) detailRow(ctx context.Context, id int64) (record.Object, bool, error) {
	rows, err := h.warehouse.DB().QueryContext(ctx, `SELECT * FROM activity_details WHERE activity_id = ?`, id)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, err
	}
	obj := make(record.Object, len(cols))
	for i, name := range cols {
		v, err := toValue(vals[i])
		if err != nil {
			return nil, false, err
		}
		obj[name] = v
	}
	return obj, true, nil
}

// matchSubset checks that every expected field is present in actual with an
// equal value. Numbers compare by value, so 5 matches 5.0.
func matchSubset(what string, actual record.Object, expect map[string]any) error {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var mismatches []string
	for _, k := range keys {
		want, err := toValue(expect[k])
		if err != nil {
			return fmt.Errorf("%s: expect %s: %w", what, k, err)
		}
		got, ok := actual[k]
		if !ok {
			got = record.Null{}
		}
		if !valueEqual(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %s, got %s", k, render(want), render(got)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     what,
			Expected: "fields to match",
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func valueEqual(a, b record.Value) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	if _, ok := a.(record.Null); ok || a == nil {
		_, isNull := b.(record.Null)
		return isNull || b == nil
	}
	ea, err1 := record.MarshalCanonical(a)
	eb, err2 := record.MarshalCanonical(b)
	return err1 == nil && err2 == nil && string(ea) == string(eb)
}

func number(v record.Value) (float64, bool) {
	switch n := v.(type) {
	case record.Int:
		return float64(n), true
	case record.Float:
		f := float64(n)
		return f, !math.IsNaN(f)
	}
	return 0, false
}

func render(v record.Value) string {
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// toValue converts YAML and SQL scalars into record values.
func toValue(v any) (record.Value, error) {
	switch x := v.(type) {
	case time.Time:
		return record.String(record.FormatTime(x)), nil
	case []byte:
		return record.String(string(x)), nil
	case map[string]any:
		obj := make(record.Object, len(x))
		for k, elem := range x {
			conv, err := toValue(elem)
			if err != nil {
				return nil, err
			}
			obj[k] = conv
		}
		return obj, nil
	case []any:
		arr := make(record.Array, len(x))
		for i, elem := range x {
			conv, err := toValue(elem)
			if err != nil {
				return nil, err
			}
			arr[i] = conv
		}
		return arr, nil
	case []int64:
		arr := make(record.Array, len(x))
		for i, elem := range x {
			arr[i] = record.Int(elem)
		}
		return arr, nil
	}
	return record.FromAny(v)
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
