package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/stravasync/internal/record"
)

// Snapshot renders a result as one canonical JSON document per line: each
// step, then each canonical row, then each detail row, then the fetch order.
// Line order and key order are fixed, so equal results give equal bytes.
func Snapshot(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	line := func(kind string, v record.Value) error {
		data, err := record.MarshalCanonical(v)
		if err != nil {
			return err
		}
		buf.WriteString(kind)
		buf.WriteByte(' ')
		buf.Write(data)
		buf.WriteByte('\n')
		return nil
	}

	if err := line("scenario", record.String(name)); err != nil {
		return nil, err
	}
	for _, st := range result.Trace {
		obj := record.Object{
			"index":  record.Int(int64(st.Index)),
			"action": record.String(st.Action),
		}
		if st.Outcome != nil {
			obj["outcome"] = st.Outcome
		}
		if st.Error != "" {
			obj["error"] = record.String(st.Error)
		}
		if err := line("step", obj); err != nil {
			return nil, err
		}
	}
	for _, c := range result.Canonical {
		if err := line("canonical", c); err != nil {
			return nil, err
		}
	}
	for _, d := range result.Details {
		if err := line("detail", d); err != nil {
			return nil, err
		}
	}
	fetched := make(record.Array, len(result.Fetched))
	for i, id := range result.Fetched {
		fetched[i] = record.Int(id)
	}
	if err := line("fetched", fetched); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snap, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snap)
	return nil
}
