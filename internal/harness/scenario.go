package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultNow is the scenario clock's start when a scenario sets none.
const DefaultNow = "2024-03-01T00:00:00Z"

// Scenario defines one end-to-end pipeline scenario: shards on disk and
// upstream detail payloads, a sequence of compaction and reconciliation
// steps, and assertions on the resulting warehouse.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now starts the scenario clock (RFC 3339). Defaults to DefaultNow.
	Now string `yaml:"now,omitempty"`

	// OwnerID is the owner the fake upstream reports.
	OwnerID int64 `yaml:"owner_id,omitempty"`

	// Shards are written to the shard directory before the first step.
	Shards []ShardFixture `yaml:"shards,omitempty"`

	// Details are the upstream detail payloads available before the first step.
	Details []DetailFixture `yaml:"details,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final warehouse.
	Assertions []Assertion `yaml:"assertions"`
}

// ShardFixture is one shard file. Rows are encoded as a JSON array; Raw is
// written verbatim and is used for malformed shards.
type ShardFixture struct {
	Name string           `yaml:"name"`
	Rows []map[string]any `yaml:"rows,omitempty"`
	Raw  string           `yaml:"raw,omitempty"`
}

// DetailFixture is one upstream detail response. A non-zero Status makes
// the fetch fail instead: 404 is not-found, anything else an upstream error.
type DetailFixture struct {
	ID      int64          `yaml:"id"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Status  int            `yaml:"status,omitempty"`
}

// Step is one pipeline action.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Args parameterise the action.
	Args StepArgs `yaml:"args,omitempty"`

	// Expect is a subset match over the step's outcome fields.
	Expect map[string]any `yaml:"expect,omitempty"`

	// ExpectError, when set, must be a substring of the step's error.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// StepArgs holds every action's arguments; each action reads its own.
type StepArgs struct {
	Window         string         `yaml:"window,omitempty"`
	All            bool           `yaml:"all,omitempty"`
	IDs            []int64        `yaml:"ids,omitempty"`
	DryRun         bool           `yaml:"dry_run,omitempty"`
	MaxCalls       int            `yaml:"max_calls,omitempty"`
	IncludeEfforts bool           `yaml:"include_efforts,omitempty"`
	Duration       string         `yaml:"duration,omitempty"`
	Shard          *ShardFixture  `yaml:"shard,omitempty"`
	Detail         *DetailFixture `yaml:"detail,omitempty"`
}

// Step actions.
const (
	ActionCompact   = "compact"
	ActionReconcile = "reconcile"
	ActionAdvance   = "advance"
	ActionAddShard  = "add_shard"
	ActionSetDetail = "set_detail"
)

// Assertion validates final warehouse state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key is a canonical dedupe key (canonical_row, canonical_absent).
	Key string `yaml:"key,omitempty"`

	// ID is an entity id (detail, detail_absent, children).
	ID int64 `yaml:"id,omitempty"`

	// IDs is the expected fetch order (fetched).
	IDs []int64 `yaml:"ids,omitempty"`

	// Count is the expected canonical row count (canonical_count).
	Count int `yaml:"count,omitempty"`

	// Expect is a subset match over the row (canonical_row, detail, children).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertCanonicalCount  = "canonical_count"
	AssertCanonicalRow    = "canonical_row"
	AssertCanonicalAbsent = "canonical_absent"
	AssertDetail          = "detail"
	AssertDetailAbsent    = "detail_absent"
	AssertChildren        = "children"
	AssertFetched         = "fetched"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Now != "" {
		if _, err := time.Parse(time.RFC3339, s.Now); err != nil {
			return fmt.Errorf("now: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must contain at least one step")
	}
	for i, sh := range s.Shards {
		if sh.Name == "" {
			return fmt.Errorf("shards[%d]: name is required", i)
		}
	}
	for i, st := range s.Steps {
		if err := validateStep(i, st); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st Step) error {
	switch st.Action {
	case ActionCompact, ActionReconcile:
	case ActionAdvance:
		if _, err := time.ParseDuration(st.Args.Duration); err != nil {
			return fmt.Errorf("steps[%d]: advance needs a duration: %w", index, err)
		}
	case ActionAddShard:
		if st.Args.Shard == nil || st.Args.Shard.Name == "" {
			return fmt.Errorf("steps[%d]: add_shard needs a named shard", index)
		}
	case ActionSetDetail:
		if st.Args.Detail == nil || st.Args.Detail.ID == 0 {
			return fmt.Errorf("steps[%d]: set_detail needs a detail with an id", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertCanonicalCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertCanonicalRow:
		if a.Key == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: key and expect are required for canonical_row", index)
		}
	case AssertCanonicalAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for canonical_absent", index)
		}
	case AssertDetail, AssertChildren:
		if a.ID == 0 || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: id and expect are required for %s", index, a.Type)
		}
	case AssertDetailAbsent:
		if a.ID == 0 {
			return fmt.Errorf("assertions[%d]: id is required for detail_absent", index)
		}
	case AssertFetched:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
