package harness

import "github.com/roach88/stravasync/internal/record"

// StepTrace records what one step did.
type StepTrace struct {
	Index   int           `json:"index"`
	Action  string        `json:"action"`
	Outcome record.Object `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per step, in order.
	Trace []StepTrace `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Canonical and Details are the final warehouse projections used by
	// golden snapshots.
	Canonical []record.Object `json:"canonical"`
	Details   []record.Object `json:"details"`

	// Fetched lists every detail id requested upstream, in order.
	Fetched []int64 `json:"fetched"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
