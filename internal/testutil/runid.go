package testutil

import (
	"fmt"
	"sync"
)

// SequenceRunIDs generates run ids "<prefix>-0001", "<prefix>-0002", ...
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario produces the same staging table names and version rows.
//
// Thread-safety: SequenceRunIDs is safe for concurrent use via internal mutex.
type SequenceRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceRunIDs creates a generator. An empty prefix defaults to "run".
func NewSequenceRunIDs(prefix string) *SequenceRunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SequenceRunIDs{prefix: prefix}
}

// Generate returns the next run id.
func (g *SequenceRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
