package compact

import (
	"slices"
	"strings"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/warehouse"
)

// digestDomain separates compaction digests from other hashes.
const digestDomain = "stravasync/compaction/v1"

// Resolver groups candidates by dedupe key and keeps one winner per key.
// The winner for a key is the maximum under Compare, so the result is the
// same whatever order candidates are added in.
type Resolver struct {
	best    map[string]Candidate
	added   int
	unkeyed int
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{best: make(map[string]Candidate)}
}

// Add offers c for its key and returns the key and how it was built.
func (r *Resolver) Add(c Candidate) (string, KeyKind) {
	key, kind := DedupeKey(c.Row, c.SourceFile, c.Ordinal)
	r.added++
	if kind == KeySource {
		r.unkeyed++
	}
	cur, ok := r.best[key]
	if !ok || Compare(c, cur) > 0 {
		r.best[key] = c
	}
	return key, kind
}

// Added returns how many candidates were offered.
func (r *Resolver) Added() int {
	return r.added
}

// Unkeyed returns how many candidates had no usable identity.
func (r *Resolver) Unkeyed() int {
	return r.unkeyed
}

// Len returns the number of distinct keys.
func (r *Resolver) Len() int {
	return len(r.best)
}

// Winner returns the current winner for key.
func (r *Resolver) Winner(key string) (Candidate, bool) {
	c, ok := r.best[key]
	return c, ok
}

// Rows returns the winners ordered by dedupe key.
func (r *Resolver) Rows() []warehouse.CanonicalRow {
	keys := make([]string, 0, len(r.best))
	for k := range r.best {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, strings.Compare)

	out := make([]warehouse.CanonicalRow, len(keys))
	for i, k := range keys {
		out[i] = warehouse.CanonicalRow{DedupeKey: k, Row: r.best[k].Row}
	}
	return out
}

// Digest hashes rows (in the given order) with their keys. Equal digests
// mean equal canonical content.
func Digest(rows []warehouse.CanonicalRow) (string, error) {
	d := record.NewDigest(digestDomain)
	for _, cr := range rows {
		data, err := record.MarshalCanonical(record.Object{
			"key": record.String(cr.DedupeKey),
			"row": record.Object(cr.Row),
		})
		if err != nil {
			return "", err
		}
		d.Add(data)
	}
	return d.Sum(), nil
}
