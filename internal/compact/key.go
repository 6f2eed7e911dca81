package compact

import (
	"fmt"
	"strconv"

	"github.com/roach88/stravasync/internal/record"
	"github.com/roach88/stravasync/internal/shard"
)

// KeyKind records which identity a dedupe key was built from.
type KeyKind int

const (
	// KeyOwnerEntity: both owner and primary key were present.
	KeyOwnerEntity KeyKind = iota
	// KeyEntity: only the primary key was present.
	KeyEntity
	// KeySource: no usable identity. The row is keyed by its own position
	// in its shard and never collides with another row.
	KeySource
)

func (k KeyKind) String() string {
	switch k {
	case KeyOwnerEntity:
		return "owner+id"
	case KeyEntity:
		return "id"
	case KeySource:
		return "source"
	}
	return "unknown"
}

// DedupeKey returns the grouping key for a row read from sourceFile at
// position ordinal. Keys of different kinds never compare equal.
func DedupeKey(r record.Row, sourceFile string, ordinal int) (string, KeyKind) {
	pk, hasPK := identity(r, shard.ColumnID)
	owner, hasOwner := identity(r, shard.ColumnOwnerID)

	switch {
	case hasPK && hasOwner:
		return fmt.Sprintf("%s:%s", owner, pk), KeyOwnerEntity
	case hasPK:
		return fmt.Sprintf("-:%s", pk), KeyEntity
	default:
		return fmt.Sprintf("@%s#%06d", sourceFile, ordinal), KeySource
	}
}

// identity renders an id column. Integral numbers and numeric strings
// render identically so "42" and 42 group together.
func identity(r record.Row, key string) (string, bool) {
	if n, ok := r.Int(key); ok {
		return strconv.FormatInt(n, 10), true
	}
	if s, ok := r.String(key); ok && s != "" {
		return s, true
	}
	return "", false
}
