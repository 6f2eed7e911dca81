package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/roach88/stravasync/internal/record"
)

// Shard file formats.
const (
	// FormatJSON is a JSON array of raw upstream objects (bronze landing).
	FormatJSON = ".json"

	// FormatSnappy is a snappy-framed stream of canonical JSON lines.
	FormatSnappy = ".jsonl.sz"
)

// Provenance and identity columns stamped on or read from every row.
const (
	ColumnID              = "id"
	ColumnOwnerID         = "athlete_id"
	ColumnSourceFile      = "source_file"
	ColumnFetchedAt       = "fetched_at"
	ColumnIngestionTS     = "ingestion_ts"
	ColumnStartDate       = "start_date"
	ColumnUpdatedAt       = "updated_at"
	ColumnResourceState   = "resource_state"
	ColumnPolyline        = "polyline"
	ColumnSummaryPolyline = "summary_polyline"
	ColumnKudosCount      = "kudos_count"
)

// timestampLayout is the UTC timestamp embedded in shard file names.
const timestampLayout = "20060102150405"

// namePattern matches activities_<owner>_<yyyymmddhhmmss>[_<n>].<ext>.
// The strava_ prefix is accepted for bronze files landed by older pulls.
var namePattern = regexp.MustCompile(`^(?:strava_)?activities_(\d+)_(\d{14})(?:_(\d+))?(\.json|\.jsonl\.sz)$`)

// Info describes one shard file. It is derived entirely from the file name
// so listing never opens a file.
type Info struct {
	// Path is the absolute or store-relative path to the file.
	Path string

	// Name is the base file name. It is the shard's source_file identity.
	Name string

	// OwnerID is the owner scope (athlete id) encoded in the name.
	OwnerID int64

	// FetchedAt is the ingestion time encoded in the name.
	FetchedAt time.Time

	// Format is FormatJSON or FormatSnappy.
	Format string
}

// Shard is a decoded shard: its Info plus rows with provenance stamped.
type Shard struct {
	Info
	Rows []record.Row
}

// Columns returns the union of column names present (non-null) on any row.
func (s *Shard) Columns() map[string]bool {
	cols := make(map[string]bool)
	for _, r := range s.Rows {
		for k := range r {
			if r.Has(k) {
				cols[k] = true
			}
		}
	}
	return cols
}

// ParseName parses a shard file name. ok is false if the name does not follow
// the shard naming convention.
func ParseName(name string) (Info, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Info{}, false
	}
	owner, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Info{}, false
	}
	at, err := time.ParseInLocation(timestampLayout, m[2], time.UTC)
	if err != nil {
		return Info{}, false
	}
	return Info{
		Name:      name,
		OwnerID:   owner,
		FetchedAt: at,
		Format:    m[4],
	}, true
}

// FileName builds the canonical shard name for owner and ingestion time.
// seq > 0 appends a zero-padded suffix for shards landed in the same second,
// so name order matches landing order.
func FileName(ownerID int64, at time.Time, seq int, format string) string {
	base := fmt.Sprintf("activities_%d_%s", ownerID, at.UTC().Format(timestampLayout))
	if seq > 0 {
		base = fmt.Sprintf("%s_%03d", base, seq)
	}
	return base + format
}

// Store provides access to a directory of immutable shard files.
// Shards are only ever added; nothing in this package modifies or removes one.
type Store struct {
	dir    string
	fs     billy.Filesystem
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithFilesystem serves shards from fsys instead of the OS directory.
// Paths inside fsys are shard names relative to its root.
func WithFilesystem(fsys billy.Filesystem) StoreOption {
	return func(s *Store) {
		s.fs = fsys
	}
}

// NewStore returns a Store rooted at dir. The directory is created lazily by
// Write; listing a missing directory yields no shards.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = osfs.New(dir)
	}
	return s
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Filesystem returns the filesystem the store reads and writes.
func (s *Store) Filesystem() billy.Filesystem {
	return s.fs
}

// List returns every shard in the store ordered by name, plus a
// MalformedError for each file that carries a shard extension but an
// unrecognised name. Hidden files (in-flight temporaries) are ignored.
func (s *Store) List() ([]Info, []error, error) {
	entries, err := s.fs.ReadDir(".")
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("list shards: %w", err)
	}

	var infos []Info
	var warnings []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, ok := ParseName(name)
		if !ok {
			if strings.HasSuffix(name, FormatJSON) || strings.HasSuffix(name, FormatSnappy) {
				warnings = append(warnings, &MalformedError{Path: filepath.Join(s.dir, name), Reason: ReasonBadName})
			}
			continue
		}
		info.Path = filepath.Join(s.dir, name)
		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos, warnings, nil
}

// ListOwner returns the shards belonging to ownerID.
func (s *Store) ListOwner(ownerID int64) ([]Info, []error, error) {
	infos, warnings, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if info.OwnerID == ownerID {
			out = append(out, info)
		}
	}
	return out, warnings, nil
}
