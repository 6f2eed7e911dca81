package shard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/stravasync/internal/record"
)

// maxNameAttempts bounds the suffix search when several shards land in the
// same second for the same owner.
const maxNameAttempts = 1000

// Write lands rows as a new immutable shard. The payload goes to a hidden
// temporary file; the final name is then claimed with an exclusive create
// and the temporary renamed over the claim. A reader sees either an empty
// shard or the whole payload, and an existing shard is never replaced.
func (s *Store) Write(ownerID int64, at time.Time, rows []record.Row, format string) (Info, error) {
	payload, err := encode(rows, format)
	if err != nil {
		return Info{}, fmt.Errorf("write shard: %w", err)
	}

	if err := s.fs.MkdirAll(".", 0o755); err != nil {
		return Info{}, fmt.Errorf("write shard: create dir: %w", err)
	}

	tmp, err := s.fs.TempFile(".", ".shard-")
	if err != nil {
		return Info{}, fmt.Errorf("write shard: create temp: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			s.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return Info{}, fmt.Errorf("write shard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, fmt.Errorf("write shard: close: %w", err)
	}

	for seq := 0; seq < maxNameAttempts; seq++ {
		name := FileName(ownerID, at, seq, format)
		err := s.claim(name)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return Info{}, fmt.Errorf("write shard: claim %s: %w", name, err)
		}
		if err := s.fs.Rename(tmpName, name); err != nil {
			s.fs.Remove(name)
			return Info{}, fmt.Errorf("write shard: publish %s: %w", name, err)
		}
		renamed = true

		info, _ := ParseName(name)
		info.Path = filepath.Join(s.dir, name)
		s.logger.Info("shard written", "shard", name, "rows", len(rows))
		return info, nil
	}
	return Info{}, fmt.Errorf("write shard: no free name for owner %d at %s", ownerID, at.UTC().Format(timestampLayout))
}

// claim creates name empty, failing with os.ErrExist if it is taken.
func (s *Store) claim(name string) error {
	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func encode(rows []record.Row, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		arr := make(record.Array, len(rows))
		for i, r := range rows {
			arr[i] = record.Object(r)
		}
		return record.MarshalCanonical(arr)

	case FormatSnappy:
		var buf bytes.Buffer
		w := snappy.NewBufferedWriter(&buf)
		for i, r := range rows {
			line, err := record.MarshalCanonical(record.Object(r))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
