package shard

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5/util"
	"github.com/golang/snappy"

	"github.com/roach88/stravasync/internal/record"
)

// maxLineSize bounds a single JSON line in a snappy shard. Detailed
// activities with full polylines stay well below this.
const maxLineSize = 16 << 20

// Read decodes one shard and stamps provenance onto every row.
// Decode failures are returned as a MalformedError.
func (s *Store) Read(info Info) (*Shard, error) {
	data, err := util.ReadFile(s.fs, info.Name)
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", info.Name, err)
	}

	var rows []record.Row
	switch info.Format {
	case FormatJSON:
		rows, err = decodeJSONArray(data)
	case FormatSnappy:
		rows, err = decodeSnappyLines(data)
	default:
		err = fmt.Errorf("unknown format %q", info.Format)
	}
	if err != nil {
		return nil, &MalformedError{Path: info.Path, Reason: ReasonUndecodable, Err: err}
	}

	for i, r := range rows {
		rows[i] = stampProvenance(normalize(r), info)
	}
	return &Shard{Info: info, Rows: rows}, nil
}

// ScanStats summarises a Scan.
type ScanStats struct {
	ShardsRead    int
	ShardsSkipped int
	RowsRead      int
	Warnings      []error
}

// Scan reads every shard in name order and calls fn for each one. Shards
// that cannot be decoded are skipped and reported in Warnings. Cancellation
// is checked between shards.
func (s *Store) Scan(ctx context.Context, fn func(*Shard) error) (ScanStats, error) {
	infos, warnings, err := s.List()
	if err != nil {
		return ScanStats{}, err
	}
	return s.scanInfos(ctx, infos, warnings, fn)
}

// ScanOwner is Scan restricted to one owner scope.
func (s *Store) ScanOwner(ctx context.Context, ownerID int64, fn func(*Shard) error) (ScanStats, error) {
	infos, warnings, err := s.ListOwner(ownerID)
	if err != nil {
		return ScanStats{}, err
	}
	return s.scanInfos(ctx, infos, warnings, fn)
}

func (s *Store) scanInfos(ctx context.Context, infos []Info, warnings []error, fn func(*Shard) error) (ScanStats, error) {
	stats := ScanStats{Warnings: warnings}
	stats.ShardsSkipped = len(warnings)

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		sh, err := s.Read(info)
		if err != nil {
			if !IsMalformed(err) {
				return stats, err
			}
			s.logger.Warn("skipping malformed shard", "shard", info.Name, "error", err)
			stats.Warnings = append(stats.Warnings, err)
			stats.ShardsSkipped++
			continue
		}
		stats.ShardsRead++
		stats.RowsRead += len(sh.Rows)
		if err := fn(sh); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func decodeJSONArray(data []byte) ([]record.Row, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return record.DecodeRows(data)
}

func decodeSnappyLines(data []byte) ([]record.Row, error) {
	sc := bufio.NewScanner(snappy.NewReader(bytes.NewReader(data)))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var rows []record.Row
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r record.Row
		if err := r.UnmarshalJSON(b); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return rows, nil
}

// normalize flattens the nested objects the upstream API returns so every
// shard generation exposes the same flat column names.
func normalize(r record.Row) record.Row {
	out := r.Clone()

	if m, ok := out["map"].(record.Object); ok {
		row := record.Row(m)
		setIfAbsent(out, "map_id", row, "id")
		setIfAbsent(out, ColumnPolyline, row, "polyline")
		setIfAbsent(out, ColumnSummaryPolyline, row, "summary_polyline")
		delete(out, "map")
	}

	if a, ok := out["athlete"].(record.Object); ok {
		setIfAbsent(out, ColumnOwnerID, record.Row(a), "id")
		delete(out, "athlete")
	}

	if !out.Has("sport_type") {
		if v, ok := out.Get("type"); ok {
			out["sport_type"] = v
		}
	}
	return out
}

func setIfAbsent(dst record.Row, dstKey string, src record.Row, srcKey string) {
	if dst.Has(dstKey) {
		return
	}
	if v, ok := src.Get(srcKey); ok {
		dst[dstKey] = v
	}
}

// stampProvenance records which shard a row came from and when it was
// ingested. A per-row ingestion_ts wins over the shard's name timestamp.
// The owner from the shard name fills in rows that carry no owner of their own.
func stampProvenance(r record.Row, info Info) record.Row {
	r[ColumnSourceFile] = record.String(info.Name)

	fetchedAt := info.FetchedAt
	if ts, ok := r.Time(ColumnIngestionTS); ok {
		fetchedAt = ts
	} else if ts, ok := r.Time(ColumnFetchedAt); ok {
		fetchedAt = ts
	}
	r[ColumnFetchedAt] = record.String(record.FormatTime(fetchedAt))

	if !r.Has(ColumnOwnerID) && info.OwnerID != 0 {
		r[ColumnOwnerID] = record.Int(info.OwnerID)
	}
	return r
}
