// Package shard provides read access to the directory of immutable ingested
// batches ("shards") and the single append path that lands new ones.
//
// A shard is named activities_<owner>_<yyyymmddhhmmss>[_<nnn>].<ext>, where the
// timestamp is the UTC ingestion time. Two payload formats exist:
//
//   - .json      a JSON array of raw upstream objects
//   - .jsonl.sz  a snappy-framed stream of canonical JSON lines
//
// Rows are returned flattened (map.* and athlete.id lifted to top-level
// columns) and stamped with provenance: source_file is the shard name and
// fetched_at is the row's ingestion_ts when present, else the name timestamp.
//
// Shards that cannot be decoded are reported as MalformedError and skipped;
// they never fail a scan.
//
// The store works on a go-billy filesystem: the OS directory by default,
// memfs in tests.
package shard
