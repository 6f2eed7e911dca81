// Package record provides the schema-tolerant row model shared by the shard
// store, the compaction engine and the reconciliation engine.
//
// Upstream batches drift in shape over time, so a Row is a map of optional
// fields rather than a fixed struct. Accessors report presence explicitly and
// treat JSON null like an absent key. Merge and tie-break code is written
// against "field present and comparable".
//
// This package imports nothing internal.
package record
