// Package warehouse is the embedded SQLite store behind the pipeline.
//
// It holds:
//   - canonical_activities: the published one-row-per-key table, read through
//     the activities view
//   - canonical_activities_staging_<run>: the staging twin written by a
//     compaction run before publish
//   - canonical_versions: the version handle, one row per publish
//   - publish_lock: process-level mutual exclusion for publish
//   - activity_details and its child tables, maintained by reconciliation
//
// Publishing is a rename inside a single transaction, so a reader on
// another connection sees either the previous table or the new one.
package warehouse
