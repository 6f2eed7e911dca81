// Package compact collapses every shard into one canonical row per entity
// and publishes the result atomically.
//
// Rows are grouped by dedupe key:
//
//	<owner>:<id>          owner and id both present
//	-:<id>                id only
//	@<source_file>#<n>    no identity; the row stands alone
//
// Within a group the winner is chosen by Compare, a total order over
// updated_at, resource_state, fetched_at, polyline presence and source_file.
// The canonical table is recomputed from scratch on every run and is never
// patched in place.
package compact
