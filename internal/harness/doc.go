// Package harness runs end-to-end pipeline scenarios for stravasync.
//
// A scenario seeds a shard directory and an in-memory upstream, drives the
// compaction and reconciliation engines through a sequence of steps, and
// checks the resulting warehouse.
//
// # Scenario Format
//
//	name: kudos_bump
//	description: "A newer summary raises kudos; only that detail is refetched"
//	now: 2024-03-01T00:00:00Z
//	owner_id: 5
//	shards:
//	  - name: activities_5_20240220000000.json
//	    rows:
//	      - {id: 1, start_date: "2024-02-10T00:00:00Z", kudos_count: 5}
//	details:
//	  - id: 1
//	    payload: {id: 1, kudos_count: 5}
//	  - id: 2
//	    status: 404
//	steps:
//	  - action: compact
//	    expect: {rows_written: 1}
//	  - action: reconcile
//	    args: {window: 30d, max_calls: 10}
//	    expect: {fetched: 1}
//	assertions:
//	  - type: canonical_row
//	    key: "5:1"
//	    expect: {kudos_count: 5}
//	  - type: detail
//	    id: 1
//	    expect: {kudos_count: 5}
//
// # Steps
//
//   - compact: one compaction run
//   - reconcile: one reconciliation pass (window, all, ids, dry_run,
//     max_calls, include_efforts)
//   - advance: move the clock forward by duration
//   - add_shard: land another shard
//   - set_detail: change an upstream detail response
//
// # Assertion Types
//
//   - canonical_count: number of canonical rows
//   - canonical_row / canonical_absent: one canonical row by dedupe key
//   - detail / detail_absent: one activity_details row by id
//   - children: split and segment effort counts for an id
//   - fetched: the exact upstream fetch order
//
// # Deterministic Testing
//
// The clock only moves on advance steps and run ids are sequential, so a
// scenario always produces the same snapshot for golden comparison.
package harness
