// Package metrics exposes Prometheus collectors for every pipeline stage.
// Batch runs export them with WriteTextfile for the node exporter's
// textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stravasync"

var (
	compactionRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "runs_total",
		Help:      "Compaction runs by outcome (published, conflict, failed).",
	}, []string{"outcome"})

	compactionRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "rows",
		Help:      "Row counts of the most recent published compaction, by stage.",
	}, []string{"stage"})

	compactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "duration_seconds",
		Help:      "Wall time of compaction runs from lock to publish.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	canonicalVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "compaction",
		Name:      "canonical_version",
		Help:      "Version number of the currently published canonical table.",
	})

	malformedShards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shards",
		Name:      "malformed_total",
		Help:      "Shards excluded from a computation, by reason.",
	}, []string{"reason"})

	shardsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shards",
		Name:      "written_total",
		Help:      "Shards landed by pull runs.",
	})

	watermarkAfter = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watermark",
		Name:      "after_timestamp_seconds",
		Help:      "Unix timestamp of the most recent computed fetch cursor.",
	})

	reconcileEntities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "entities_total",
		Help:      "Entities handled by reconciliation, by result (selected, fetched, skipped_budget, not_found).",
	}, []string{"result"})

	reconcileRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "remaining",
		Help:      "Selected entities left unfetched by the most recent reconciliation.",
	})

	upstreamCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "calls_total",
		Help:      "Upstream API calls by operation and outcome.",
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(
		compactionRuns,
		compactionRows,
		compactionDuration,
		canonicalVersion,
		malformedShards,
		shardsWritten,
		watermarkAfter,
		reconcileEntities,
		reconcileRemaining,
		upstreamCalls,
	)
}

// Compaction outcomes.
const (
	OutcomePublished = "published"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
)

// CompactionCounts are the per-run figures reported by a compaction.
type CompactionCounts struct {
	RowsRead    int
	RowsWritten int
	RowsDeduped int
	Version     int64
}

// RecordCompaction records one compaction run. Row gauges and the version
// only move on a successful publish.
func RecordCompaction(outcome string, c CompactionCounts, d time.Duration) {
	compactionRuns.WithLabelValues(outcome).Inc()
	if outcome != OutcomePublished {
		return
	}
	compactionRows.WithLabelValues("read").Set(float64(c.RowsRead))
	compactionRows.WithLabelValues("written").Set(float64(c.RowsWritten))
	compactionRows.WithLabelValues("deduped").Set(float64(c.RowsDeduped))
	compactionDuration.Observe(d.Seconds())
	canonicalVersion.Set(float64(c.Version))
}

// RecordMalformedShard counts one excluded shard.
func RecordMalformedShard(reason string) {
	malformedShards.WithLabelValues(reason).Inc()
}

// RecordShardWritten counts one landed shard.
func RecordShardWritten() {
	shardsWritten.Inc()
}

// RecordWatermark updates the fetch cursor gauge.
func RecordWatermark(after *time.Time) {
	if after == nil {
		watermarkAfter.Set(0)
		return
	}
	watermarkAfter.Set(float64(after.Unix()))
}

// ReconcileCounts are the per-run figures reported by a reconciliation.
type ReconcileCounts struct {
	Selected        int
	Fetched         int
	SkippedByBudget int
	NotFound        int
	Remaining       int
}

// RecordReconcile records one reconciliation pass.
func RecordReconcile(c ReconcileCounts) {
	reconcileEntities.WithLabelValues("selected").Add(float64(c.Selected))
	reconcileEntities.WithLabelValues("fetched").Add(float64(c.Fetched))
	reconcileEntities.WithLabelValues("skipped_budget").Add(float64(c.SkippedByBudget))
	reconcileEntities.WithLabelValues("not_found").Add(float64(c.NotFound))
	reconcileRemaining.Set(float64(c.Remaining))
}

// RecordUpstreamCall counts one upstream API call.
func RecordUpstreamCall(op, outcome string) {
	upstreamCalls.WithLabelValues(op, outcome).Inc()
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text format. The file is replaced atomically.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
