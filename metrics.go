package condamap

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "condamap"

// metrics holds the collectors shared by all stages.
type metrics struct {
	shardsDiscovered  *prometheus.CounterVec
	artifactsResolved *prometheus.CounterVec
	artifactsSkipped  *prometheus.CounterVec
	recordsWritten    *prometheus.CounterVec
	partialsMerged    *prometheus.CounterVec
	partialsRejected  *prometheus.CounterVec
	indexEntries      *prometheus.GaugeVec
	relationRows      *prometheus.GaugeVec
	fragmentsWritten  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		shardsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shards_discovered_total",
			Help:      "Non-empty shards emitted by the producer.",
		}, []string{"channel"}),
		artifactsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "artifacts_resolved_total",
			Help:      "Artifacts resolved into a record by the updater.",
		}, []string{"channel"}),
		artifactsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "artifacts_skipped_total",
			Help:      "Artifacts left unindexed by the updater, by reason.",
		}, []string{"channel", "reason"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_written_total",
			Help:      "Artifact records created in the record store.",
		}, []string{"channel"}),
		partialsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partials_merged_total",
			Help:      "Partial indices folded into a master index.",
		}, []string{"channel"}),
		partialsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "partials_rejected_total",
			Help:      "Malformed partial indices skipped by the merger.",
		}, []string{"channel"}),
		indexEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "index_entries",
			Help:      "Entries in the current master index.",
		}, []string{"channel"}),
		relationRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "relation_rows",
			Help:      "Rows in the current relations table.",
		}, []string{"channel"}),
		fragmentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fragments_written_total",
			Help:      "Lookup fragments written by the relations builder.",
		}, []string{"channel"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.shardsDiscovered,
			m.artifactsResolved,
			m.artifactsSkipped,
			m.recordsWritten,
			m.partialsMerged,
			m.partialsRejected,
			m.indexEntries,
			m.relationRows,
			m.fragmentsWritten,
		)
	}

	return m
}
