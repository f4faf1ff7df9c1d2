package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ingestRecords counts submitted records by outcome.
	// Labels: status (stored, duplicate, rejected)
	ingestRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casetrace",
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Records submitted for ingestion by outcome",
	}, []string{"status"})

	// embeddings counts asynchronous embedding jobs.
	// Labels: result (embedded, cached, failed)
	embeddings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "casetrace",
		Subsystem: "ingest",
		Name:      "embeddings_total",
		Help:      "Embedding jobs by result",
	}, []string{"result"})

	embedQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casetrace",
		Subsystem: "ingest",
		Name:      "embed_queue_depth",
		Help:      "Records waiting for an embedding",
	})

	// queryLatency measures end to end query time.
	// Labels: outcome (complete, partial)
	queryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "casetrace",
		Subsystem: "query",
		Name:      "latency_seconds",
		Help:      "Query latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"outcome"})

	querySemanticSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "casetrace",
		Subsystem: "query",
		Name:      "semantic_skipped_total",
		Help:      "Queries answered without the semantic ranking",
	})

	rebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "casetrace",
		Subsystem: "index",
		Name:      "rebuilds_total",
		Help:      "Full index rebuilds from the record store",
	})

	indexGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "casetrace",
		Subsystem: "index",
		Name:      "generation",
		Help:      "Current index generation",
	})
)
