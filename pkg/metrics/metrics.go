// Package metrics defines the Prometheus metric collectors used by the
// indexer worker and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the worker.
type Metrics struct {
	EntriesProcessed  *prometheus.CounterVec
	FramesIndexed     *prometheus.CounterVec
	DuplicatesSkipped prometheus.Counter
	DeadLetters       *prometheus.CounterVec
	EntriesReclaimed  prometheus.Counter
	BrokerRetries     prometheus.Counter
	SeenIDs           prometheus.Gauge
}

// New creates and registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_entries_processed_total",
				Help: "Stream entries handled to a terminal state, by phase and outcome (indexed, duplicate, dead_letter).",
			},
			[]string{"phase", "outcome"},
		),
		FramesIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_frames_indexed_total",
				Help: "Documents appended to the sink, by phase.",
			},
			[]string{"phase"},
		),
		DuplicatesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_duplicates_skipped_total",
				Help: "Entries acknowledged without re-indexing because their frame id was already in the ledger.",
			},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_dead_letters_total",
				Help: "Entries routed to the dead-letter stream, by cause class.",
			},
			[]string{"cause"},
		),
		EntriesReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_entries_reclaimed_total",
				Help: "Stale pending entries reclaimed from presumed-dead consumers.",
			},
		),
		BrokerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_broker_retries_total",
				Help: "Broker calls retried after transport-level failures.",
			},
		),
		SeenIDs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_seen_ids",
				Help: "Frame ids currently held in the idempotency set.",
			},
		),
	}

	reg.MustRegister(
		m.EntriesProcessed,
		m.FramesIndexed,
		m.DuplicatesSkipped,
		m.DeadLetters,
		m.EntriesReclaimed,
		m.BrokerRetries,
		m.SeenIDs,
	)
	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
