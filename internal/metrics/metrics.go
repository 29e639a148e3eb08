// Package metrics exposes tracker counters and swarm gauges to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcadia/arcadia-tracker/internal/announce"
	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/ingest"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

const namespace = "arcadia_tracker"

// Metrics implements the announce and reconcile observers.
type Metrics struct {
	registry *prometheus.Registry

	announces        *prometheus.CounterVec
	announceDuration prometheus.Histogram
	scrapes          *prometheus.CounterVec
	scrapeHashes     prometheus.Counter
	ingests          *prometheus.CounterVec
	passes           *prometheus.CounterVec
	passDuration     prometheus.Histogram
	evicted          prometheus.Counter
}

func New(index *identity.Index, store *swarm.Store, users *swarm.Users) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announces_total",
			Help:      "Announces handled, by event and outcome.",
		}, []string{"event", "outcome"}),
		announceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "announce_duration_seconds",
			Help:      "Time spent applying an announce.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrapes_total",
			Help:      "Scrapes handled, by outcome.",
		}, []string{"outcome"}),
		scrapeHashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_info_hashes_total",
			Help:      "Info-hashes requested across all scrapes.",
		}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Backend upserts, by record kind and outcome.",
		}, []string{"kind", "outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes, by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent in a reconciliation pass including the flush.",
			Buckets:   prometheus.ExponentialBuckets(.001, 4, 8),
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers removed for not announcing within the TTL.",
		}),
	}

	m.registry.MustRegister(
		m.announces, m.announceDuration, m.scrapes, m.scrapeHashes,
		m.ingests, m.passes, m.passDuration, m.evicted,
		newSwarmCollector(index, store, users),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry uncompressed; the server wraps it in gzip.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:  true,
		DisableCompression: true,
	})
}

func (m *Metrics) ObserveAnnounce(ev announce.Event, err error, elapsed time.Duration) {
	m.announces.WithLabelValues(ev.String(), announce.Outcome(err)).Inc()
	m.announceDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveScrape(hashes int, err error) {
	m.scrapes.WithLabelValues(announce.Outcome(err)).Inc()
	m.scrapeHashes.Add(float64(hashes))
}

func (m *Metrics) ObserveIngest(kind string, err error) {
	m.ingests.WithLabelValues(kind, ingestOutcome(err)).Inc()
}

func (m *Metrics) ObservePass(evicted int, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.Observe(elapsed.Seconds())
	m.evicted.Add(float64(evicted))
}

func ingestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ingest.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ingest.ErrInvalidRecord):
		return "invalid"
	case errors.Is(err, ingest.ErrInfoHashConflict), errors.Is(err, ingest.ErrPasskeyConflict):
		return "conflict"
	default:
		return "error"
	}
}
