// Package metrics exposes prometheus collectors for sync cycles and the HTTP surface.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feedsync"

// Load outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeEnd       = "end_of_pagination"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Recorder groups every collector the service reports. A nil Recorder records nothing.
type Recorder struct {
	loadCycles        *prometheus.CounterVec
	loadDuration      *prometheus.HistogramVec
	mergedRows        *prometheus.CounterVec
	droppedEvents     *prometheus.CounterVec
	badgeUpdates      prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	activeSubscribers prometheus.Gauge
}

// NewRecorder builds unregistered collectors.
func NewRecorder() *Recorder {
	return &Recorder{
		loadCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_cycles_total",
				Help:      "Total number of mediator load cycles",
			},
			[]string{"source", "direction", "outcome"},
		),
		loadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_cycle_duration_seconds",
				Help:      "Duration of mediator load cycles",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source", "direction"},
		),
		mergedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merged_rows_total",
				Help:      "Total number of rows committed to the cache",
			},
			[]string{"table"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_events_total",
				Help:      "Total number of remote events skipped by the normalizer",
			},
			[]string{"reason"},
		),
		badgeUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "badge_updates_total",
				Help:      "Total number of unseen-count updates published",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		activeSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "badge_subscribers",
				Help:      "Number of open badge streams",
			},
		),
	}
}

// Register adds every collector to registerer. Collectors already registered are reused.
func (r *Recorder) Register(registerer prometheus.Registerer) error {
	if r == nil || registerer == nil {
		return nil
	}
	for _, collector := range r.collectors() {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveLoad records one mediator cycle.
func (r *Recorder) ObserveLoad(source, direction, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.loadCycles.WithLabelValues(source, direction, outcome).Inc()
	r.loadDuration.WithLabelValues(source, direction).Observe(elapsed.Seconds())
}

// AddMerged counts rows committed to a cache table.
func (r *Recorder) AddMerged(table string, rows int) {
	if r == nil || rows <= 0 {
		return
	}
	r.mergedRows.WithLabelValues(table).Add(float64(rows))
}

// AddDropped counts events skipped by the normalizer.
func (r *Recorder) AddDropped(reason string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.droppedEvents.WithLabelValues(reason).Add(float64(count))
}

// BadgeUpdated counts one published unseen count.
func (r *Recorder) BadgeUpdated() {
	if r == nil {
		return
	}
	r.badgeUpdates.Inc()
}

// SubscriberOpened counts one badge stream as open.
func (r *Recorder) SubscriberOpened() {
	if r == nil {
		return
	}
	r.activeSubscribers.Inc()
}

// SubscriberClosed releases one open badge stream.
func (r *Recorder) SubscriberClosed() {
	if r == nil {
		return
	}
	r.activeSubscribers.Dec()
}

// ObserveHTTP records one served request.
func (r *Recorder) ObserveHTTP(path string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.loadCycles,
		r.loadDuration,
		r.mergedRows,
		r.droppedEvents,
		r.badgeUpdates,
		r.httpRequests,
		r.httpDuration,
		r.activeSubscribers,
	}
}
