// Package metrics holds the prometheus collectors of the sync engine. A nil
// *Metrics is valid and records nothing, so components can run without a
// registry in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatsync"

type Metrics struct {
	pushEvents    *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec
	reconnects    prometheus.Counter
	connState     *prometheus.GaugeVec
	mutations     *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	pageFetches   *prometheus.CounterVec
	sharedFetches prometheus.Counter
	requests      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		pushEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Push channel events dispatched, by type.",
		}, []string{"type"}),
		droppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "dropped_events_total",
			Help:      "Push channel frames ignored, by reason.",
		}, []string{"reason"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		connState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "connection_state",
			Help:      "1 for the current push channel state, 0 otherwise.",
		}, []string{"state"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "total",
			Help:      "Optimistic mutations, by operation and outcome.",
		}, []string{"op", "outcome"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations rolled back after a server rejection.",
		}, []string{"op"}),
		pageFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "page_fetches_total",
			Help:      "History page requests, by outcome.",
		}, []string{"outcome"}),
		sharedFetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "shared_fetches_total",
			Help:      "Page fetch calls served by a request already in flight.",
		}),
		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Local bridge requests, by route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) PushEvent(eventType string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DroppedEvent(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// ConnectionState flips the state gauge from prev to next.
func (m *Metrics) ConnectionState(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.connState.WithLabelValues(prev).Set(0)
	}
	m.connState.WithLabelValues(next).Set(1)
}

func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) Rollback(op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) PageFetch(err error, shared bool) {
	if m == nil {
		return
	}
	if shared {
		m.sharedFetches.Inc()
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.pageFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BridgeRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
