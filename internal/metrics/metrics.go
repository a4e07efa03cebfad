// Package metrics exposes Prometheus collectors for the session engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the scheduler, tracker and
// broadcaster.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweepFailures    prometheus.Counter
	AttendanceEvents *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	Subscribers      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveclass",
			Name:      "session_transitions_total",
			Help:      "Session status transitions by target status and trigger.",
		}, []string{"status", "trigger"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "liveclass",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a lifecycle sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveclass",
			Name:      "sweep_session_failures_total",
			Help:      "Sessions that failed to transition or finalize during a sweep.",
		}),
		AttendanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveclass",
			Name:      "attendance_events_total",
			Help:      "Attendance join/leave/reconnect calls that changed state.",
		}, []string{"kind"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveclass",
			Name:      "broadcast_events_published_total",
			Help:      "Events accepted by the broadcaster.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveclass",
			Name:      "broadcast_events_dropped_total",
			Help:      "Events dropped because a buffer was full or the relay failed.",
		}, []string{"reason"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveclass",
			Name:      "broadcast_subscribers",
			Help:      "Currently attached push subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.SweepDuration, m.SweepFailures,
			m.AttendanceEvents, m.EventsPublished, m.EventsDropped, m.Subscribers)
	}
	return m
}

func (m *Metrics) Transition(status, trigger string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status, trigger).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	if failures > 0 {
		m.SweepFailures.Add(float64(failures))
	}
}

func (m *Metrics) Attendance(kind string) {
	if m == nil {
		return
	}
	m.AttendanceEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberDelta(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(n))
}
