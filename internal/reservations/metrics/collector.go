package metrics

import (
	"chargehold/pkg/model"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chargehold"

// Collector exports reservation lifecycle metrics.
type Collector struct {
	transitions *prometheus.CounterVec
	holds       *prometheus.CounterVec
	holdSeconds *prometheus.HistogramVec
}

// NewCollector registers the reservation metrics with reg. activeFn is read on
// every scrape for the active-holds gauge.
func NewCollector(reg prometheus.Registerer, activeFn func() int) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "events_total",
			Help:      "Reservation lifecycle events by type.",
		}, []string{"event"}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "created_total",
			Help:      "Reservations created by hold kind.",
		}, []string{"kind"}),
		holdSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reservations",
			Name:      "hold_duration_seconds",
			Help:      "Time from creation until a reservation left the active state.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}, []string{"status"}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reservations",
		Name:      "active",
		Help:      "Reservations currently holding a slot.",
	}, func() float64 { return float64(activeFn()) })

	reg.MustRegister(c.transitions, c.holds, c.holdSeconds, active)
	return c
}

// Observe records ev. It has the signature of a service event listener.
func (c *Collector) Observe(ev model.Event) {
	c.transitions.WithLabelValues(string(ev.Type)).Inc()

	r := ev.Reservation
	switch ev.Type {
	case model.EventCreated:
		c.holds.WithLabelValues(string(r.Hold.Kind)).Inc()
	case model.EventCancelled, model.EventCompleted, model.EventExpired:
		c.holdSeconds.WithLabelValues(string(r.Status)).Observe(ev.OccurredAt.Sub(r.CreatedAt).Seconds())
	}
}
