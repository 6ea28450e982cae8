package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the ticket service's Prometheus collectors. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	redemptions        *prometheus.CounterVec
	redemptionDuration *prometheus.HistogramVec
	issued             prometheus.Counter
	expired            prometheus.Counter
	cancelled          prometheus.Counter
	notifyFailures     prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// the service binary and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		redemptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticket_redemptions_total",
				Help: "Redemption attempts by outcome code and category",
			},
			[]string{"code", "category"},
		),
		redemptionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ticket_redemption_duration_seconds",
				Help:    "Time spent verifying and redeeming a ticket",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"category"},
		),
		issued: f.NewCounter(prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Tickets issued",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "tickets_expired_total",
			Help: "Tickets moved to expired by the sweeper",
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "tickets_cancelled_total",
			Help: "Tickets cancelled",
		}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ticket_notify_failures_total",
			Help: "Ticket events that could not be published",
		}),
	}
}

func (r *Recorder) ObserveRedemption(code, category string, took time.Duration) {
	if r == nil {
		return
	}
	r.redemptions.WithLabelValues(code, category).Inc()
	r.redemptionDuration.WithLabelValues(category).Observe(took.Seconds())
}

func (r *Recorder) TicketsIssued(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.issued.Add(float64(n))
}

func (r *Recorder) TicketsExpired(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.expired.Add(float64(n))
}

func (r *Recorder) TicketCancelled() {
	if r == nil {
		return
	}
	r.cancelled.Inc()
}

func (r *Recorder) NotifyFailed() {
	if r == nil {
		return
	}
	r.notifyFailures.Inc()
}
