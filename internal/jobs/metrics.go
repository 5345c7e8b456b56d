package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeUpdated = "updated"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// Metrics holds the accrual job collectors.
type Metrics struct {
	enrollments *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics registers the job collectors with reg. A nil registry uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		enrollments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goldscheme_job_enrollments_total",
				Help: "enrollments processed by accrual jobs, by outcome",
			},
			[]string{"job", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goldscheme_job_duration_seconds",
				Help:    "accrual job run duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goldscheme_job_last_success_timestamp_seconds",
				Help: "unix time of the last run that finished without failures",
			},
			[]string{"job"},
		),
	}
}

func (m *Metrics) observe(s Summary, seconds float64) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(s.Job, outcomeUpdated).Add(float64(s.Updated))
	m.enrollments.WithLabelValues(s.Job, outcomeSkipped).Add(float64(s.Skipped))
	m.enrollments.WithLabelValues(s.Job, outcomeFailed).Add(float64(s.Failed))
	m.duration.WithLabelValues(s.Job).Observe(seconds)
	if s.Failed == 0 {
		m.lastSuccess.WithLabelValues(s.Job).SetToCurrentTime()
	}
}
