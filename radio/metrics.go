package radio

import "github.com/prometheus/client_golang/prometheus"

// outcomeNotRunning labels queued submissions thrown away because the
// radio stopped before they got in.
const outcomeNotRunning = "not_running"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	queueLength prometheus.Gauge
	waiters     prometheus.Gauge
	submissions *prometheus.CounterVec
	retirements *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "juggler",
			Name:      "queue_length",
			Help:      "Entries currently queued, including the one playing.",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "juggler",
			Name:      "waiters",
			Help:      "Submissions parked waiting for their parent.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "submissions_total",
			Help:      "Submissions by outcome.",
		}, []string{"outcome"}),
		retirements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "juggler",
			Name:      "retirements_total",
			Help:      "Entries leaving the queue by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.queueLength, m.waiters, m.submissions, m.retirements)
	return m
}

func (m *Metrics) observeQueue(length, waiters int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(length))
	m.waiters.Set(float64(waiters))
}

func (m *Metrics) submitted(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) retired(reason RetireReason) {
	if m == nil {
		return
	}
	m.retirements.WithLabelValues(string(reason)).Inc()
}
