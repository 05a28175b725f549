package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatch activity. A nil *Metrics records nothing.
type Metrics struct {
	rows   *prometheus.CounterVec
	runs   *prometheus.CounterVec
	pushes *prometheus.CounterVec
}

// NewMetrics registers the dispatch counters with reg. A nil reg creates
// unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "notify",
			Name:      "rows_total",
			Help:      "Pending notification rows processed, by result.",
		}, []string{"result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "notify",
			Name:      "runs_total",
			Help:      "Dispatch runs, by outcome.",
		}, []string{"outcome"}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "notify",
			Name:      "pushes_total",
			Help:      "Push sends, by channel and result.",
		}, []string{"channel", "result"}),
	}
}

func (m *Metrics) row(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rows.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) run(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) push(channel, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(channel, result).Inc()
}
