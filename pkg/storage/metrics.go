package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CommitsTotal   *prometheus.CounterVec
	RejectsTotal   *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
	LiveRecords    prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CommitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_commits_total",
				Help: "Total accepted transitions.",
			},
			[]string{"kind"},
		),
		RejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rejects_total",
				Help: "Total rejected transitions.",
			},
			[]string{"kind", "reason"},
		),
		CommitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_commit_duration_seconds",
				Help:    "Transition validation and apply duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		LiveRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_live_records",
				Help: "Unconsumed records currently on the ledger.",
			},
		),
	}

	registry.MustRegister(
		m.CommitsTotal,
		m.RejectsTotal,
		m.CommitDuration,
		m.LiveRecords,
	)
	return m
}

func (m *Metrics) ObserveCommit(kind string, duration time.Duration, liveDelta int) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(kind).Inc()
	m.CommitDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.LiveRecords.Add(float64(liveDelta))
}

func (m *Metrics) IncReject(kind, reason string) {
	if m == nil {
		return
	}
	m.RejectsTotal.WithLabelValues(kind, reason).Inc()
}
