package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type turnMetrics struct {
	TurnsTotal *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *turnMetrics
)

func getTurnMetrics() *turnMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &turnMetrics{
			TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_session_turns_total",
				Help: "Total number of turns by terminal outcome",
			}, []string{"outcome"}),
		}
	})
	return metricsInstance
}

func (m *turnMetrics) RecordTurn(outcome string) {
	if m == nil || m.TurnsTotal == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}
