package tools

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type dispatchMetrics struct {
	ExecutionsTotal *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	ReplaysTotal    *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *dispatchMetrics
)

func getDispatchMetrics() *dispatchMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &dispatchMetrics{
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_tool_executions_total",
				Help: "Total number of tool executions by outcome",
			}, []string{"tool", "outcome"}),
			ConflictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_tool_conflicts_total",
				Help: "Total number of canvas conflicts hit during tool execution",
			}, []string{"tool"}),
			ReplaysTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_tool_replays_total",
				Help: "Total number of tool calls served from the idempotency cache",
			}, []string{"tool"}),
		}
	})
	return metricsInstance
}

func (m *dispatchMetrics) RecordExecution(tool, outcome string) {
	if m == nil || m.ExecutionsTotal == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *dispatchMetrics) RecordConflict(tool string) {
	if m == nil || m.ConflictsTotal == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(tool).Inc()
}

func (m *dispatchMetrics) RecordReplay(tool string) {
	if m == nil || m.ReplaysTotal == nil {
		return
	}
	m.ReplaysTotal.WithLabelValues(tool).Inc()
}
