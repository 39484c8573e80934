package canvas

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	UpdatesTotal   prometheus.Counter
	ConflictsTotal prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			UpdatesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "draftwise_canvas_updates_total",
				Help: "Total number of successful canvas patches",
			}),
			ConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "draftwise_canvas_conflicts_total",
				Help: "Total number of canvas version conflicts",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) RecordUpdate() {
	if m == nil || m.UpdatesTotal == nil {
		return
	}
	m.UpdatesTotal.Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil || m.ConflictsTotal == nil {
		return
	}
	m.ConflictsTotal.Inc()
}
