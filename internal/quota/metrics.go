package quota

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ReservationsTotal *prometheus.CounterVec
	DenialsTotal      *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ReservationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_quota_reservations_total",
				Help: "Total number of successful quota reservations",
			}, []string{"metric"}),
			DenialsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "draftwise_quota_denials_total",
				Help: "Total number of denied quota reservations",
			}, []string{"metric"}),
		}
	})
	return metricsInstance
}

func (m *Metrics) RecordReservation(metric string) {
	if m == nil || m.ReservationsTotal == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordDenial(metric string) {
	if m == nil || m.DenialsTotal == nil {
		return
	}
	m.DenialsTotal.WithLabelValues(metric).Inc()
}
