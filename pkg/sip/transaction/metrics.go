package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// managerMetrics Prometheus метрики транзакционного слоя.
// Создаются только при заданном Registerer; nil-приемник отключает сбор.
type managerMetrics struct {
	created    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	active     prometheus.Gauge
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	if reg == nil {
		return nil
	}
	return &managerMetrics{
		created: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_core",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Количество созданных транзакций по типу",
		}, []string{"kind"}),
		terminated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_core",
			Subsystem: "transaction",
			Name:      "terminated_total",
			Help:      "Количество завершенных транзакций по типу",
		}, []string{"kind"}),
		active: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "voip_core",
			Subsystem: "transaction",
			Name:      "active",
			Help:      "Текущее число активных транзакций",
		}),
	}
}

func (mm *managerMetrics) txCreated(kind Kind) {
	if mm == nil {
		return
	}
	mm.created.WithLabelValues(kind.String()).Inc()
	mm.active.Inc()
}

func (mm *managerMetrics) txState(kind Kind, next State) {
	if mm == nil {
		return
	}
	if next == StateTerminated {
		mm.terminated.WithLabelValues(kind.String()).Inc()
		mm.active.Dec()
	}
}
