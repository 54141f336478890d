package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sessionMetrics Prometheus метрики менеджера сессий.
// nil-приемник отключает сбор.
type sessionMetrics struct {
	created   *prometheus.CounterVec
	ended     prometheus.Counter
	active    prometheus.Gauge
	stateHits *prometheus.CounterVec
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	if reg == nil {
		return nil
	}
	return &sessionMetrics{
		created: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_core",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Количество созданных сессий по направлению",
		}, []string{"direction"}),
		ended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "voip_core",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Количество завершенных сессий",
		}),
		active: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "voip_core",
			Subsystem: "session",
			Name:      "active",
			Help:      "Текущее число активных сессий",
		}),
		stateHits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "voip_core",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Количество переходов состояний вызовов",
		}, []string{"state"}),
	}
}

func (sm *sessionMetrics) sessionCreated(d Direction) {
	if sm == nil {
		return
	}
	sm.created.WithLabelValues(d.String()).Inc()
	sm.active.Inc()
}

func (sm *sessionMetrics) sessionEnded() {
	if sm == nil {
		return
	}
	sm.ended.Inc()
	sm.active.Dec()
}

func (sm *sessionMetrics) stateChanged(state CallState) {
	if sm == nil {
		return
	}
	sm.stateHits.WithLabelValues(string(state)).Inc()
}
