package gojta

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transactions         *prometheus.CounterVec
	enlistments          *prometheus.CounterVec
	synchronizationFails prometheus.Counter
	recoveryHelpers      prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	return &metrics{
		transactions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gojta",
			Name:      "transactions_total",
			Help:      "Transactions completed by the adapter, by outcome.",
		}, []string{"outcome"})),
		enlistments: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gojta",
			Name:      "enlistments_total",
			Help:      "Resource associations per pool, split into new enlistments and joins.",
		}, []string{"pool", "kind"})),
		synchronizationFails: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gojta",
			Name:      "synchronization_failures_total",
			Help:      "Completion listeners that returned an error or panicked.",
		})),
		recoveryHelpers: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gojta",
			Name:      "recovery_helpers",
			Help:      "XA recovery helpers currently registered with the recovery module.",
		})),
	}
}

// register 重复注册时沿用已注册的 collector，多个 manager 可共享同一 registerer
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if registerer == nil {
		return c
	}
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) completed(outcome Outcome) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome.String()).Inc()
}

func (m *metrics) heuristic() {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues("heuristic").Inc()
}

func (m *metrics) enlisted(pool string, joined bool) {
	if m == nil {
		return
	}
	kind := "enlist"
	if joined {
		kind = "join"
	}
	m.enlistments.WithLabelValues(pool, kind).Inc()
}

func (m *metrics) synchronizationFailed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.synchronizationFails.Add(float64(n))
}

func (m *metrics) recoveryHelpersChanged(delta float64) {
	if m == nil {
		return
	}
	m.recoveryHelpers.Add(delta)
}
