package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type notificationMetrics struct {
	emitted   *prometheus.CounterVec
	delivered *prometheus.CounterVec
}

var (
	notificationMetricsOnce sync.Once
	notificationRegistry    *notificationMetrics
)

// Notifications returns the registry counting committed ledger notifications.
func Notifications() *notificationMetrics {
	notificationMetricsOnce.Do(func() {
		notificationRegistry = &notificationMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "notifications",
				Name:      "emitted_total",
				Help:      "Count of committed notifications segmented by kind.",
			}, []string{"kind"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "notifications",
				Name:      "delivered_total",
				Help:      "Count of notifications handed to a sink segmented by sink and outcome.",
			}, []string{"sink", "outcome"}),
		}
		prometheus.MustRegister(notificationRegistry.emitted, notificationRegistry.delivered)
	})
	return notificationRegistry
}

// Record increments the emitted counter for kind.
func (m *notificationMetrics) Record(kind string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normaliseKind(kind)).Inc()
}

// RecordDelivery counts a hand-off to sink.
func (m *notificationMetrics) RecordDelivery(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.delivered.WithLabelValues(normaliseKind(sink), outcome).Inc()
}

func normaliseKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
