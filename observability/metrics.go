package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	bankMetricsOnce sync.Once
	bankRegistry    *BankMetrics

	priceMetricsOnce sync.Once
	priceRegistry    *PriceMetrics
)

// HTTP returns the lazily-initialised registry used to record bankd API traffic.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapbank",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "http",
				Name:      "throttled_total",
				Help:      "Requests rejected by rate limiting segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency, httpRegistry.throttles)
	})
	return httpRegistry
}

// Observe records a completed request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for reason.
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// BankMetrics captures deposit, withdrawal and conversion activity of the
// custodial ledger.
type BankMetrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	custodied   prometheus.Gauge
	utilization prometheus.Gauge
	conversions *prometheus.CounterVec
	convertedIn *prometheus.CounterVec
	credited    *prometheus.CounterVec
}

// Bank returns the singleton metrics registry for the ledger engine.
func Bank() *BankMetrics {
	bankMetricsOnce.Do(func() {
		bankRegistry = &BankMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of failed ledger operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			custodied: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "custodied_total",
				Help:      "Total custodied value in unit-of-account base units.",
			}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "capacity_utilization",
				Help:      "Ratio of custodied value to the capacity ceiling (0-1).",
			}),
			conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "conversions_total",
				Help:      "Count of executed conversions segmented by input asset.",
			}, []string{"asset"}),
			convertedIn: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "converted_input_total",
				Help:      "Sum of converted input amounts in input base units.",
			}, []string{"asset"}),
			credited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "engine",
				Name:      "converted_output_total",
				Help:      "Sum of measured conversion output in unit-of-account base units.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			bankRegistry.requests,
			bankRegistry.latency,
			bankRegistry.errors,
			bankRegistry.custodied,
			bankRegistry.utilization,
			bankRegistry.conversions,
			bankRegistry.convertedIn,
			bankRegistry.credited,
		)
	})
	return bankRegistry
}

// Observe records the execution of an operation. An empty reason is a success.
func (m *BankMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetTotals updates the custodied gauge and the capacity utilisation ratio.
func (m *BankMetrics) SetTotals(custodied, capacity *big.Int) {
	if m == nil {
		return
	}
	total := bigToFloat(custodied)
	m.custodied.Set(total)
	ceiling := bigToFloat(capacity)
	utilisation := 0.0
	if ceiling > 0 {
		utilisation = math.Min(total/ceiling, 1)
	}
	m.utilization.Set(utilisation)
}

// RecordConversion counts an executed conversion.
func (m *BankMetrics) RecordConversion(asset string, amountIn, amountOut *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.conversions.WithLabelValues(label).Inc()
	m.convertedIn.WithLabelValues(label).Add(bigToFloat(amountIn))
	m.credited.WithLabelValues(label).Add(bigToFloat(amountOut))
}

// PriceMetrics tracks the health of the reference price feed.
type PriceMetrics struct {
	age      prometheus.Gauge
	stale    prometheus.Gauge
	failures *prometheus.CounterVec
}

// Price exposes the reference price registry.
func Price() *PriceMetrics {
	priceMetricsOnce.Do(func() {
		priceRegistry = &PriceMetrics{
			age: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swapbank",
				Subsystem: "price",
				Name:      "quote_age_seconds",
				Help:      "Age of the latest accepted reference price.",
			}),
			stale: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swapbank",
				Subsystem: "price",
				Name:      "quote_stale",
				Help:      "Indicates whether the reference price is currently unusable (1) or not (0).",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapbank",
				Subsystem: "price",
				Name:      "check_failures_total",
				Help:      "Reference price checks that failed segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(priceRegistry.age, priceRegistry.stale, priceRegistry.failures)
	})
	return priceRegistry
}

// RecordQuote records the age of an accepted quote.
func (m *PriceMetrics) RecordQuote(age time.Duration) {
	if m == nil {
		return
	}
	m.age.Set(age.Seconds())
	m.stale.Set(0)
}

// RecordFailure marks the reference price unusable.
func (m *PriceMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.stale.Set(1)
	m.failures.WithLabelValues(reason).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
