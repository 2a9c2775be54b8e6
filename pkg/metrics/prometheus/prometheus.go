package prometheus

import (
	"strconv"
	"time"

	"github.com/mcclellann/coopledger/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	loanEvents      *prometheus.CounterVec
	repayments      *prometheus.CounterVec
	repaymentAmount *prometheus.HistogramVec
	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
	webhooks        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector. Call Register before use.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		loanEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loan_events_total",
				Help:      "Loan lifecycle transitions by event",
			},
			[]string{"event"},
		),
		repayments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loan_repayments_total",
				Help:      "Recorded loan repayments by payment method",
			},
			[]string{"method"},
		),
		repaymentAmount: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loan_repayment_amount",
				Help:      "Size of recorded loan repayments",
				Buckets:   prometheus.ExponentialBuckets(1000, 4, 8), // 1k to ~16m
			},
			[]string{"method"},
		),
		gatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Payment gateway calls by gateway, operation and outcome",
			},
			[]string{"gateway", "operation", "status"},
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Payment gateway call latency",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"gateway", "operation"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Gateway webhooks by outcome",
			},
			[]string{"gateway", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		pc.loanEvents,
		pc.repayments,
		pc.repaymentAmount,
		pc.gatewayCalls,
		pc.gatewayLatency,
		pc.circuitState,
		pc.webhooks,
		pc.httpRequests,
		pc.httpLatency,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) RecordLoanEvent(event string) {
	pc.loanEvents.WithLabelValues(event).Inc()
}

func (pc *PrometheusCollector) RecordRepayment(method string, amount float64) {
	pc.repayments.WithLabelValues(method).Inc()
	pc.repaymentAmount.WithLabelValues(method).Observe(amount)
}

func (pc *PrometheusCollector) RecordGatewayCall(gateway, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.gatewayCalls.WithLabelValues(gateway, operation, status).Inc()
	pc.gatewayLatency.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
}

func (pc *PrometheusCollector) RecordWebhook(gateway, outcome string) {
	pc.webhooks.WithLabelValues(gateway, outcome).Inc()
}

func (pc *PrometheusCollector) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	pc.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	pc.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}
