package metrics

import (
	"time"
)

// Collector receives business and transport measurements. Implementations
// export them to a backend; NoOpCollector drops them.
type Collector interface {
	// Loan lifecycle: applied, approved, rejected, completed
	RecordLoanEvent(event string)
	RecordRepayment(method string, amount float64)

	// Payment gateways
	RecordGatewayCall(gateway, operation string, success bool, duration time.Duration)
	RecordCircuitState(name string, state CircuitState)
	RecordWebhook(gateway, outcome string)

	// Transport
	RecordHTTPRequest(route, method string, status int, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is the default when metrics are not configured.
type NoOpCollector struct{}

func (NoOpCollector) RecordLoanEvent(event string) {}
func (NoOpCollector) RecordRepayment(method string, amount float64) {}
func (NoOpCollector) RecordGatewayCall(string, string, bool, time.Duration) {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState) {}
func (NoOpCollector) RecordWebhook(gateway, outcome string) {}
func (NoOpCollector) RecordHTTPRequest(route, method string, status int, d time.Duration) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
