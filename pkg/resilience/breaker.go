package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/mcclellann/coopledger/pkg/logging"
	"github.com/mcclellann/coopledger/pkg/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned without calling the dependency while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrTimeout is returned when a call exceeds the configured timeout.
	ErrTimeout = errors.New("operation timeout")
)

// Config configures a Breaker.
type Config struct {
	// Timeout bounds every call. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval clears the closed-state counts. Zero never clears.
	Interval time.Duration `mapstructure:"interval"`
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
}

// DefaultConfig suits synchronous calls to payment gateways.
func DefaultConfig() Config {
	return Config{
		Timeout:             15 * time.Second,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker guards calls to one remote dependency with a circuit breaker and a timeout.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

func NewBreaker(name string, config Config, collector metrics.Collector, logger *logging.Logger) *Breaker {
	b := &Breaker{
		name:    name,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.OrGlobal(logger).Named("breaker").With(zap.String("dependency", name)),
	}

	threshold := config.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	})
	return b
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the guarded dependency's name.
func (b *Breaker) Name() string {
	return b.name
}

// State reports the current breaker state.
func (b *Breaker) State() metrics.CircuitState {
	return toCircuitState(b.cb.State())
}

// Execute runs fn through the breaker. operation labels metrics and logs.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	duration := time.Since(start)
	b.metrics.RecordGatewayCall(b.name, operation, err == nil, duration)

	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Warn("circuit breaker open - request rejected", zap.String("operation", operation))
		return nil, ErrCircuitOpen
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.logger.Warn("operation timeout",
			zap.String("operation", operation),
			zap.Duration("timeout", b.timeout),
			zap.Duration("elapsed", duration),
		)
		return nil, ErrTimeout
	}
	b.logger.Error("operation failed",
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return nil, err
}
