package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcclellann/coopledger/pkg/metrics"
)

func TestBreaker_PassesResults(t *testing.T) {
	b := NewBreaker("test", DefaultConfig(), nil, nil)

	got, err := b.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != "ok" {
		t.Errorf("Expected 'ok', got %v", got)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	config := DefaultConfig()
	config.ConsecutiveFailures = 3
	config.OpenTimeout = time.Minute
	b := NewBreaker("test", config, nil, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Call %d: expected boom, got %v", i, err)
		}
	}

	if b.State() != metrics.CircuitOpen {
		t.Fatalf("Expected open circuit, got %s", b.State())
	}

	called := false
	_, err := b.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Function must not run while the circuit is open")
	}
}

func TestBreaker_Timeout(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 20 * time.Millisecond
	b := NewBreaker("slow", config, nil, nil)

	_, err := b.Execute(context.Background(), "op", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}
