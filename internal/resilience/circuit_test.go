package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (struct{}, error) {
			return struct{}{}, errors.New("provider down")
		})
	}
}

func succeed(cb *CircuitBreaker) error {
	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(cb, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}
	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (struct{}, error) {
		t.Error("should not be called when circuit is open")
		return struct{}{}, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessClearsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	tripBreaker(cb, 1)
	_ = succeed(cb)
	tripBreaker(cb, 1)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }

	tripBreaker(cb, 1)
	cb.now = func() time.Time { return now.Add(2 * time.Second) }
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	// Failed probe reopens.
	tripBreaker(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}

	cb.now = func() time.Time { return now.Add(5 * time.Second) }
	if err := succeed(cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_ShouldTripIgnoresNotFound(t *testing.T) {
	notFound := errors.New("no result")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, notFound) },
	})

	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (struct{}, error) {
		return struct{}{}, notFound
	})
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
				if i%2 == 0 {
					return 0, errors.New("fail")
				}
				return i, nil
			})
		}()
	}
	wg.Wait()
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "M5V3L9", nil
	})
	if err != nil || val != "M5V3L9" {
		t.Fatalf("got (%q, %v)", val, err)
	}

	tripBreaker(cb, 1)
	val, err = ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "unreachable", nil
	})
	if !errors.Is(err, ErrCircuitOpen) || val != "" {
		t.Errorf("expected ErrCircuitOpen and zero value, got (%q, %v)", val, err)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
