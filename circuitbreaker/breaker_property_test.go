package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// TestProperty2_AtMostOneHalfOpenProbe is spec §8 Property 2: for any
// breaker under any concurrent workload, the count of calls admitted while
// the state is HALF_OPEN between two state transitions is <= 1.
func TestProperty2_AtMostOneHalfOpenProbe(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		concurrency := rapid.IntRange(2, 20).Draw(rt, "concurrency")

		m := NewManager(zap.NewNop())
		m.RegisterBreaker("dep", Config{FailMax: 1, TimeoutDuration: 15 * time.Millisecond})
		_ = m.CallWithBreaker("dep", func() error { return errors.New("fail") })
		time.Sleep(30 * time.Millisecond)

		var admitted atomic.Int32
		release := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.CallWithBreaker("dep", func() error {
					admitted.Add(1)
					<-release
					return nil
				})
			}()
		}
		time.Sleep(10 * time.Millisecond)
		close(release)
		wg.Wait()

		if admitted.Load() > 1 {
			rt.Fatalf("expected at most one admitted half-open probe, got %d", admitted.Load())
		}
	})
}

// TestProperty5_BreakerRecovery is spec §8 Property 5: once a breaker is
// OPEN, after at most timeout_duration+eps exactly one probe is attempted;
// on its success the breaker returns to CLOSED with the failure counter
// reset to 0.
func TestProperty5_BreakerRecovery(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		failMax := rapid.IntRange(1, 5).Draw(rt, "fail_max")
		timeout := time.Duration(rapid.IntRange(10, 40).Draw(rt, "timeout_ms")) * time.Millisecond

		m := NewManager(zap.NewNop())
		b := m.RegisterBreaker("dep", Config{FailMax: failMax, TimeoutDuration: timeout})

		for i := 0; i < failMax; i++ {
			_ = m.CallWithBreaker("dep", func() error { return errors.New("fail") })
		}
		if state, _ := m.GetBreakerState("dep"); state != StateOpen {
			rt.Fatalf("expected OPEN after fail_max failures, got %v", state)
		}

		time.Sleep(timeout + 20*time.Millisecond)

		err := m.CallWithBreaker("dep", func() error { return nil })
		if err != nil {
			rt.Fatalf("expected the half-open probe to be admitted, got %v", err)
		}
		state, counters := b.Metrics()
		if state != StateClosed {
			rt.Fatalf("expected CLOSED after a successful probe, got %v", state)
		}
		if counters.ConsecutiveFailures != 0 {
			rt.Fatalf("expected failure counter reset to 0, got %d", counters.ConsecutiveFailures)
		}
	})
}
