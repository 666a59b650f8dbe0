package keypool

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// TestProperty1_ConcurrentMonotonicCounters exercises spec §5's ordering
// guarantee: two concurrent mark_error calls on the same key produce
// deterministic counter increments with no lost updates, and
// success_count+error_count+rate_limit_count equals the number of mark_*
// invocations the key ever received, even under concurrent callers.
func TestProperty1_ConcurrentMonotonicCounters(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		successes := rapid.IntRange(0, 30).Draw(rt, "successes")
		errs := rapid.IntRange(0, 30).Draw(rt, "errors")
		rateLimits := rapid.IntRange(0, 10).Draw(rt, "rate_limits")

		pool, err := New(StaticKeySource{"p": {"k0"}}, []string{"p"}, zap.NewNop())
		if err != nil {
			rt.Fatal(err)
		}
		k0 := pool.keysByProvider["p"][0]

		var wg sync.WaitGroup
		for i := 0; i < successes; i++ {
			wg.Add(1)
			go func() { defer wg.Done(); pool.MarkSuccess(k0) }()
		}
		for i := 0; i < errs; i++ {
			wg.Add(1)
			go func() { defer wg.Done(); pool.MarkError(k0) }()
		}
		for i := 0; i < rateLimits; i++ {
			wg.Add(1)
			go func() { defer wg.Done(); pool.MarkRateLimit(k0, time.Second) }()
		}
		wg.Wait()

		snap := k0.Snapshot()
		total := snap.SuccessCount + snap.ErrorCount + snap.RateLimitCount
		want := int64(successes + errs + rateLimits)
		if total != want {
			rt.Fatalf("expected %d total mark_* invocations accounted for, got %d", want, total)
		}
	})
}
