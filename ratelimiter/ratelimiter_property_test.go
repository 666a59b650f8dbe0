package ratelimiter

import (
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// TestProperty4_BudgetSafety is spec §8 Property 4: for every window W in
// {60s, 3600s, 86400s}, the sum of actual_tokens recorded in the last W
// never exceeds budget(W) + max_estimated_per_request. This test checks the
// 60s window.
func TestProperty4_BudgetSafety(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minuteBudget := int64(rapid.IntRange(100, 1000).Draw(rt, "minute_budget"))
		maxEstimated := int64(rapid.IntRange(1, 200).Draw(rt, "max_estimated"))

		b := DefaultBudget()
		b.TokensPerMinute = minuteBudget
		b.TokensPerHour = minuteBudget * 1000
		b.TokensPerDay = minuteBudget * 100000
		b.LocalRPS = 100000
		b.LocalBurst = 100000
		b.CostPerHour = 0
		b.CostPerDay = 0

		l := New("p", b, zap.NewNop())

		n := rapid.IntRange(1, 50).Draw(rt, "requests")
		for i := 0; i < n; i++ {
			est := rapid.Int64Range(1, maxEstimated).Draw(rt, "est")
			admission, _ := l.Acquire(int(est))
			if admission == AdmitNow {
				l.RecordUsage(int(est), 0)
			}
		}

		m := l.Metrics()
		if m.TokensMinute > minuteBudget+maxEstimated {
			rt.Fatalf("minute window exceeded budget+max_estimated: tokens=%d budget=%d max_estimated=%d",
				m.TokensMinute, minuteBudget, maxEstimated)
		}
	})
}
