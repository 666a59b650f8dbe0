package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ample() Budget {
	b := DefaultBudget()
	b.TokensPerMinute = 1000
	b.TokensPerHour = 100000
	b.TokensPerDay = 1000000
	b.CostPerHour = 1000
	b.CostPerDay = 10000
	b.LocalRPS = 1000
	b.LocalBurst = 1000
	return b
}

func TestLimiter_AdmitsWithinBudget(t *testing.T) {
	l := New("deepseek", ample(), zap.NewNop())
	admission, _ := l.Acquire(10)
	assert.Equal(t, AdmitNow, admission)
}

func TestLimiter_RecordUsageAppliesActuals(t *testing.T) {
	l := New("deepseek", ample(), zap.NewNop())
	admission, _ := l.Acquire(10)
	require.Equal(t, AdmitNow, admission)
	l.RecordUsage(7, 0.001)

	m := l.Metrics()
	assert.Equal(t, int64(7), m.TokensMinute)
	assert.Equal(t, int64(7), m.TokensHour)
	assert.Equal(t, int64(7), m.TokensDay)
}

func TestLimiter_RejectsOverMinuteBudgetFarFromReset(t *testing.T) {
	b := ample()
	b.TokensPerMinute = 10
	b.WaitCeiling = 1 * time.Millisecond // too small a ceiling to ever wait
	l := New("deepseek", b, zap.NewNop())

	l.RecordUsage(10, 0)
	admission, _ := l.Acquire(5)
	assert.Equal(t, Reject, admission)
}

func TestLimiter_WaitsWhenOnlyMinuteWindowExhausted(t *testing.T) {
	b := ample()
	b.TokensPerMinute = 10
	b.WaitCeiling = time.Minute
	l := New("deepseek", b, zap.NewNop())

	l.RecordUsage(10, 0)
	admission, wait := l.Acquire(5)
	assert.Equal(t, WaitForMs, admission)
	assert.Greater(t, wait, time.Duration(0))
}

func TestLimiter_RejectsOverHourlyCost(t *testing.T) {
	b := ample()
	b.CostPerHour = 1.0
	l := New("deepseek", b, zap.NewNop())

	l.RecordUsage(1, 2.0)
	admission, _ := l.Acquire(1)
	assert.Equal(t, Reject, admission)
}

func TestManager_ForIsolatesProviders(t *testing.T) {
	m := NewManager(map[string]Budget{"deepseek": ample()}, zap.NewNop())
	a := m.For("deepseek")
	b := m.For("qwen")
	assert.NotSame(t, a, b)

	a.RecordUsage(50, 0)
	assert.Equal(t, int64(0), b.Metrics().TokensMinute)
}
