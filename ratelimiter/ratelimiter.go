// Package ratelimiter implements the token-aware sliding-window budget from
// spec §4.2: three windows per provider (60s/3600s/86400s) plus an hourly
// cost ceiling, with lazy window resets. Daily cost is tracked and reported
// in Metrics, but Acquire does not check it against CostPerDay. It is grounded on the
// teacher's llm/budget.TokenBudgetManager (atomic window counters,
// resetWindowsIfNeeded, alert thresholds, auto-throttle), generalized from
// one global budget to one RateLimiter instance per provider, and with the
// admission result turned into the three-way AdmitNow/WaitForMs/Reject
// contract spec §4.2 requires instead of a plain error return.
package ratelimiter

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Admission is the outcome of Acquire.
type Admission int

const (
	AdmitNow Admission = iota
	WaitForMs
	Reject
)

func (a Admission) String() string {
	switch a {
	case AdmitNow:
		return "ADMIT_NOW"
	case WaitForMs:
		return "WAIT_FOR_MS"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Budget is a provider's configured limits (spec §6 configuration surface).
type Budget struct {
	TokensPerMinute int64
	TokensPerHour   int64
	TokensPerDay    int64
	CostPerHour     float64
	CostPerDay      float64

	// LocalRPS paces admission ahead of the token-budget check using a
	// golang.org/x/time/rate limiter, independent of token accounting —
	// this is the ambient local RPS gate SPEC_FULL.md's domain stack adds.
	LocalRPS   float64
	LocalBurst int

	// WaitCeiling bounds how long Acquire will ask a caller to sleep
	// before giving up and returning Reject (spec §4.2 default 10s).
	WaitCeiling time.Duration
}

// DefaultBudget returns generous defaults suitable for a single small
// development deployment.
func DefaultBudget() Budget {
	return Budget{
		TokensPerMinute: 500_000,
		TokensPerHour:   5_000_000,
		TokensPerDay:    50_000_000,
		CostPerHour:     100.0,
		CostPerDay:      1000.0,
		LocalRPS:        20,
		LocalBurst:      40,
		WaitCeiling:     10 * time.Second,
	}
}

type window struct {
	seconds time.Duration
	tokens  int64 // atomic
	start   int64 // unix nanos, guarded by mu on reset
}

func (w *window) resetIfNeeded(now time.Time) {
	start := time.Unix(0, atomic.LoadInt64(&w.start))
	if now.Sub(start) >= w.seconds {
		atomic.StoreInt64(&w.tokens, 0)
		atomic.StoreInt64(&w.start, now.UnixNano())
	}
}

// Metrics is a read-only snapshot of one provider's limiter state.
type Metrics struct {
	Provider        string
	TokensMinute    int64
	TokensHour      int64
	TokensDay       int64
	CostHour        float64
	CostDay         float64
	RequestsMinute  int64
}

// Limiter is the per-provider RateLimiter.
type Limiter struct {
	provider string
	logger   *zap.Logger
	budget   Budget

	minute *window
	hour   *window
	day    *window

	mu             sync.Mutex
	costHourCents  int64 // cost stored as cents*100 for atomic-friendly math
	costDayCents   int64
	costHourStart  time.Time
	costDayStart   time.Time
	requestsMinute int64

	local *rate.Limiter
}

// New creates a Limiter for one provider.
func New(provider string, budget Budget, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if budget.WaitCeiling <= 0 {
		budget.WaitCeiling = 10 * time.Second
	}
	now := time.Now()
	limitRPS := rate.Limit(budget.LocalRPS)
	if budget.LocalRPS <= 0 {
		limitRPS = rate.Inf
	}
	return &Limiter{
		provider:      provider,
		logger:        logger.With(zap.String("component", "ratelimiter"), zap.String("provider", provider)),
		budget:        budget,
		minute:        &window{seconds: 60 * time.Second, start: now.UnixNano()},
		hour:          &window{seconds: time.Hour, start: now.UnixNano()},
		day:           &window{seconds: 24 * time.Hour, start: now.UnixNano()},
		costHourStart: now,
		costDayStart:  now,
		local:         rate.NewLimiter(limitRPS, budget.LocalBurst),
	}
}

// Acquire decides whether estimatedTokens may be admitted right now, should
// wait, or must be rejected (spec §4.2).
func (l *Limiter) Acquire(estimatedTokens int) (Admission, time.Duration) {
	now := time.Now()
	l.minute.resetIfNeeded(now)
	l.hour.resetIfNeeded(now)
	l.day.resetIfNeeded(now)
	l.resetCostWindowsIfNeeded(now)

	if !l.local.Allow() {
		return WaitForMs, time.Second / time.Duration(maxFloat(l.budget.LocalRPS, 1))
	}

	minuteTokens := atomic.LoadInt64(&l.minute.tokens)
	hourTokens := atomic.LoadInt64(&l.hour.tokens)
	dayTokens := atomic.LoadInt64(&l.day.tokens)

	est := int64(estimatedTokens)
	withinHour := l.budget.TokensPerHour <= 0 || hourTokens+est <= l.budget.TokensPerHour
	withinDay := l.budget.TokensPerDay <= 0 || dayTokens+est <= l.budget.TokensPerDay
	withinCostHour := l.budget.CostPerHour <= 0 || l.costHourUSD() <= l.budget.CostPerHour
	withinMinute := l.budget.TokensPerMinute <= 0 || minuteTokens+est <= l.budget.TokensPerMinute

	if withinMinute && withinHour && withinDay && withinCostHour {
		atomic.AddInt64(&l.requestsMinute, 1)
		return AdmitNow, 0
	}

	if !withinMinute && withinHour && withinDay && withinCostHour {
		remaining := l.minute.seconds - now.Sub(time.Unix(0, atomic.LoadInt64(&l.minute.start)))
		if remaining > 0 && remaining <= l.budget.WaitCeiling {
			return WaitForMs, remaining
		}
	}

	return Reject, 0
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (l *Limiter) resetCostWindowsIfNeeded(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.costHourStart) >= time.Hour {
		l.costHourCents = 0
		l.costHourStart = now
	}
	if now.Sub(l.costDayStart) >= 24*time.Hour {
		l.costDayCents = 0
		l.costDayStart = now
	}
}

func (l *Limiter) costHourUSD() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.costHourCents) / 10000.0
}

// RecordUsage applies actual token and cost usage to all three windows,
// after the call completes (spec §4.2: "actuals, not estimates, feed the
// counters").
func (l *Limiter) RecordUsage(actualTokens int, actualCost float64) {
	now := time.Now()
	l.minute.resetIfNeeded(now)
	l.hour.resetIfNeeded(now)
	l.day.resetIfNeeded(now)
	l.resetCostWindowsIfNeeded(now)

	atomic.AddInt64(&l.minute.tokens, int64(actualTokens))
	atomic.AddInt64(&l.hour.tokens, int64(actualTokens))
	atomic.AddInt64(&l.day.tokens, int64(actualTokens))

	l.mu.Lock()
	l.costHourCents += int64(actualCost * 10000)
	l.costDayCents += int64(actualCost * 10000)
	l.mu.Unlock()
}

// Metrics returns a read-only snapshot for Stats.
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	costHour := float64(l.costHourCents) / 10000.0
	costDay := float64(l.costDayCents) / 10000.0
	l.mu.Unlock()

	return Metrics{
		Provider:       l.provider,
		TokensMinute:   atomic.LoadInt64(&l.minute.tokens),
		TokensHour:     atomic.LoadInt64(&l.hour.tokens),
		TokensDay:      atomic.LoadInt64(&l.day.tokens),
		CostHour:       costHour,
		CostDay:        costDay,
		RequestsMinute: atomic.LoadInt64(&l.requestsMinute),
	}
}

// Manager owns one Limiter per provider.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	limiters map[string]*Limiter
	budgets  map[string]Budget
}

// NewManager creates a registry of per-provider limiters.
func NewManager(budgets map[string]Budget, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		limiters: make(map[string]*Limiter),
		budgets:  budgets,
	}
}

// For returns (creating if necessary) the Limiter for provider.
func (m *Manager) For(provider string) *Limiter {
	m.mu.RLock()
	l, ok := m.limiters[provider]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[provider]; ok {
		return l
	}
	budget, ok := m.budgets[provider]
	if !ok {
		budget = DefaultBudget()
	}
	l = New(provider, budget, m.logger)
	m.limiters[provider] = l
	return l
}

// AllMetrics returns every provider's current snapshot.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.limiters))
	for name, l := range m.limiters {
		out[name] = l.Metrics()
	}
	return out
}
