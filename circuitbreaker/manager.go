package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns one Breaker per dependency name and runs the periodic
// adaptation pass described in spec §4.3. It is the collaborator the Broker
// calls through via call_with_breaker; call sites never switch on a
// provider-tag string (spec §9: registry over dynamic dispatch).
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker

	adaptMu      sync.Mutex
	lastAdaptRun time.Time
	lastSnapshot map[string]adaptSample
}

// adaptSample is a breaker's cumulative counters as observed at the end of
// an adaptation pass, kept so the next pass can compute calls/trips over
// just that window instead of since the breaker was created.
type adaptSample struct {
	calls int64
	trips int64
}

// NewManager creates an empty breaker registry.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:       logger.With(zap.String("component", "circuitbreaker.manager")),
		breakers:     make(map[string]*Breaker),
		lastSnapshot: make(map[string]adaptSample),
	}
}

// RegisterBreaker creates (or replaces) the breaker for name.
func (m *Manager) RegisterBreaker(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := newBreaker(name, cfg, m.logger)
	m.breakers[name] = b
	return b
}

func (m *Manager) get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// CallWithBreaker runs fn through the named breaker, registering it with
// DefaultConfig on first use so callers never need a separate init step.
func (m *Manager) CallWithBreaker(name string, fn func() error) error {
	b, ok := m.get(name)
	if !ok {
		b = m.RegisterBreaker(name, DefaultConfig())
	}
	return b.Call(fn)
}

// GetBreakerState reports the current state of the named breaker.
func (m *Manager) GetBreakerState(name string) (State, error) {
	b, ok := m.get(name)
	if !ok {
		return StateClosed, fmt.Errorf("circuitbreaker: unknown breaker %q", name)
	}
	return b.State(), nil
}

// ResetBreaker forces the named breaker back to CLOSED.
func (m *Manager) ResetBreaker(name string) error {
	b, ok := m.get(name)
	if !ok {
		return fmt.Errorf("circuitbreaker: unknown breaker %q", name)
	}
	b.Reset()
	return nil
}

// BreakerMetrics is one breaker's reported state and counters.
type BreakerMetrics struct {
	State    string   `json:"state"`
	Counters Counters `json:"counters"`
}

// GetMetrics returns {breakers:{name:{state,counters}}} per spec §4.3.
func (m *Manager) GetMetrics() map[string]BreakerMetrics {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	breakers := make([]*Breaker, 0, len(m.breakers))
	for name, b := range m.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	out := make(map[string]BreakerMetrics, len(names))
	for i, name := range names {
		state, counters := breakers[i].Metrics()
		out[name] = BreakerMetrics{State: state.String(), Counters: counters}
	}
	return out
}

// tripRateThreshold and lowVolumeThreshold tune when an adaptation pass
// lengthens or shortens a breaker's timeout: tripRateThreshold is a fraction
// (trips per call observed during the pass), lowVolumeThreshold an absolute
// number of calls observed during the pass.
const (
	tripRateThreshold  = 0.2
	lowVolumeThreshold = 3
	minFailMax         = 2 // spec §9 Open Question: never tune fail_max below 2.
	adaptTimeoutCap    = 5 * time.Minute
	adaptTimeoutFloor  = 5 * time.Second
)

// MaybeAdaptBreakers runs the idempotent adaptation pass from spec §4.3. It
// is a no-op unless force is true or minInterval has elapsed since the last
// run. Every adaptation is recorded via the breaker's OnStateChange-adjacent
// logging so it is observable in Stats.
func (m *Manager) MaybeAdaptBreakers(force bool, minInterval time.Duration) {
	m.adaptMu.Lock()
	defer m.adaptMu.Unlock()

	now := time.Now()
	if !force && now.Sub(m.lastAdaptRun) < minInterval {
		return
	}
	m.lastAdaptRun = now

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, b := range m.breakers {
		m.adaptOne(name, b)
	}
}

// adaptOne tunes one breaker from the calls/trips observed since its last
// adaptation pass (spec §4.3's adaptation window), not its lifetime totals:
// a dependency that tripped heavily last hour but has been clean since
// should not keep paying a lengthened timeout from stale history.
func (m *Manager) adaptOne(name string, b *Breaker) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := m.lastSnapshot[name]
	calls := b.counters.TotalCalls - prev.calls
	trips := b.counters.TotalTrips - prev.trips
	m.lastSnapshot[name] = adaptSample{calls: b.counters.TotalCalls, trips: b.counters.TotalTrips}

	tripRate := 0.0
	if calls > 0 {
		tripRate = float64(trips) / float64(calls)
	}

	switch {
	case tripRate > tripRateThreshold:
		newTimeout := b.cfg.TimeoutDuration * 2
		if newTimeout > adaptTimeoutCap {
			newTimeout = adaptTimeoutCap
		}
		if newTimeout != b.cfg.TimeoutDuration {
			b.logger.Info("adapt: lengthening timeout_duration",
				zap.Float64("trip_rate", tripRate),
				zap.Duration("from", b.cfg.TimeoutDuration),
				zap.Duration("to", newTimeout))
			b.cfg.TimeoutDuration = newTimeout
		}
	case calls < lowVolumeThreshold:
		newTimeout := b.cfg.TimeoutDuration / 2
		if newTimeout < adaptTimeoutFloor {
			newTimeout = adaptTimeoutFloor
		}
		newFailMax := b.cfg.FailMax - 1
		if newFailMax < minFailMax {
			newFailMax = minFailMax
		}
		if newTimeout != b.cfg.TimeoutDuration || newFailMax != b.cfg.FailMax {
			b.logger.Info("adapt: quiet dependency, shortening timeout and fail_max",
				zap.Int64("calls", calls),
				zap.Duration("timeout", newTimeout),
				zap.Int("fail_max", newFailMax))
			b.cfg.TimeoutDuration = newTimeout
			b.cfg.FailMax = newFailMax
		}
	}
}
