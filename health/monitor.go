// Package health implements the HealthMonitor from spec §4.4: a probe
// registry with a cooperative polling loop, rate-limited recovery actions,
// and the MCP-like secondary-transport combine rule. It is grounded on the
// teacher's llm.HealthMonitor (llm/health_monitor.go) — the health-score
// banding in calculateHealthScore and the 60-bucket QPSCounter ring buffer
// are kept in spirit — generalized away from a DB-backed score cache onto
// the registered-probe model spec §4.4 actually describes.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketflow/llmbroker/internal/pool"
	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// ProbeFunc runs one health check for a component. It must respect ctx's
// deadline (spec §4.4: "bounded by a per-probe timeout").
type ProbeFunc func(ctx context.Context) types.HealthCheckResult

// RecoveryFunc attempts to recover a component after an UNHEALTHY probe.
type RecoveryFunc func(ctx context.Context) error

type registration struct {
	component string
	probe     ProbeFunc
	recovery  RecoveryFunc

	mu                sync.Mutex
	decommissioned    bool
	probing           bool
	lastResult        types.HealthCheckResult
	lastRecoveryAt    time.Time
}

// Config tunes the monitor's loop.
type Config struct {
	Interval             time.Duration
	ProbeTimeout         time.Duration
	RecoveryMinInterval  time.Duration
	RecoveryGrace        time.Duration
}

// DefaultConfig matches spec §6's illustrative defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		ProbeTimeout:        10 * time.Second,
		RecoveryMinInterval: 60 * time.Second,
		RecoveryGrace:       5 * time.Second,
	}
}

// Monitor runs the registered probes on a ticker and triggers recovery
// callbacks for UNHEALTHY components, subject to the rate limit and
// DECOMMISSIONED skip in spec §4.4.
type Monitor struct {
	logger *zap.Logger
	cfg    Config
	pool   *pool.GoroutinePool

	mu    sync.RWMutex
	regs  map[string]*registration

	cancel context.CancelFunc
	done   chan struct{}

	recoveryAttempts  int64
	recoverySuccesses int64
}

// New creates a Monitor. Probes run concurrently through an internal
// GoroutinePool (adapted from internal/pool/goroutine_pool.go) so one slow
// probe cannot delay the others on the same tick.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		logger: logger.With(zap.String("component", "health.monitor")),
		cfg:    cfg,
		pool: pool.NewGoroutinePool(pool.GoroutinePoolConfig{
			MaxWorkers:  8,
			QueueSize:   64,
			IdleTimeout: 2 * time.Minute,
		}),
		regs:   make(map[string]*registration),
	}
}

// RegisterHealthCheck registers a probe (and optional recovery callback) for
// component. Calling it again replaces the prior registration.
func (m *Monitor) RegisterHealthCheck(component string, probe ProbeFunc, recovery RecoveryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[component] = &registration{component: component, probe: probe, recovery: recovery}
}

// Decommission marks component as DECOMMISSIONED; the loop skips it entirely
// (spec §4.4), e.g. when configuration sets mcp_disabled.
func (m *Monitor) Decommission(component string) {
	m.mu.RLock()
	reg, ok := m.regs[component]
	m.mu.RUnlock()
	if !ok {
		return
	}
	reg.mu.Lock()
	reg.decommissioned = true
	reg.mu.Unlock()
}

// Start runs the polling loop until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.RUnlock()

	for _, reg := range regs {
		reg := reg
		_ = m.pool.Submit(ctx, func(ctx context.Context) error {
			m.probeOne(ctx, reg)
			return nil
		})
	}
}

func (m *Monitor) probeOne(ctx context.Context, reg *registration) {
	reg.mu.Lock()
	if reg.decommissioned {
		reg.lastResult = types.HealthCheckResult{Component: reg.component, Status: types.HealthDecommisioned, CheckedAt: time.Now()}
		reg.mu.Unlock()
		return
	}
	if reg.probing {
		reg.mu.Unlock()
		return // at most one concurrent probe per component (spec §4.4).
	}
	reg.probing = true
	reg.mu.Unlock()

	defer func() {
		reg.mu.Lock()
		reg.probing = false
		reg.mu.Unlock()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	result := m.runProbe(probeCtx, reg)
	cancel()

	reg.mu.Lock()
	reg.lastResult = result
	canRecover := reg.recovery != nil &&
		result.Status == types.HealthUnhealthy &&
		time.Since(reg.lastRecoveryAt) >= m.cfg.RecoveryMinInterval
	if canRecover {
		reg.lastRecoveryAt = time.Now()
	}
	reg.mu.Unlock()

	if !canRecover {
		return
	}
	m.runRecovery(ctx, reg)
}

func (m *Monitor) runProbe(ctx context.Context, reg *registration) types.HealthCheckResult {
	resultCh := make(chan types.HealthCheckResult, 1)
	go func() {
		resultCh <- reg.probe(ctx)
	}()
	select {
	case <-ctx.Done():
		return types.HealthCheckResult{Component: reg.component, Status: types.HealthUnhealthy, Message: "timeout", CheckedAt: time.Now()}
	case r := <-resultCh:
		if r.CheckedAt.IsZero() {
			r.CheckedAt = time.Now()
		}
		return r
	}
}

func (m *Monitor) runRecovery(ctx context.Context, reg *registration) {
	atomic.AddInt64(&m.recoveryAttempts, 1)
	m.logger.Info("invoking recovery callback", zap.String("component", reg.component))
	if err := reg.recovery(ctx); err != nil {
		m.logger.Warn("recovery callback failed", zap.String("component", reg.component), zap.Error(err))
	}
	time.Sleep(m.cfg.RecoveryGrace)

	recheckCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	result := m.runProbe(recheckCtx, reg)
	cancel()

	reg.mu.Lock()
	reg.lastResult = result
	reg.mu.Unlock()

	recovered := result.Status == types.HealthHealthy
	if recovered {
		atomic.AddInt64(&m.recoverySuccesses, 1)
	}
	m.logger.Info("post-recovery re-probe",
		zap.String("component", reg.component),
		zap.String("status", string(result.Status)),
		zap.Bool("recovered", recovered))
}

// RecoveryCounters reports how many recovery callbacks have been attempted
// and how many left the component HEALTHY on re-probe, for the autonomy
// score's auto_recovery_component (spec §4.9).
func (m *Monitor) RecoveryCounters() (attempts, successes int64) {
	return atomic.LoadInt64(&m.recoveryAttempts), atomic.LoadInt64(&m.recoverySuccesses)
}

// Status returns the last cached probe result for component.
func (m *Monitor) Status(component string) (types.HealthCheckResult, bool) {
	m.mu.RLock()
	reg, ok := m.regs[component]
	m.mu.RUnlock()
	if !ok {
		return types.HealthCheckResult{}, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lastResult, true
}

// ForceHealthCheck runs component's probe immediately, outside the ticker.
func (m *Monitor) ForceHealthCheck(ctx context.Context, component string) (types.HealthCheckResult, error) {
	m.mu.RLock()
	reg, ok := m.regs[component]
	m.mu.RUnlock()
	if !ok {
		return types.HealthCheckResult{}, errUnknownComponent(component)
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	result := m.runProbe(probeCtx, reg)
	reg.mu.Lock()
	reg.lastResult = result
	reg.mu.Unlock()
	return result, nil
}

// AllStatuses returns every registered component's last cached result, for
// Stats.
func (m *Monitor) AllStatuses() map[string]types.HealthCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.HealthCheckResult, len(m.regs))
	for name, reg := range m.regs {
		reg.mu.Lock()
		out[name] = reg.lastResult
		reg.mu.Unlock()
	}
	return out
}

type unknownComponentError string

func (e unknownComponentError) Error() string { return "health: unknown component " + string(e) }

func errUnknownComponent(component string) error { return unknownComponentError(component) }
