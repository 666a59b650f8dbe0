// Package circuitbreaker implements the per-dependency admission gate from
// spec §4.3: a three-state FSM (closed/open/half-open) plus a Manager that
// registers, calls through, and adaptively tunes one breaker per dependency
// name. The FSM shape is the teacher's (consecutive-failure counting,
// OnStateChange callback, client-error exemption); the counters
// (total/successful/failed calls, total trips) and the single-probe-in-half-open
// rule follow spec §3/§8 Property 2 exactly.
package circuitbreaker

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three FSM states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned when a call is rejected because the breaker is
	// OPEN, or because a HALF_OPEN probe is already in flight.
	ErrOpen = errors.New("circuit breaker is open")
)

// Config is a per-dependency breaker configuration.
type Config struct {
	FailMax           int
	TimeoutDuration   time.Duration
	ExpectedErrorSet  []string // substrings of err.Error() that count as trip-worthy failures; empty means "all errors count except client errors"
	OnStateChange     func(name string, from, to State)
}

// DefaultConfig returns the teacher's sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailMax:         5,
		TimeoutDuration: 30 * time.Second,
	}
}

// Counters are the observable per-breaker counters from spec §3.
type Counters struct {
	TotalCalls        int64
	SuccessfulCalls   int64
	FailedCalls       int64
	TotalTrips        int64
	ConsecutiveFailures int
}

// Breaker is one dependency's admission gate.
type Breaker struct {
	name   string
	logger *zap.Logger

	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInFlight  bool
	counters          Counters
}

func newBreaker(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailMax <= 0 {
		cfg.FailMax = 5
	}
	if cfg.TimeoutDuration <= 0 {
		cfg.TimeoutDuration = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		logger: logger.With(zap.String("component", "circuitbreaker"), zap.String("breaker", name)),
		cfg:    cfg,
		state:  StateClosed,
	}
}

// State returns the current FSM state, transitioning OPEN->HALF_OPEN lazily
// when the timeout has elapsed (matches spec §3's "state = OPEN ⇒ now −
// opened_at < timeout_duration" invariant: once it no longer holds, the
// state must have moved on).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.TimeoutDuration {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// beforeCall admits or rejects a call. Exactly one caller is admitted while
// HALF_OPEN (spec §8 Property 2); everyone else sees ErrOpen.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	default: // StateOpen
		return ErrOpen
	}
}

// Call runs fn under the breaker's protection. Client errors (see
// isClientError) succeed the breaker even if fn returned an error, mirroring
// spec §4.3: "authentication errors from a single key must not trip the
// provider-wide breaker."
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err == nil || b.isExempt(err))
	if err != nil {
		return err
	}
	return nil
}

func (b *Breaker) isExempt(err error) bool {
	if isClientError(err) {
		return true
	}
	if len(b.cfg.ExpectedErrorSet) == 0 {
		return false
	}
	msg := err.Error()
	for _, substr := range b.cfg.ExpectedErrorSet {
		if strings.Contains(msg, substr) {
			return false
		}
	}
	return true
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.TotalCalls++
	if success {
		b.counters.SuccessfulCalls++
	} else {
		b.counters.FailedCalls++
	}

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFails = 0
			b.counters.ConsecutiveFailures = 0
			return
		}
		b.consecutiveFails++
		b.counters.ConsecutiveFailures = b.consecutiveFails
		if b.consecutiveFails >= b.cfg.FailMax {
			b.openedAt = time.Now()
			b.counters.TotalTrips++
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.halfOpenInFlight = false
		if success {
			b.consecutiveFails = 0
			b.counters.ConsecutiveFailures = 0
			b.transition(StateClosed)
		} else {
			b.openedAt = time.Now()
			b.counters.TotalTrips++
			b.transition(StateOpen)
		}
	case StateOpen:
		b.logger.Warn("call observed while breaker OPEN")
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from == to {
		return
	}
	b.logger.Info("state transition", zap.String("from", from.String()), zap.String("to", to.String()))
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// Reset forces the breaker back to CLOSED, e.g. for an operator-triggered
// RESET_CIRCUIT_BREAKER recovery action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.counters.ConsecutiveFailures = 0
	b.halfOpenInFlight = false
	b.transition(StateClosed)
}

// Metrics returns a snapshot of the breaker's counters and state.
func (b *Breaker) Metrics() (State, Counters) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(), b.counters
}

// isClientError matches the teacher's substring classifier
// (llm/circuitbreaker/breaker.go) against error codes that are always a
// KeyPool concern, never a breaker concern.
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{
		"INVALID_REQUEST", "AUTHENTICATION", "UNAUTHORIZED",
		"FORBIDDEN", "QUOTA_EXCEEDED", "CONTENT_FILTERED",
		"TOOL_VALIDATION", "CONTEXT_TOO_LONG", "VALIDATION_ERROR",
		"AUTH_ERROR", // broker's own per-key auth error code (spec §4.3)
	} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
