// Package keypool implements the per-provider credential pool from spec
// §4.1: a KeyPool holds an ordered, in-memory slice of APIKeys populated at
// construction from a KeySource, and exposes the mark_* mutation operations
// the Broker calls after every dispatch outcome.
//
// This is a from-scratch rewrite of the teacher's DB-backed APIKeyPool
// (llm/apikey_pool.go): the selection-strategy shapes (weighted random,
// round-robin tie-break, least-used) are kept, but state lives only in the
// process — there is no gorm.DB, no LoadKeys from a schema, and no async
// database write after every mark_* call, since spec.md §1 excludes
// persistent storage entirely.
package keypool

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KeyState mirrors types.KeyState without importing the types package, to
// keep keypool a leaf package usable independently of the broker's request
// model. The string values are identical.
type KeyState string

const (
	StateHealthy  KeyState = "HEALTHY"
	StateDegraded KeyState = "DEGRADED"
	StateCooling  KeyState = "COOLING"
	StateDisabled KeyState = "DISABLED"
)

// ErrNoKeyAvailable is returned by Acquire when every key for a provider is
// DISABLED or COOLING. Spec §4.1 treats this as a degraded condition, not a
// hard failure: the Broker catches it and falls through to the fallback
// cascade.
var ErrNoKeyAvailable = errors.New("keypool: no key available")

// Tuning constants for the mark_error escalation ladder (spec §4.1).
const (
	DegradeAfterConsecutive = 3
	DisableAfterConsecutive = 10
	baseCooldown            = 30 * time.Second
	cooldownFactor          = 2.0
	maxCooldown             = 30 * time.Minute
	minRateLimitCooldown    = 30 * time.Second
	alertCoolingFraction    = 0.5
	weightAlpha             = 1.5 // success_ratio^alpha, alpha in [1,2]
	weightEpsilon           = 1e-6
)

// APIKey is one credential of one provider (spec §3).
type APIKey struct {
	Provider   string
	Secret     string
	Index      int
	Weight     float64

	mu               sync.Mutex
	state            KeyState
	successCount     int64
	errorCount       int64
	rateLimitCount   int64
	consecutiveFails int
	lastUsed         time.Time
	coolingUntil     time.Time
	lastErrorTime    time.Time
	cooldownStep     int
}

// Snapshot is a read-only copy of an APIKey's observable fields.
type Snapshot struct {
	Provider       string
	Index          int
	State          KeyState
	SuccessCount   int64
	ErrorCount     int64
	RateLimitCount int64
	LastUsed       time.Time
	CoolingUntil   time.Time
	Weight         float64
}

// Snapshot returns a consistent copy of the key's state.
func (k *APIKey) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Snapshot{
		Provider:       k.Provider,
		Index:          k.Index,
		State:          k.state,
		SuccessCount:   k.successCount,
		ErrorCount:     k.errorCount,
		RateLimitCount: k.rateLimitCount,
		LastUsed:       k.lastUsed,
		CoolingUntil:   k.coolingUntil,
		Weight:         k.Weight,
	}
}

// isUsable implements spec §3's invariant:
// is_usable <=> state != DISABLED && (cooling_until is null || cooling_until <= now).
func (k *APIKey) isUsable(now time.Time) bool {
	if k.state == StateDisabled {
		return false
	}
	if !k.coolingUntil.IsZero() && k.coolingUntil.After(now) {
		return false
	}
	return true
}

func (k *APIKey) effectiveWeight() float64 {
	total := k.successCount + k.errorCount
	successRatio := 1.0
	if total > 0 {
		successRatio = float64(k.successCount) / (float64(total) + weightEpsilon)
	}
	ageBonus := 1.5
	if !k.lastUsed.IsZero() {
		idle := time.Since(k.lastUsed)
		// Gently favors least-recently-used keys; saturates at 1.5x over 5 minutes.
		ageBonus = 1.0 + math.Min(idle.Seconds()/300.0, 0.5)
	}
	base := k.Weight
	if base <= 0 {
		base = 1
	}
	return base * math.Pow(successRatio, weightAlpha) * ageBonus
}

// KeySource supplies the ordered, pre-decrypted secrets for one provider.
// Implementations never see ciphertext; decryption-at-rest is explicitly out
// of scope (spec.md §1).
type KeySource interface {
	Secrets(provider string) ([]string, error)
}

// StaticKeySource is the trivial in-memory KeySource, useful for tests and
// for configs that inline secrets.
type StaticKeySource map[string][]string

func (s StaticKeySource) Secrets(provider string) ([]string, error) {
	secrets, ok := s[provider]
	if !ok || len(secrets) == 0 {
		return nil, errors.New("keypool: no keys configured for provider " + provider)
	}
	return secrets, nil
}

// Alert is emitted when a provider's cooling fraction crosses the alert
// threshold (spec §4.1). The Broker's Stats collects these.
type Alert struct {
	Provider       string
	CoolingCount   int
	TotalCount     int
	At             time.Time
}

// Pool is the per-provider KeyPool.
type Pool struct {
	logger *zap.Logger

	mu            sync.Mutex
	keysByProvider map[string][]*APIKey
	roundRobinIdx  map[string]int

	alertMu  sync.Mutex
	alerts   []Alert
}

// New builds a Pool, loading every configured provider's keys eagerly from
// source. A provider with zero keys is an administrative-disable condition
// per spec §3 and is simply absent from the pool (Acquire returns
// ErrNoKeyAvailable for it).
func New(source KeySource, providers []string, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger:         logger.With(zap.String("component", "keypool")),
		keysByProvider: make(map[string][]*APIKey),
		roundRobinIdx:  make(map[string]int),
	}
	for _, provider := range providers {
		secrets, err := source.Secrets(provider)
		if err != nil {
			p.logger.Warn("provider has no keys, leaving it administratively disabled", zap.String("provider", provider), zap.Error(err))
			continue
		}
		keys := make([]*APIKey, 0, len(secrets))
		for i, secret := range secrets {
			keys = append(keys, &APIKey{
				Provider: provider,
				Secret:   secret,
				Index:    i,
				Weight:   1,
				state:    StateHealthy,
			})
		}
		p.keysByProvider[provider] = keys
	}
	return p, nil
}

// Acquire returns the best usable key for provider: highest effective
// weight, ties broken by (lower error_count, older last_used), then a
// round-robin rotation among the remaining tie so the Broker never sends two
// consecutive requests to the same key while an equally-healthy one exists
// (spec §4.7 ordering policy).
func (p *Pool) Acquire(provider string) (*APIKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.keysByProvider[provider]
	if len(keys) == 0 {
		return nil, ErrNoKeyAvailable
	}

	now := time.Now()
	var usable []*APIKey
	var cooling int
	for _, k := range keys {
		k.mu.Lock()
		u := k.isUsable(now)
		if k.state == StateCooling {
			cooling++
		}
		k.mu.Unlock()
		if u {
			usable = append(usable, k)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoKeyAvailable
	}
	if float64(cooling) > alertCoolingFraction*float64(len(keys)) {
		p.emitAlert(provider, cooling, len(keys))
	}

	best := bestTier(usable)
	idx := p.roundRobinIdx[provider] % len(best)
	p.roundRobinIdx[provider]++
	selected := best[idx]
	selected.mu.Lock()
	selected.lastUsed = now
	selected.mu.Unlock()
	return selected, nil
}

// bestTier returns every key tied for the top selection score, so the
// caller can round-robin among them instead of pinning to one index.
func bestTier(keys []*APIKey) []*APIKey {
	type scored struct {
		key   *APIKey
		score float64
		errs  int64
		last  time.Time
	}
	scoredKeys := make([]scored, len(keys))
	for i, k := range keys {
		k.mu.Lock()
		scoredKeys[i] = scored{key: k, score: k.effectiveWeight(), errs: k.errorCount, last: k.lastUsed}
		k.mu.Unlock()
	}

	best := scoredKeys[0]
	for _, s := range scoredKeys[1:] {
		if better(s, best) {
			best = s
		}
	}

	var tier []*APIKey
	for _, s := range scoredKeys {
		if s.score == best.score && s.errs == best.errs {
			tier = append(tier, s.key)
		}
	}
	if len(tier) == 0 {
		tier = append(tier, best.key)
	}
	return tier
}

func better(a, b struct {
	key   *APIKey
	score float64
	errs  int64
	last  time.Time
}) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.errs != b.errs {
		return a.errs < b.errs
	}
	return a.last.Before(b.last)
}

func (p *Pool) emitAlert(provider string, cooling, total int) {
	p.alertMu.Lock()
	defer p.alertMu.Unlock()
	p.alerts = append(p.alerts, Alert{Provider: provider, CoolingCount: cooling, TotalCount: total, At: time.Now()})
}

// Alerts drains and returns the pool alerts recorded since the last call.
func (p *Pool) Alerts() []Alert {
	p.alertMu.Lock()
	defer p.alertMu.Unlock()
	out := p.alerts
	p.alerts = nil
	return out
}

// MarkSuccess increments success_count, clears cooldown, returns the key to
// HEALTHY.
func (p *Pool) MarkSuccess(k *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.successCount++
	k.consecutiveFails = 0
	k.cooldownStep = 0
	k.coolingUntil = time.Time{}
	if k.state != StateDisabled {
		k.state = StateHealthy
	}
}

// MarkError increments error_count and escalates HEALTHY -> DEGRADED ->
// COOLING -> DISABLED per the consecutive-failure ladder in spec §4.1.
func (p *Pool) MarkError(k *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errorCount++
	k.consecutiveFails++
	k.lastErrorTime = time.Now()

	switch {
	case k.consecutiveFails >= DisableAfterConsecutive:
		k.state = StateDisabled
	case k.consecutiveFails >= DegradeAfterConsecutive:
		if k.state == StateHealthy {
			k.state = StateDegraded
			return
		}
		k.cooldownStep++
		cooldown := time.Duration(float64(baseCooldown) * math.Pow(cooldownFactor, float64(k.cooldownStep-1)))
		if cooldown > maxCooldown {
			cooldown = maxCooldown
		}
		k.state = StateCooling
		k.coolingUntil = time.Now().Add(cooldown)
	}
}

// MarkNetworkError applies MarkError unchanged. It has no counter of its own:
// network errors share MarkError's consecutive-failure count and ladder, so a
// run of DisableAfterConsecutive network errors disables the key.
func (p *Pool) MarkNetworkError(k *APIKey) {
	p.MarkError(k)
}

// MarkAuthError transitions the key to DISABLED immediately and
// unconditionally. Authentication errors are never auto-rehabilitated.
func (p *Pool) MarkAuthError(k *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errorCount++
	k.state = StateDisabled
	k.coolingUntil = time.Time{}
}

// MarkRateLimit transitions the key to COOLING until now + retryAfter, or
// now + min_cooldown when retryAfter is zero or absent (spec §4.1: "Retry-
// After of 0 or absent on a 429 → use min_cooldown (e.g., 30s)"). A nonzero
// retryAfter below min_cooldown is honored verbatim, never floored — spec §8
// scenario S2 relies on a 2s Retry-After producing a ~2s cooldown, not 30s.
func (p *Pool) MarkRateLimit(k *APIKey, retryAfter time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rateLimitCount++
	cooldown := retryAfter
	if cooldown <= 0 {
		cooldown = minRateLimitCooldown
	}
	k.state = StateCooling
	k.coolingUntil = time.Now().Add(cooldown)
}

// ResetCooldown clears a key's cooldown and returns it to HEALTHY
// (round-trip law from spec §8: reset_cooldown then mark_success leaves the
// key HEALTHY with cooling_until = null — this call alone already clears
// cooling_until so the pair composes).
func (p *Pool) ResetCooldown(k *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateDisabled {
		return // auth-disabled keys are not rehabilitated by cooldown reset.
	}
	k.coolingUntil = time.Time{}
	k.consecutiveFails = 0
	k.cooldownStep = 0
	k.state = StateHealthy
}

// ResetCooldowns resets every non-disabled, currently-cooling key for
// provider and returns the count reset (External Interfaces §6:
// reset_key_cooldown). index selects a single key when >= 0; -1 means "all".
func (p *Pool) ResetCooldowns(provider string, index int) int {
	p.mu.Lock()
	keys := p.keysByProvider[provider]
	p.mu.Unlock()

	n := 0
	for _, k := range keys {
		if index >= 0 && k.Index != index {
			continue
		}
		k.mu.Lock()
		wasCooling := k.state == StateCooling && k.state != StateDisabled
		k.mu.Unlock()
		if wasCooling {
			p.ResetCooldown(k)
			n++
		}
	}
	return n
}

// CountActive returns the number of usable keys for provider.
func (p *Pool) CountActive(provider string) int {
	p.mu.Lock()
	keys := p.keysByProvider[provider]
	p.mu.Unlock()

	now := time.Now()
	n := 0
	for _, k := range keys {
		k.mu.Lock()
		if k.isUsable(now) {
			n++
		}
		k.mu.Unlock()
	}
	return n
}

// IterAll returns a snapshot of every key registered for provider,
// regardless of usability.
func (p *Pool) IterAll(provider string) []Snapshot {
	p.mu.Lock()
	keys := p.keysByProvider[provider]
	p.mu.Unlock()

	out := make([]Snapshot, len(keys))
	for i, k := range keys {
		out[i] = k.Snapshot()
	}
	return out
}
