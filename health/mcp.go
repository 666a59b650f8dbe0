package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/marketflow/llmbroker/types"
)

// FileOperationStrategy is returned by GetFileOperationStrategy (spec §4.4:
// get_file_operation_strategy(mcp_available, context) ->
// {MCP_PRIMARY|MCP_DEGRADED|DIRECT_FALLBACK}).
type FileOperationStrategy string

const (
	StrategyMCPPrimary     FileOperationStrategy = "MCP_PRIMARY"
	StrategyMCPDegraded    FileOperationStrategy = "MCP_DEGRADED"
	StrategyDirectFallback FileOperationStrategy = "DIRECT_FALLBACK"
)

// mcpProbeTTL is how long a combined MCP probe result is trusted before the
// next call re-probes, per spec §4.4's "~30s probe-refresh" note.
const mcpProbeTTL = 30 * time.Second

// MCPProbe combines an HTTP reachability check with a lightweight
// application-level websocket ping, following the HEALTHY/DEGRADED/UNHEALTHY
// combine rule: both succeed -> HEALTHY, exactly one succeeds -> DEGRADED,
// neither succeeds -> UNHEALTHY. There is no MCP server in the teacher
// corpus, so httpURL/wsURL are dialed directly rather than through a
// provider-specific client.
type MCPProbe struct {
	httpURL string
	wsURL   string
	client  *http.Client

	mu             sync.Mutex
	lastHealthy    bool
	lastDegraded   bool
	degradedSinceT time.Time
	lastChecked    time.Time
}

// NewMCPProbe builds a combined probe against an MCP server's HTTP health
// endpoint and its websocket endpoint.
func NewMCPProbe(httpURL, wsURL string) *MCPProbe {
	return &MCPProbe{
		httpURL: httpURL,
		wsURL:   wsURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe implements ProbeFunc for RegisterHealthCheck("mcp_server", ...).
func (p *MCPProbe) Probe(ctx context.Context) types.HealthCheckResult {
	p.mu.Lock()
	fresh := time.Since(p.lastChecked) < mcpProbeTTL
	cachedHealthy, cachedDegraded := p.lastHealthy, p.lastDegraded
	p.mu.Unlock()

	if fresh {
		return p.resultFrom(cachedHealthy, cachedDegraded)
	}

	httpOK := p.probeHTTP(ctx)
	wsOK := p.probeWebsocket(ctx)
	healthy := httpOK && wsOK
	degraded := httpOK != wsOK

	p.mu.Lock()
	if healthy {
		p.degradedSinceT = time.Time{}
	} else if p.degradedSinceT.IsZero() {
		p.degradedSinceT = time.Now()
	}
	p.lastHealthy = healthy
	p.lastDegraded = degraded
	p.lastChecked = time.Now()
	p.mu.Unlock()

	return p.resultFrom(healthy, degraded)
}

func (p *MCPProbe) resultFrom(healthy, degraded bool) types.HealthCheckResult {
	status := types.HealthUnhealthy
	switch {
	case healthy:
		status = types.HealthHealthy
	case degraded:
		status = types.HealthDegraded
	}
	return types.HealthCheckResult{
		Component: "mcp_server",
		Status:    status,
		CheckedAt: time.Now(),
	}
}

func (p *MCPProbe) probeHTTP(ctx context.Context) bool {
	if p.httpURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.httpURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *MCPProbe) probeWebsocket(ctx context.Context) bool {
	if p.wsURL == "" {
		return false
	}
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.wsURL, nil)
	if err != nil {
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "probe complete")

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	defer pingCancel()
	return conn.Ping(pingCtx) == nil
}

// DegradedSince reports since when the probe has continuously observed a
// DEGRADED or UNHEALTHY state, for the "degraded-period span" stats field.
func (p *MCPProbe) DegradedSince() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastHealthy {
		return time.Time{}, false
	}
	return p.degradedSinceT, true
}

// GetFileOperationStrategy implements spec §4.4's routing decision for file
// operations that can go through MCP or directly against a provider API.
func GetFileOperationStrategy(mcpAvailable bool, degraded bool) FileOperationStrategy {
	switch {
	case mcpAvailable && !degraded:
		return StrategyMCPPrimary
	case mcpAvailable && degraded:
		return StrategyMCPDegraded
	default:
		return StrategyDirectFallback
	}
}
