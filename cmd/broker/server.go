package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/marketflow/llmbroker/broker"
	"github.com/marketflow/llmbroker/config"
	"github.com/marketflow/llmbroker/internal/metrics"
	"github.com/marketflow/llmbroker/internal/server"
	"github.com/marketflow/llmbroker/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server owns the broker's two listeners: the API port (send/stream/stats/
// reset_key_cooldown/register_service_health_update, plus health/version)
// and a separate metrics port serving /metrics for Prometheus scraping.
// Grounded on the teacher's cmd/agentflow/server.go Server, minus the
// hot-reload manager and config-mutation API — both out of scope for the
// broker's static, process-lifetime configuration (SPEC_FULL.md §A.3).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	broker *broker.Broker

	httpManager    *server.Manager
	metricsManager *server.Manager

	handlers *apiHandlers
	metrics  *metrics.Collector

	wg sync.WaitGroup
}

// NewServer builds a Server around an already-wired broker.Broker.
func NewServer(cfg *config.Config, logger *zap.Logger, b *broker.Broker) *Server {
	return &Server{cfg: cfg, logger: logger, broker: b}
}

// Start initializes the metrics collector and handlers, then brings up
// both listeners. It does not block; call WaitForShutdown to park the
// calling goroutine until shutdown.
func (s *Server) Start() error {
	s.metrics = metrics.NewCollector("llmbroker", s.logger)
	s.handlers = newAPIHandlers(s.broker, s.logger)

	if s.cfg.Health.IntervalSeconds > 0 && s.broker.Health() != nil {
		s.broker.Health().Start(context.Background())
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("broker started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/version", s.handleVersion)

	mux.HandleFunc(pathSend, s.handlers.HandleSend)
	mux.HandleFunc(pathStream, s.handlers.HandleStream)
	mux.HandleFunc(pathStats, s.handlers.HandleStats)
	mux.HandleFunc(pathResetCooldown, s.handlers.HandleResetKeyCooldown)
	mux.HandleFunc(pathRegisterHealth, s.handlers.HandleRegisterServiceHealthUpdate)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metrics),
		CORS(nil),
		RateLimiter(context.Background(), 50, 100, s.logger),
		APIKeyAuth(apiKeysFromEnv(), skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// handleHealth reports process liveness unconditionally: it never consults
// the health monitor, so a degraded provider never takes the process out of
// its own load balancer rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness from the broker's autonomy score: a score
// of 0 (every collaborator failing at once) takes the process out of
// rotation, everything else is considered ready to serve.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := stats.Collect(s.broker)
	if snap.AutonomyScore <= 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "autonomy_score": snap.AutonomyScore})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "autonomy_score": snap.AutonomyScore})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// WaitForShutdown blocks until signaled, then shuts every collaborator
// down via Shutdown.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown tears the server down: health probing first (it would otherwise
// keep calling providers mid-drain), then both listeners.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.broker.Health() != nil {
		s.broker.Health().Stop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics shutdown error", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// apiKeysFromEnv reads BROKER_API_KEYS (comma-separated) for the server's
// own inbound API-key auth, distinct from BROKER_APIKEYS_<PROVIDER> which
// holds outbound provider credentials. An empty list disables APIKeyAuth,
// leaving the API routes unauthenticated.
func apiKeysFromEnv() []string {
	raw := os.Getenv("BROKER_API_KEYS")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
