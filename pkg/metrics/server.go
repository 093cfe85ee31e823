// HTTP server for the monitor process
//
// Serves Prometheus metrics at /metrics plus /health and /ready. Other
// components mount their routes (status, live stream) on the same router.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Gatherer renders metrics in Prometheus text format.
type Gatherer interface {
	Gather() string
}

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	// Address to listen on (e.g., ":7130" or "127.0.0.1:0")
	Address string

	// Optional basic auth credentials for /metrics
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMetricsServerConfig returns default server configuration
func DefaultMetricsServerConfig() MetricsServerConfig {
	return MetricsServerConfig{
		Address:     ":7130",
		ReadTimeout: 10 * time.Second,
		// no write timeout: websocket routes share this server
	}
}

// MetricsServer serves metrics and any extra routes over HTTP
type MetricsServer struct {
	g        Gatherer
	cfg      MetricsServerConfig
	router   *mux.Router
	server   *http.Server
	listener net.Listener

	mu      sync.RWMutex
	running bool
	started time.Time
}

// NewMetricsServer creates a metrics server
func NewMetricsServer(g Gatherer, cfg MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{g: g, cfg: cfg, router: mux.NewRouter()}
	ms.router.HandleFunc("/metrics", ms.handleMetrics).Methods(http.MethodGet, http.MethodHead)
	ms.router.HandleFunc("/health", ms.handleHealth).Methods(http.MethodGet)
	ms.router.HandleFunc("/ready", ms.handleReady).Methods(http.MethodGet)
	ms.server = &http.Server{
		Handler:      ms.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return ms
}

// Router returns the router so other components can mount routes.
func (ms *MetricsServer) Router() *mux.Router {
	return ms.router
}

// Handler returns the root handler, for tests with httptest.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.router
}

// StartAsync binds the listen address and serves in a goroutine. The
// returned channel receives a serve error, if any, and is then closed.
func (ms *MetricsServer) StartAsync() (<-chan error, error) {
	ln, err := net.Listen("tcp", ms.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("metrics server listen: %w", err)
	}
	ms.mu.Lock()
	ms.listener = ln
	ms.running = true
	ms.started = time.Now()
	ms.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	return errCh, nil
}

// Addr returns the bound address once started, or the configured one.
func (ms *MetricsServer) Addr() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.cfg.Address
}

// Shutdown gracefully shuts down the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.mu.Lock()
	ms.running = false
	ms.mu.Unlock()
	return ms.server.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (ms *MetricsServer) IsRunning() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.running
}

func (ms *MetricsServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !ms.checkAuth(w, r) {
		return
	}
	output := ms.g.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(output)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(output))
}

func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (ms *MetricsServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !ms.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready\n"))
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}

// checkAuth verifies basic auth if configured
func (ms *MetricsServer) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if ms.cfg.Username == "" && ms.cfg.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(ms.cfg.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(ms.cfg.Password)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="Palpation Metrics"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

// GetStatus returns server status for diagnostics
func (ms *MetricsServer) GetStatus() map[string]any {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	status := map[string]any{"address": ms.cfg.Address, "running": ms.running}
	if ms.running {
		status["uptime"] = time.Since(ms.started).Seconds()
	}
	return status
}
