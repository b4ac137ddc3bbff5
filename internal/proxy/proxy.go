// Package proxy is the transparent forwarding core.
//
// DESIGN: Main request flow:
//   - handleProxy():   entry point for all provider API calls
//   - forward():       upstream POST with caller credentials passed through
//   - streamResponse(): SSE relay with an incremental usage tap
//   - finishTurn():    Turn logging, metrics, session health check
//
// Management endpoints (settings, usage, session status, reset) live in
// api.go. The proxy never alters provider traffic except the role rewrite
// the adapter performs, and never stores or logs caller credentials.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenspy/tokenspy/internal/adapters"
	"github.com/tokenspy/tokenspy/internal/config"
	"github.com/tokenspy/tokenspy/internal/metrics"
	"github.com/tokenspy/tokenspy/internal/session"
	"github.com/tokenspy/tokenspy/internal/settings"
	"github.com/tokenspy/tokenspy/internal/store"
	"github.com/tokenspy/tokenspy/internal/tokens"
)

// Proxy wires the adapters, store, settings, and session monitor behind
// one HTTP server.
type Proxy struct {
	cfg       *config.Config
	registry  *adapters.Registry
	store     store.Store
	settings  *settings.Manager
	monitor   *session.Monitor
	estimator *tokens.Estimator

	httpClient *http.Client
	server     *http.Server
}

// New assembles a Proxy from its collaborators.
func New(cfg *config.Config, registry *adapters.Registry, st store.Store,
	mgr *settings.Manager, monitor *session.Monitor) *Proxy {

	p := &Proxy{
		cfg:       cfg,
		registry:  registry,
		store:     st,
		settings:  mgr,
		monitor:   monitor,
		estimator: tokens.NewEstimator(),
		httpClient: &http.Client{
			// No overall timeout: SSE responses stay open for the full
			// generation. The header timeout bounds a dead upstream.
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: config.DefaultUpstreamTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}

	mux := http.NewServeMux()
	for _, name := range registry.Names() {
		adapter, err := registry.Get(name)
		if err != nil {
			continue
		}
		mux.HandleFunc(adapter.APIPath(), p.handleProxy)
	}
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/api/settings", p.handleSettings)
	mux.HandleFunc("/api/usage", p.handleUsage)
	mux.HandleFunc("/api/summary", p.handleSummary)
	mux.HandleFunc("/api/session-status", p.handleSessionStatus)
	mux.HandleFunc("/api/reset-session", p.handleResetSession)
	mux.Handle("/metrics", metrics.Handler())

	p.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return p
}

// Handler exposes the mux for tests.
func (p *Proxy) Handler() http.Handler {
	return p.server.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (p *Proxy) Start() error {
	log.Info().
		Str("addr", p.server.Addr).
		Strs("providers", p.registry.Names()).
		Msg("proxy listening")
	if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
