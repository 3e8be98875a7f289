// Package gateway serves the WhatsApp webhook, the health probe and a small
// token-protected admin API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jchavesmartinez/waba/pkg/waba/channels/whatsapp"
	"github.com/jchavesmartinez/waba/pkg/waba/copilot"
	"github.com/jchavesmartinez/waba/pkg/waba/database"
)

// Gateway is the HTTP front of the bridge.
type Gateway struct {
	assistant *copilot.Assistant
	wa        *whatsapp.WhatsApp
	db        *database.Backend
	config    copilot.GatewayConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
	version   string

	server    *http.Server
	listener  net.Listener
	errCh     chan error
	startedAt time.Time
}

// New creates a Gateway. db may be nil, in which case /health does not
// probe storage.
func New(assistant *copilot.Assistant, wa *whatsapp.WhatsApp, db *database.Backend, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	def := copilot.DefaultConfig().Gateway
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &Gateway{
		assistant: assistant,
		wa:        wa,
		db:        db,
		config:    cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:    logger.With("component", "gateway"),
		version:   "dev",
		errCh:     make(chan error, 1),
		startedAt: time.Now(),
	}
}

// SetVersion sets the version reported by /health.
func (g *Gateway) SetVersion(v string) { g.version = v }

// Handler builds the routing tree with its middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /webhook", g.handleVerify)
	mux.HandleFunc("POST /webhook", g.handleWebhook)

	if g.config.AuthToken != "" {
		mux.HandleFunc("GET /api/status", g.handleStatus)
		mux.HandleFunc("GET /api/users", g.handleUsers)
		mux.HandleFunc("GET /api/users/{id}/history", g.handleUserHistory)
		mux.HandleFunc("GET /api/users/{id}/pending", g.handleUserPending)
	}

	return g.requestIDMiddleware(
		g.accessLogMiddleware(
			g.securityHeadersMiddleware(
				g.authMiddleware(mux))))
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly; later server failures are reported on Err.
func (g *Gateway) Start(ctx context.Context) error {
	addr := g.config.ListenAddress()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.listener = ln
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if g.config.AuthToken == "" {
		g.logger.Info("admin API disabled (no auth token)")
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
			g.errCh <- err
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Err reports a server failure after Start.
func (g *Gateway) Err() <-chan error { return g.errCh }

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
