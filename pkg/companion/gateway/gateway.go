// Package gateway provides the read-only status HTTP API of the companion.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/companion/pkg/companion/copilot"
)

// DefaultAddress is used when the config leaves the address empty.
const DefaultAddress = "127.0.0.1:8085"

// Gateway is the status HTTP API.
type Gateway struct {
	assistant *copilot.Assistant
	config    copilot.GatewayConfig
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(assistant *copilot.Assistant, cfg copilot.GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	return &Gateway{
		assistant: assistant,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.authMiddleware)

	r.Get("/health", g.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", g.handleStatus)
		r.Get("/sessions", g.handleListSessions)
		r.Get("/sessions/{id}", g.handleSessionByID)
		r.Get("/whatsapp/qr", g.handleWhatsAppQR)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start binds the listen address and serves until Stop is called. A bind
// failure is returned immediately.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
