// Package relay exposes particle streams over HTTP NDJSON and WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"chatstream/internal/adapter/dialect"
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/middleware"
)

const (
	defaultMaxBodyBytes = 4 * 1024 * 1024
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

// Runner streams the particles of one operation. The particle channel is
// closed before the error channel yields; callers must drain it.
type Runner interface {
	Stream(ctx context.Context, d domain.Dispatch) (<-chan domain.Particle, <-chan error)
}

// Resolver turns relay requests into dispatch descriptors.
type Resolver interface {
	Resolve(req upstream.Request) (domain.Dispatch, error)
	Names() []string
}

// Server is the particle relay.
type Server struct {
	cfg      config.RelayConfig
	runner   Runner
	resolver Resolver
	auth     Authenticator // nil runs the relay without authentication
	logger   *slog.Logger

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	conns     map[uint64]*wsConn
	nextID    atomic.Uint64
}

// NewServer creates a relay server. A nil auth disables authentication,
// which Start only permits on loopback addresses.
func NewServer(cfg config.RelayConfig, runner Runner, resolver Resolver, auth Authenticator, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		resolver: resolver,
		auth:     auth,
		logger:   logger,
		conns:    make(map[uint64]*wsConn),
	}
}

// Handler returns the relay's routes behind the middleware stack. ctx
// bounds the rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/dialects", s.handleDialects)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	var h http.Handler = mux
	if s.cfg.RateLimit > 0 {
		h = middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RateLimit,
			TrustedProxies: s.cfg.TrustedProxies,
		}, s.logger)(h)
	}
	h = middleware.SecurityHeaders(h)
	return middleware.Recover(s.logger)(h)
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.auth == nil && !isLoopback(s.cfg.Addr) {
		return fmt.Errorf("relay: refusing to serve %s without tokens", s.cfg.Addr)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	if s.auth == nil {
		s.logger.Warn("relay running without authentication", "addr", s.BoundAddr())
	}
	s.logger.Info("relay started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

// Stop closes WebSocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for id, cc := range s.conns {
		conns = append(conns, cc)
		delete(s.conns, id)
	}
	srv := s.httpSrv
	s.mu.Unlock()

	for _, cc := range conns {
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}

	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) authorize(r *http.Request, allowQuery bool) (*ClientInfo, error) {
	if s.auth == nil {
		return anonymous, nil
	}
	return s.auth.Authenticate(bearerToken(r, allowQuery))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDialects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"dialects": dialect.IDs()})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorize(r, false); err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, domain.CodeRelayAuth, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": s.resolver.Names()})
}

// resolveStatus maps a Resolve failure to an HTTP status.
func resolveStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newOperationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
