// Package httpapi implements the REST surface: health, session CRUD, and
// history, routed with gorilla/mux and wrapped in the same CORS /
// security-headers / rate-limit middleware chain the original's
// server/middleware modules describe.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/trybotster/webterm-hubd/internal/apierror"
	"github.com/trybotster/webterm-hubd/internal/authz"
	"github.com/trybotster/webterm-hubd/internal/config"
	"github.com/trybotster/webterm-hubd/internal/jwtauth"
	"github.com/trybotster/webterm-hubd/internal/ptyproc"
	"github.com/trybotster/webterm-hubd/internal/ratelimit"
	"github.com/trybotster/webterm-hubd/internal/session"
	"github.com/trybotster/webterm-hubd/internal/wsconn"
)

// Server wires every HTTP/WebSocket dependency into a *mux.Router.
type Server struct {
	cfg       *config.Config
	sessions  *session.Manager
	pty       *ptyproc.Manager
	validator *jwtauth.Validator
	authzSvc  *authz.Service
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New builds the HTTP server with the given collaborators.
func New(cfg *config.Config, sessions *session.Manager, pty *ptyproc.Manager, validator *jwtauth.Validator, authzSvc *authz.Service, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		pty:       pty,
		validator: validator,
		authzSvc:  authzSvc,
		limiter:   limiter,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return corsAllowsOrigin(cfg, r.Header.Get("Origin"))
			},
		},
	}
}

// corsAllowsOrigin checks origin against the configured CORS allow-list, so
// both the HTTP middleware and the WebSocket upgrader share one origin
// policy. An empty allow-list admits every origin.
func corsAllowsOrigin(c *config.Config, origin string) bool {
	if len(c.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Router builds the full mux.Router with the middleware chain applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/sessions/{id}/history", s.handleSessionHistory).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)

	var handler http.Handler = r
	handler = s.securityHeaders(handler)
	handler = s.cors(handler)
	handler = s.rateLimit(handler)
	return handler
}

// ListenAndServe starts the HTTP(S) listener per config, choosing TLS 1.2+
// automatically when cert/key paths are configured.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if s.cfg.Server.TLSCertPath != "" && s.cfg.Server.TLSKeyPath != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		s.logger.Info("listening with TLS", "addr", s.cfg.Server.ListenAddr)
		return srv.ListenAndServeTLS(s.cfg.Server.TLSCertPath, s.cfg.Server.TLSKeyPath)
	}

	s.logger.Info("listening", "addr", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierror.As(err)
	if !ok {
		apiErr = apierror.Internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   apiErr.Code,
		"message": apiErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) connLimiterFactory() *ratelimit.ConnLimiter {
	return ratelimit.NewConnLimiter(s.cfg.RateLimit.MaxMessagesPerSecond)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
