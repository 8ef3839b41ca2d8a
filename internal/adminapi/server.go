// Package adminapi is a local operator HTTP surface:
// health/status/stats/rules for operator tooling, guarded by RS256
// bearer tokens. Uses a chi route-grouping idiom for public versus
// authenticated routes.
package adminapi

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/fastapi-guard/guard-agent-go/internal/agent"
	"github.com/fastapi-guard/guard-agent-go/internal/config"
)

// Server exposes a *Handler's status/stats/rules over HTTP for local
// operator tooling. It is an optional, separately wired surface: the
// core's Go API remains agent.Handler.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    config.AdminAPISection

	handler *agent.Handler

	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey

	limiter *rate.Limiter
}

// New constructs a Server. cfg.PublicKey/PrivateKey must already be
// loaded (config.Load does this). A zero RateLimitPerMinute disables
// the golang.org/x/time/rate ingress guard entirely.
func New(cfg config.AdminAPISection, h *agent.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pub, err := ParsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), cfg.RateLimitPerMinute)
	}

	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.Named("admin-api"),
		cfg:        cfg,
		handler:    h,
		publicKey:  pub,
		privateKey: priv,
		limiter:    limiter,
	}
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.rateLimit)
	}

	r.Group(func(r chi.Router) {
		r.Post("/v1/auth/token", s.login)
		r.Get("/healthz", s.health)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.publicKey, s.logger))
		r.Get("/v1/status", s.status)
		r.Get("/v1/stats", s.stats)
		r.Get("/v1/rules", s.rules)
	})
}

// rateLimit is the golang.org/x/time/rate ingress guard distinct from
// the core's fixed-window limiter (see internal/resilience.RateLimiter)
// — this one throttles the admin surface itself, not outbound calls to
// the remote service.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Username != s.cfg.OperatorUsername {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.OperatorSecretHash), []byte(body.Secret)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	ttl := s.cfg.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	token, expiresAt, err := signToken(s.privateKey, body.Username, ttl)
	if err != nil {
		s.logger.Error("token signing failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(time.Until(expiresAt).Seconds()),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.handler.Healthy() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Status())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Stats())
}

func (s *Server) rules(w http.ResponseWriter, r *http.Request) {
	rules := s.handler.DynamicRules()
	if rules == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no rules cached yet"})
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
