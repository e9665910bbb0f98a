// Package server wires the relay's HTTP surface: page and login routes, the
// webhook delivery endpoint, health, and the WebSocket upgrade path.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/config"
	"github.com/reporelay/reporelay/internal/github"
	"github.com/reporelay/reporelay/internal/hub"
	"github.com/reporelay/reporelay/internal/relay"
	"github.com/reporelay/reporelay/internal/session"
	"github.com/reporelay/reporelay/internal/webhook"
	"github.com/reporelay/reporelay/pkg/health"
)

// Server owns the route table and the collaborators the handlers need.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	hub       *hub.Hub
	resolver  *session.Resolver
	store     *session.Store
	gh        *github.Client
	coord     *relay.Coordinator
	webhook   *webhook.Handler
	checker   *health.Checker
	exchanger oauthExchanger
}

// New assembles the server. The coordinator instance is shared by reference
// with the rest of the process; nothing here is a global.
func New(
	cfg *config.Config,
	h *hub.Hub,
	resolver *session.Resolver,
	store *session.Store,
	gh *github.Client,
	coord *relay.Coordinator,
	wh *webhook.Handler,
	checker *health.Checker,
	log *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		log:       log.With(zap.String("module", "server")),
		hub:       h,
		resolver:  resolver,
		store:     store,
		gh:        gh,
		coord:     coord,
		webhook:   wh,
		checker:   checker,
		exchanger: newGithubExchanger(cfg),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/login/back", s.handleLoginCallback)
	mux.HandleFunc("/user", s.handleUser)
	mux.Handle("/webhook", s.webhook)
	mux.Handle("/healthz", s.checker.Handler())
	mux.HandleFunc(s.cfg.RelayPath, s.handleRelay)
	return s.logged(mux)
}

// NewHTTPServer returns the main HTTP server for the configured address.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	payload := map[string]interface{}{
		"app":          s.cfg.AppName,
		"websock_path": s.cfg.RelayPath,
	}
	if sess := s.resolver.Resolve(r.Context(), r.Header); sess.Authenticated() {
		payload["user"] = sess.User
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	sess := s.resolver.Resolve(r.Context(), r.Header)
	if !sess.Authenticated() {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "you have to login first",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         sess.User,
		"websock_path": s.cfg.RelayPath,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("response encode failed", zap.Error(err))
	}
}

// logged is the request-logging middleware.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}
