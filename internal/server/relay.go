package server

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin; browsers must match the host.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// handleRelay authenticates the upgrade handshake against the session store
// and registers the resulting connection. Resolution failures degrade to an
// anonymous identity; the upgrade itself is never rejected for auth reasons.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	sess := s.resolver.Resolve(r.Context(), r.Header)

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	if sess.Authenticated() {
		s.hub.Register(sess.User.ID, sock, sess.AccessToken)
		s.log.Info("connection registered",
			zap.Int64("identity", sess.User.ID), zap.String("login", sess.User.Login))
		return
	}

	identity := s.hub.NextAnonID()
	s.hub.Register(identity, sock, "")
	s.log.Info("anonymous connection registered", zap.Int64("identity", identity))
}
