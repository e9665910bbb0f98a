package server

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/markbates/goth"
	githubprov "github.com/markbates/goth/providers/github"
	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/config"
	"github.com/reporelay/reporelay/internal/session"
)

// oauthScopes is what the relay asks GitHub for: enough to read the
// principal's repositories and manage their hooks.
var oauthScopes = []string{"repo", "admin:repo_hook"}

// oauthExchanger is the OAuth authorization-code flow boundary. The real
// implementation delegates to the goth GitHub provider; tests substitute a
// stub so no exchange leaves the process.
type oauthExchanger interface {
	AuthURL(state string) (string, error)
	Exchange(params goth.Params) (token string, err error)
}

type githubExchanger struct {
	provider *githubprov.Provider
}

func newGithubExchanger(cfg *config.Config) *githubExchanger {
	return &githubExchanger{
		provider: githubprov.New(
			cfg.GithubClientID,
			cfg.GithubClientSecret,
			cfg.OAuthCallbackURL,
			oauthScopes...,
		),
	}
}

func (g *githubExchanger) AuthURL(state string) (string, error) {
	sess, err := g.provider.BeginAuth(state)
	if err != nil {
		return "", err
	}
	return sess.GetAuthURL()
}

func (g *githubExchanger) Exchange(params goth.Params) (string, error) {
	sess := &githubprov.Session{}
	return sess.Authorize(g.provider, params)
}

// handleLogin starts or short-circuits the GitHub login, or logs out when
// the logout query flag is set.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.resolver.Resolve(ctx, r.Header)

	if r.URL.Query().Get("logout") != "" {
		s.logout(w, r)
		return
	}

	// An access token that still validates means the user is already
	// logged in.
	if sess.Authenticated() && s.gh.CheckToken(ctx, sess.AccessToken) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if sess == nil {
		sess = s.store.New()
	}
	// Drop any stale login state before starting over.
	sess.User = nil
	sess.AccessToken = ""
	sess.OAuthState = uuid.NewString()
	if err := s.store.Put(ctx, sess); err != nil {
		s.log.Error("failed to persist login state", zap.Error(err))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	authURL, err := s.exchanger.AuthURL(sess.OAuthState)
	if err != nil {
		s.log.Error("failed to build authorization URL", zap.Error(err))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, sess.ID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleLoginCallback finishes the GitHub login. The state token stored with
// the session must match the one GitHub echoes back; a mismatch is most
// likely a forged request and is answered with a bare 400.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.resolver.Resolve(ctx, r.Header)
	query := r.URL.Query()

	if sess == nil || sess.OAuthState == "" || sess.OAuthState != query.Get("state") {
		http.Error(w, "unsecure login request", http.StatusBadRequest)
		return
	}

	token, err := s.exchanger.Exchange(query)
	if err != nil {
		s.log.Warn("code exchange failed", zap.Error(err))
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	acct, err := s.gh.User(ctx, token)
	if err != nil {
		s.log.Warn("user fetch after login failed", zap.Error(err))
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	sess.User = &session.User{
		ID:        acct.ID,
		Login:     acct.Login,
		Name:      acct.Name,
		AvatarURL: acct.AvatarURL,
	}
	sess.AccessToken = token
	sess.OAuthState = ""

	// A fresh session id on privilege change.
	fresh, err := s.store.Regenerate(ctx, sess)
	if err != nil {
		s.log.Error("session regenerate failed", zap.Error(err))
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, fresh.ID)
	s.log.Info("login completed", zap.String("login", acct.Login), zap.Int64("id", acct.ID))
	http.Redirect(w, r, "/", http.StatusFound)
}

// logout revokes the access token (best effort) and discards the session.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := s.resolver.Resolve(ctx, r.Header)

	if sess != nil {
		if sess.AccessToken != "" && !s.gh.RevokeToken(ctx, sess.AccessToken) {
			s.log.Warn("token revocation failed on logout")
		}
		if err := s.store.Delete(ctx, sess.ID); err != nil {
			s.log.Warn("session delete failed on logout", zap.Error(err))
		}
	}

	s.clearSessionCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    url.QueryEscape(session.Sign(id, s.cfg.SessionSecret)),
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
