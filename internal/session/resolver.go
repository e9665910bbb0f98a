package session

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// Resolver turns the upgrade handshake headers into a session, or nil.
//
// Resolution never surfaces an error: a missing cookie, a bad signature or a
// store failure all degrade to an anonymous connection, because webhook
// relaying for the shared app repository must keep working for observers that
// never logged in.
type Resolver struct {
	store  *Store
	cookie string
	secret string
	log    *zap.Logger
}

// NewResolver creates a resolver for the configured cookie name and signing
// secret.
func NewResolver(store *Store, cookieName, secret string, log *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cookie: cookieName,
		secret: secret,
		log:    log.With(zap.String("module", "session")),
	}
}

// Resolve extracts and verifies the signed session cookie from the request
// headers and loads the session from the store. Returns nil for anonymous.
func (r *Resolver) Resolve(ctx context.Context, header http.Header) *Session {
	req := &http.Request{Header: header}
	cookie, err := req.Cookie(r.cookie)
	if err != nil {
		return nil
	}

	// Cookie values written by the login flow are URL-encoded ("s%3A...").
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		value = cookie.Value
	}

	id, ok := Unsign(value, r.secret)
	if !ok {
		r.log.Debug("session cookie failed signature check")
		return nil
	}

	s, err := r.store.Get(ctx, id)
	if err != nil {
		r.log.Debug("session store lookup failed", zap.Error(err))
		return nil
	}
	return s
}
