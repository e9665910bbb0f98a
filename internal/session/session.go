// Package session implements the signed-cookie session layer backed by Redis.
// Sessions are created by the login flow and resolved again during the
// WebSocket upgrade handshake.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reporelay/reporelay/pkg/redis"
)

const keyPrefix = "sess:"

// User is the subset of GitHub user data kept with a session.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Session is the payload stored under a session id.
type Session struct {
	ID          string `json:"-"`
	User        *User  `json:"user,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	OAuthState  string `json:"oauth_state,omitempty"`
}

// Authenticated reports whether the session carries a logged-in user.
func (s *Session) Authenticated() bool {
	return s != nil && s.User != nil && s.AccessToken != ""
}

// Store persists sessions in Redis with a TTL.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// NewStore creates a session store. A zero ttl means sessions never expire.
func NewStore(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		log: log.With(zap.String("module", "session")),
	}
}

// New creates an empty session with a fresh id. It is not persisted until Put.
func (st *Store) New() *Session {
	return &Session{ID: uuid.NewString()}
}

// Get loads the session for id. A missing session returns (nil, nil).
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := st.rdb.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	s := &Session{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("session decode: %w", err)
	}
	s.ID = id
	return s, nil
}

// Put persists the session under its id, refreshing the TTL.
func (st *Store) Put(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := st.rdb.Set(ctx, keyPrefix+s.ID, raw, st.ttl).Err(); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return nil
}

// Delete removes the session for id. Deleting a missing session is not an error.
func (st *Store) Delete(ctx context.Context, id string) error {
	if err := st.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// Regenerate gives the session a new id, dropping the old entry. The payload
// carries over. Used on login and logout so a pre-auth session id never
// outlives the privilege change.
func (st *Store) Regenerate(ctx context.Context, s *Session) (*Session, error) {
	if s.ID != "" {
		if err := st.Delete(ctx, s.ID); err != nil {
			st.log.Warn("failed to drop old session on regenerate", zap.Error(err))
		}
	}
	fresh := &Session{
		ID:          uuid.NewString(),
		User:        s.User,
		AccessToken: s.AccessToken,
	}
	if err := st.Put(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Sign produces the signed cookie value for a session id:
// "s:<id>.<base64 hmac-sha256(id, secret)>", padding stripped. The format is
// compatible with cookie sessions written by express-session.
func Sign(id, secret string) string {
	return "s:" + id + "." + signature(id, secret)
}

// Unsign verifies a signed cookie value and returns the embedded session id.
func Unsign(value, secret string) (string, bool) {
	if !strings.HasPrefix(value, "s:") {
		return "", false
	}
	rest := value[2:]
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return "", false
	}
	id, mac := rest[:dot], rest[dot+1:]
	if !hmac.Equal([]byte(mac), []byte(signature(id, secret))) {
		return "", false
	}
	return id, true
}

func signature(id, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(id))
	sig := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return strings.TrimRight(sig, "=")
}
