package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporelay/reporelay/internal/session"
)

func dialRelay(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/websock"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForLen(t *testing.T, env *testEnv, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.hub.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d connections, have %d", want, env.hub.Len())
}

func TestRelayAnonymousUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.srv.Handler())
	defer srv.Close()

	dialRelay(t, srv, nil)
	waitForLen(t, env, 1)

	dialRelay(t, srv, nil)
	waitForLen(t, env, 2)
}

func TestRelayAuthenticatedUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.srv.Handler())
	defer srv.Close()

	cookie := env.sessionCookie(t, func(s *session.Session) {
		s.User = &session.User{ID: 42, Login: "octocat"}
		s.AccessToken = "gho_live"
	})
	header := http.Header{}
	header.Set("Cookie", cookie.String())

	dialRelay(t, srv, header)
	waitForLen(t, env, 1)

	// A second handshake for the same identity replaces the first; the
	// hub keeps exactly one live connection.
	dialRelay(t, srv, header)
	waitForLen(t, env, 1)
}

func TestRelayRejectsCrossOriginHandshake(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.srv.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/websock"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}
}
