package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errSocketClosed = errors.New("socket closed")

// stubSocket is an in-memory Socket. Inbound frames are fed through a
// channel; ReadMessage blocks until a frame arrives or Close is called.
type stubSocket struct {
	frames chan []byte

	mu     sync.Mutex
	writes []Message
	closed bool

	closeOnce sync.Once
}

func newStubSocket() *stubSocket {
	return &stubSocket{frames: make(chan []byte, 8)}
}

func (s *stubSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.frames
	if !ok {
		return 0, nil, errSocketClosed
	}
	return websocket.TextMessage, data, nil
}

func (s *stubSocket) WriteMessage(_ int, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	s.writes = append(s.writes, msg)
	return nil
}

func (s *stubSocket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.frames)
	})
	return nil
}

func (s *stubSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSocket) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.writes))
	copy(out, s.writes)
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond, msg)
}

func TestRegisterReplacesStaleConnection(t *testing.T) {
	h := New(zap.NewNop())

	first := newStubSocket()
	second := newStubSocket()
	h.Register(7, first, "tok-1")
	h.Register(7, second, "tok-2")

	assert.True(t, first.isClosed(), "old connection must be force-closed")
	eventually(t, func() bool { return h.Len() == 1 }, "exactly one entry for the identity")

	h.Send(7, Message{Type: "ping"})
	eventually(t, func() bool { return len(second.sent()) == 1 }, "replacement receives sends")
	assert.Empty(t, first.sent())
}

func TestAnonymousIDsStrictlyDecreasing(t *testing.T) {
	h := New(zap.NewNop())

	seen := make(map[int64]bool)
	prev := int64(0)
	for i := 0; i < 50; i++ {
		id := h.NextAnonID()
		assert.Negative(t, id)
		assert.Less(t, id, prev)
		assert.False(t, seen[id], "anonymous identity reused")
		seen[id] = true
		prev = id
	}
}

func TestBroadcastExemptsIdentity(t *testing.T) {
	h := New(zap.NewNop())

	socks := map[int64]*stubSocket{1: newStubSocket(), 2: newStubSocket(), 3: newStubSocket()}
	for id, s := range socks {
		h.Register(id, s, "")
	}

	h.Broadcast(Message{Type: "main-app-event"}, 2)

	eventually(t, func() bool {
		return len(socks[1].sent()) == 1 && len(socks[3].sent()) == 1
	}, "non-exempt connections receive the broadcast")
	assert.Empty(t, socks[2].sent(), "exempt identity must not receive the broadcast")
}

func TestBroadcastWithUnregisteredExempt(t *testing.T) {
	h := New(zap.NewNop())

	s := newStubSocket()
	h.Register(5, s, "")

	// Exempting an identity that is not registered must still deliver to
	// everyone else.
	h.Broadcast(Message{Type: "main-app-event"}, 42)
	eventually(t, func() bool { return len(s.sent()) == 1 }, "delivery to open connection")
}

func TestSendToAbsentIdentityIsNoop(t *testing.T) {
	h := New(zap.NewNop())
	assert.NotPanics(t, func() {
		h.Send(99, Message{Type: "error", Content: "nobody home"})
	})
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	h := New(zap.NewNop())

	s := newStubSocket()
	c := h.Register(3, s, "")
	c.Close()
	c.Close() // idempotent

	require.NoError(t, c.Send(Message{Type: "late-result"}))
	assert.Empty(t, s.sent())
}

func TestCloseAllDeregistersEverything(t *testing.T) {
	h := New(zap.NewNop())

	socks := []*stubSocket{newStubSocket(), newStubSocket(), newStubSocket()}
	for i, s := range socks {
		h.Register(int64(i+1), s, "")
	}

	h.CloseAll()

	for _, s := range socks {
		assert.True(t, s.isClosed())
	}
	eventually(t, func() bool { return h.Len() == 0 }, "registry drained via close path")
}

func TestReadLoopForwardsToHandler(t *testing.T) {
	h := New(zap.NewNop())

	type received struct {
		identity int64
		token    string
		msg      Message
	}
	got := make(chan received, 1)
	h.SetHandler(func(identity int64, token string, msg Message) {
		got <- received{identity, token, msg}
	})

	s := newStubSocket()
	h.Register(11, s, "tok-11")

	s.frames <- []byte(`{"type":"all-user-repos","content":""}`)

	select {
	case r := <-got:
		assert.Equal(t, int64(11), r.identity)
		assert.Equal(t, "tok-11", r.token)
		assert.Equal(t, "all-user-repos", r.msg.Type)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestReadLoopSkipsUndecodableFrames(t *testing.T) {
	h := New(zap.NewNop())

	got := make(chan Message, 2)
	h.SetHandler(func(_ int64, _ string, msg Message) { got <- msg })

	s := newStubSocket()
	h.Register(1, s, "")

	s.frames <- []byte(`{{{not json`)
	s.frames <- []byte(`{"type":"main-app-issues"}`)

	select {
	case msg := <-got:
		assert.Equal(t, "main-app-issues", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("valid frame after a bad one was not forwarded")
	}
	assert.Empty(t, got)
}

// reentrantSocket runs a callback from inside its first WriteMessage, so a
// delivery can mutate the registry mid-broadcast the way a handler side
// effect would.
type reentrantSocket struct {
	*stubSocket
	once    sync.Once
	onWrite func()
}

func (s *reentrantSocket) WriteMessage(messageType int, data []byte) error {
	s.once.Do(func() {
		if s.onWrite != nil {
			s.onWrite()
		}
	})
	return s.stubSocket.WriteMessage(messageType, data)
}

func TestBroadcastDeliversSnapshotDespiteReentrantRegister(t *testing.T) {
	h := New(zap.NewNop())

	late := newStubSocket()
	mutator := &reentrantSocket{stubSocket: newStubSocket()}
	mutator.onWrite = func() {
		h.Register(40, late, "")
	}

	others := map[int64]*stubSocket{2: newStubSocket(), 3: newStubSocket()}
	h.Register(1, mutator, "")
	for id, s := range others {
		h.Register(id, s, "")
	}

	done := make(chan struct{})
	go func() {
		h.Broadcast(Message{Type: "main-app-event"}, NoExempt)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast deadlocked against a re-entrant Register")
	}

	// Every pre-snapshot member gets exactly one delivery; the connection
	// registered mid-broadcast gets nothing from this broadcast.
	assert.Len(t, mutator.sent(), 1)
	assert.Len(t, others[2].sent(), 1)
	assert.Len(t, others[3].sent(), 1)
	assert.Empty(t, late.sent())
	eventually(t, func() bool { return h.Len() == 4 }, "registry holds old and new entries")
}

func TestBroadcastSurvivesReentrantReplaceAndClose(t *testing.T) {
	h := New(zap.NewNop())

	replacement := newStubSocket()
	mutator := &reentrantSocket{stubSocket: newStubSocket()}
	mutator.onWrite = func() {
		h.Register(2, replacement, "")
		h.Send(3, Message{Type: "side-effect"}) // interleaved send must not corrupt iteration
	}

	second := newStubSocket()
	third := newStubSocket()
	h.Register(1, mutator, "")
	h.Register(2, second, "")
	h.Register(3, third, "")

	done := make(chan struct{})
	go func() {
		h.Broadcast(Message{Type: "main-app-event"}, NoExempt)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast deadlocked against a re-entrant replace")
	}

	// No duplicates anywhere: the replaced socket sees at most its one
	// snapshot delivery (dropped if the replacement closed it first), the
	// replacement sees nothing from the snapshot.
	assert.LessOrEqual(t, len(second.sent()), 1)
	assert.Empty(t, broadcasts(replacement.sent()))
	assert.Len(t, broadcasts(mutator.sent()), 1)
	assert.Len(t, broadcasts(third.sent()), 1)

	eventually(t, func() bool { return h.Len() == 3 }, "registry consistent after mid-broadcast replace")
	h.Send(2, Message{Type: "still-routed"})
	eventually(t, func() bool { return len(replacement.sent()) == 1 }, "replacement owns the identity")
}

func broadcasts(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == "main-app-event" {
			out = append(out, m)
		}
	}
	return out
}

func TestReplacedConnectionExitCannotEvictReplacement(t *testing.T) {
	h := New(zap.NewNop())

	first := newStubSocket()
	h.Register(8, first, "")
	second := newStubSocket()
	h.Register(8, second, "")

	// Give the first read loop time to run its cleanup.
	eventually(t, func() bool { return first.isClosed() }, "first closed")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, h.Len())
	h.Send(8, Message{Type: "still-routed"})
	eventually(t, func() bool { return len(second.sent()) == 1 }, "replacement still registered")
}
