package roomclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"shareroom/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay accepts connections, greets them with init and records what
// clients send.
type fakeRelay struct {
	*httptest.Server
	accepted chan *websocket.Conn
	received chan models.InboundMessage
	reject   int
	rooms    chan string
}

func newFakeRelay(t *testing.T) *fakeRelay {
	return newRejectingRelay(t, 0)
}

func newRejectingRelay(t *testing.T, reject int) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		reject:   reject,
		accepted: make(chan *websocket.Conn, 8),
		received: make(chan models.InboundMessage, 64),
		rooms:    make(chan string, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.reject != 0 {
			http.Error(w, "no", r.reject)
			return
		}
		r.rooms <- req.URL.Query().Get("roomId")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		content := "hi"
		conn.WriteJSON(models.InitEvent(content))
		r.accepted <- conn

		for {
			var msg models.InboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			r.received <- msg
		}
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.URL, "http")
}

func (r *fakeRelay) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.accepted:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (r *fakeRelay) expectNoConn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-r.accepted:
		t.Fatal("unexpected reconnect")
	case <-time.After(within):
	}
}

func (r *fakeRelay) nextMessage(t *testing.T) models.InboundMessage {
	t.Helper()
	select {
	case msg := <-r.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return models.InboundMessage{}
	}
}

type events struct {
	mu       sync.Mutex
	inits    []string
	updates  []string
	holders  []string
	released int
	statuses []Status
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnInit: func(c string) { e.mu.Lock(); e.inits = append(e.inits, c); e.mu.Unlock() },
		OnUpdate: func(c string) {
			e.mu.Lock()
			e.updates = append(e.updates, c)
			e.mu.Unlock()
		},
		OnLockAcquired: func(u string) { e.mu.Lock(); e.holders = append(e.holders, u); e.mu.Unlock() },
		OnLockReleased: func() { e.mu.Lock(); e.released++; e.mu.Unlock() },
		OnStatus:       func(s Status) { e.mu.Lock(); e.statuses = append(e.statuses, s); e.mu.Unlock() },
	}
}

func (e *events) snapshot() events {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events{
		inits:    append([]string(nil), e.inits...),
		updates:  append([]string(nil), e.updates...),
		holders:  append([]string(nil), e.holders...),
		released: e.released,
		statuses: append([]Status(nil), e.statuses...),
	}
}

func startSession(t *testing.T, relay *fakeRelay, ev *events) (*Session, context.CancelFunc, chan error) {
	t.Helper()
	s := New(Options{
		URL:               relay.url(),
		RoomID:            "room-1",
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Millisecond,
	}, ev.handlers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return s, cancel, done
}

func TestSessionDeliversEvents(t *testing.T) {
	relay := newFakeRelay(t)
	ev := &events{}
	s, _, _ := startSession(t, relay, ev)

	conn := relay.waitConn(t)
	assert.Equal(t, "room-1", <-relay.rooms)
	assert.NotEmpty(t, s.UserID())

	require.NoError(t, conn.WriteJSON(models.UpdateEvent("remote")))
	require.NoError(t, conn.WriteJSON(models.LockAcquiredEvent("bob")))
	require.NoError(t, conn.WriteJSON(models.LockReleasedEvent()))

	assert.Eventually(t, func() bool {
		got := ev.snapshot()
		return len(got.inits) == 1 && len(got.updates) == 1 && len(got.holders) == 1 && got.released == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := ev.snapshot()
	assert.Equal(t, "hi", got.inits[0])
	assert.Equal(t, "remote", got.updates[0])
	assert.Equal(t, "bob", got.holders[0])
	assert.Equal(t, StatusConnected, s.Status())
}

func TestSessionSendsThrottledUpdates(t *testing.T) {
	relay := newFakeRelay(t)
	s, _, _ := startSession(t, relay, &events{})
	relay.waitConn(t)
	assert.Eventually(t, func() bool { return s.Status() == StatusConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.StartEditing())
	msg := relay.nextMessage(t)
	assert.Equal(t, models.MessageTypeEditingStart, msg.Type)
	assert.Equal(t, s.UserID(), msg.UserID)

	s.Update("a")
	s.Update("ab")
	s.Update("abc")

	first := relay.nextMessage(t)
	assert.Equal(t, models.MessageTypeUpdate, first.Type)
	assert.Equal(t, "a", *first.Content)
	last := relay.nextMessage(t)
	assert.Equal(t, "abc", *last.Content)
	assert.Equal(t, s.UserID(), last.UserID)

	select {
	case extra := <-relay.received:
		t.Fatalf("unexpected message %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionReconnectsAfterAbnormalClose(t *testing.T) {
	relay := newFakeRelay(t)
	ev := &events{}
	startSession(t, relay, ev)

	conn := relay.waitConn(t)
	conn.Close()

	relay.waitConn(t)
	assert.Eventually(t, func() bool { return len(ev.snapshot().inits) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ev.snapshot().statuses, StatusDisconnected)
}

func TestSessionStaysClosedAfterCleanClose(t *testing.T) {
	relay := newFakeRelay(t)
	s, _, _ := startSession(t, relay, &events{})

	conn := relay.waitConn(t)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	relay.expectNoConn(t, 200*time.Millisecond)
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.ErrorIs(t, s.StartEditing(), ErrNotConnected)

	s.Resume()
	relay.waitConn(t)
}

func TestSessionResumeIsIgnoredWhileConnected(t *testing.T) {
	relay := newFakeRelay(t)
	s, _, _ := startSession(t, relay, &events{})

	conn := relay.waitConn(t)
	assert.Eventually(t, func() bool { return s.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	s.Resume()

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	relay.expectNoConn(t, 200*time.Millisecond)
}

func TestSessionRefused(t *testing.T) {
	relay := newRejectingRelay(t, http.StatusNotFound)
	_, _, done := startSession(t, relay, &events{})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRefused)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSessionCancelClosesCleanly(t *testing.T) {
	relay := newFakeRelay(t)
	s, cancel, done := startSession(t, relay, &events{})
	relay.waitConn(t)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StatusDisconnected, s.Status())
	relay.expectNoConn(t, 100*time.Millisecond)
}

func TestJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitter(DefaultMinReconnectDelay, DefaultMaxReconnectDelay)
		assert.GreaterOrEqual(t, d, DefaultMinReconnectDelay)
		assert.Less(t, d, DefaultMaxReconnectDelay)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Options{URL: "ws://x/ws", RoomID: "r"}, Handlers{})
	assert.Equal(t, DefaultMinReconnectDelay, s.opts.MinReconnectDelay)
	assert.Equal(t, DefaultMaxReconnectDelay, s.opts.MaxReconnectDelay)
	assert.Equal(t, DefaultThrottleInterval, s.opts.ThrottleInterval)
	assert.Equal(t, "ws://x/ws?roomId=r", s.endpoint())
}

func TestSessionPresentsPINOnEveryConnection(t *testing.T) {
	relay := newFakeRelay(t)
	s := New(Options{
		URL:               relay.url(),
		RoomID:            "room-1",
		PIN:               "654321",
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Millisecond,
	}, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn := relay.waitConn(t)
	msg := relay.nextMessage(t)
	assert.Equal(t, models.MessageTypeAuth, msg.Type)
	assert.Equal(t, "654321", msg.PIN)

	conn.Close()
	relay.waitConn(t)
	msg = relay.nextMessage(t)
	assert.Equal(t, models.MessageTypeAuth, msg.Type)
	assert.Equal(t, "654321", msg.PIN)
}
