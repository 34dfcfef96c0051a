// Package roomclient is the client half of the room relay protocol.
//
// A Session keeps one connection to a room open. After an abnormal closure
// it reconnects after a random delay in [MinReconnectDelay,
// MaxReconnectDelay); after a clean closure it waits for Resume. Outbound
// content updates are throttled so that at most one update leaves per
// ThrottleInterval, with the latest edit of a window sent when it closes.
package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"shareroom/internal/models"
	"shareroom/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultMinReconnectDelay = 1000 * time.Millisecond
	DefaultMaxReconnectDelay = 3000 * time.Millisecond
	DefaultThrottleInterval  = 100 * time.Millisecond

	writeWait = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	// ErrRefused is returned by Run when the relay rejects the handshake,
	// for example for an unknown room or a disallowed origin.
	ErrRefused = errors.New("connection refused by relay")
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Options struct {
	// URL is the relay endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	RoomID string
	Token  string
	Origin string
	// PIN, when set, is presented on every connection before anything else,
	// so that read-protected rooms send init once it is accepted.
	PIN string
	// UserID labels this session in lock events. A random one is used
	// when empty.
	UserID string

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	ThrottleInterval  time.Duration

	Dialer *websocket.Dialer
}

// Handlers receive room events on the session's Run goroutine. Nil handlers
// are skipped.
type Handlers struct {
	OnInit         func(content string)
	OnUpdate       func(content string)
	OnLockAcquired func(userID string)
	OnLockReleased func()
	OnLockFailed   func(reason string)
	OnAuthResult   func(role models.Role, authorized bool)
	OnStatus       func(status Status)
}

type Session struct {
	opts     Options
	handlers Handlers
	resume   chan struct{}
	throttle *Throttler[string]

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
}

func New(opts Options, handlers Handlers) *Session {
	if opts.UserID == "" {
		opts.UserID = uuid.NewString()
	}
	if opts.MinReconnectDelay <= 0 {
		opts.MinReconnectDelay = DefaultMinReconnectDelay
	}
	if opts.MaxReconnectDelay <= opts.MinReconnectDelay {
		opts.MaxReconnectDelay = opts.MinReconnectDelay + (DefaultMaxReconnectDelay - DefaultMinReconnectDelay)
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	s := &Session{
		opts:     opts,
		handlers: handlers,
		resume:   make(chan struct{}, 1),
		status:   StatusDisconnected,
	}
	s.throttle = NewThrottler(opts.ThrottleInterval, s.sendUpdate)
	return s
}

func (s *Session) UserID() string { return s.opts.UserID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run keeps the session connected until ctx is done. It returns nil on
// cancellation and ErrRefused if the relay rejects the handshake.
func (s *Session) Run(ctx context.Context) error {
	defer s.throttle.Stop()

	for {
		err := s.connect(ctx)
		s.setStatus(StatusDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRefused) {
			return err
		}

		if isCleanClose(err) {
			logger.Info("Room %s closed the connection: %v", s.opts.RoomID, err)
			select {
			case <-s.resume:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		delay := s.reconnectDelay()
		logger.Warn("Connection to room %s lost: %v. Reconnecting in %v", s.opts.RoomID, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.resume:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Resume reconnects a disconnected session right away, the way a client
// does when it returns to the foreground. It is a no-op while connected.
func (s *Session) Resume() {
	if s.Status() != StatusDisconnected {
		return
	}
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// StartEditing asks for the edit lock.
func (s *Session) StartEditing() error {
	return s.write(models.InboundMessage{Type: models.MessageTypeEditingStart, UserID: s.opts.UserID})
}

// Update queues content as the new document. Sends are throttled.
func (s *Session) Update(content string) {
	s.throttle.Submit(content)
}

// Flush sends a throttled update that is still waiting for its window.
func (s *Session) Flush() {
	s.throttle.Flush()
}

// Authenticate presents a PIN on the open connection. The answer arrives
// through OnAuthResult.
func (s *Session) Authenticate(pin string) error {
	return s.write(models.InboundMessage{Type: models.MessageTypeAuth, PIN: pin})
}

func (s *Session) connect(ctx context.Context) error {
	s.setStatus(StatusConnecting)

	header := http.Header{}
	if s.opts.Origin != "" {
		header.Set("Origin", s.opts.Origin)
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.endpoint(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", ErrRefused, resp.Status)
		}
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.opts.PIN != "" {
		if err := s.Authenticate(s.opts.PIN); err != nil {
			logger.Warn("Could not authenticate to room %s: %v", s.opts.RoomID, err)
		}
	}
	s.setStatus(StatusConnected)
	s.drainResume()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.mu.Unlock()
		conn.Close()
	})
	defer stop()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Debug("Ignoring malformed event: %v", err)
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev models.Event) {
	h := s.handlers
	switch ev.Type {
	case models.MessageTypeInit:
		if h.OnInit != nil && ev.Content != nil {
			h.OnInit(*ev.Content)
		}
	case models.MessageTypeUpdate:
		if h.OnUpdate != nil && ev.Content != nil {
			h.OnUpdate(*ev.Content)
		}
	case models.MessageTypeLockAcquired:
		if h.OnLockAcquired != nil {
			h.OnLockAcquired(ev.UserID)
		}
	case models.MessageTypeLockReleased:
		if h.OnLockReleased != nil {
			h.OnLockReleased()
		}
	case models.MessageTypeLockFailed:
		if h.OnLockFailed != nil {
			h.OnLockFailed(ev.Reason)
		}
	case models.MessageTypeAuthResult:
		if h.OnAuthResult != nil {
			h.OnAuthResult(ev.Role, ev.Authorized != nil && *ev.Authorized)
		}
	default:
		logger.Debug("Ignoring event %q", ev.Type)
	}
}

func (s *Session) sendUpdate(content string) {
	err := s.write(models.InboundMessage{Type: models.MessageTypeUpdate, UserID: s.opts.UserID, Content: &content})
	if err != nil {
		logger.Warn("Dropping update for room %s: %v", s.opts.RoomID, err)
	}
}

func (s *Session) write(msg models.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed && s.handlers.OnStatus != nil {
		s.handlers.OnStatus(status)
	}
}

func (s *Session) drainResume() {
	select {
	case <-s.resume:
	default:
	}
}

func (s *Session) reconnectDelay() time.Duration {
	return jitter(s.opts.MinReconnectDelay, s.opts.MaxReconnectDelay)
}

// jitter draws uniformly from [lo, hi).
func jitter(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (s *Session) endpoint() string {
	q := url.Values{}
	q.Set("roomId", s.opts.RoomID)
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	return s.opts.URL + "?" + q.Encode()
}

// isCleanClose reports whether err is a close handshake the peer initiated,
// as opposed to a dropped connection.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}
