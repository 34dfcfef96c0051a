package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shareroom/internal/auth"
	"shareroom/internal/config"
	"shareroom/internal/models"
	"shareroom/internal/persistence"
	"shareroom/internal/services"
	"shareroom/internal/testhelpers"
	ws "shareroom/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	origin  = "http://localhost:3000"
	editPIN = "123456"
	readPIN = "654321"
)

type testServer struct {
	*httptest.Server
	rooms *testhelpers.Rooms
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, fast := testhelpers.SetupFastStore(t)
	db := testhelpers.NewRooms()

	cfg := config.Defaults()
	cfg.JWT.Secret = []byte("test-secret")
	cfg.Server.AllowedOrigins = []string{origin}
	cfg.Relay.BackupDelay = time.Hour

	pipeline := persistence.NewPipeline(fast, db, cfg.Relay.BackupDelay)
	hubs := ws.NewManager(pipeline, cfg.Relay)
	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db, pipeline, hubs, authService, fast)

	router := NewRouter(cfg.Server.AllowedOrigins,
		NewRoomHandlers(roomService),
		NewAuthHandlers(roomService),
		NewWebSocketHandlers(authService, roomService, hubs, cfg.Server.AllowedOrigins, cfg.Relay.MaxMessageBytes),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		hubs.Shutdown(context.Background())
	})
	return &testServer{Server: srv, rooms: db}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) createRoom(t *testing.T, readPin string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/room", models.CreateRoomRequest{EditPIN: editPIN, ReadPIN: readPin})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.Len(t, id, 10)
	return id
}

func (s *testServer) token(t *testing.T, roomID, pin string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/room/"+roomID, models.PINRequest{PIN: pin})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["token"].(string)
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?" + query
	header := http.Header{"Origin": []string{origin}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, want models.MessageType) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, want, ev.Type)
	return ev
}

func TestCreateRoom(t *testing.T) {
	s := newTestServer(t)
	s.createRoom(t, "")

	resp, body := s.do(t, http.MethodPost, "/room", models.CreateRoomRequest{EditPIN: "12"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["error"])

	resp, _ = s.do(t, http.MethodPost, "/room", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRoom(t *testing.T) {
	s := newTestServer(t)
	public := s.createRoom(t, "")
	protected := s.createRoom(t, readPIN)

	resp, body := s.do(t, http.MethodGet, "/room/"+public, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", body["content"])
	assert.Equal(t, false, body["requiresReadAuth"])

	resp, body = s.do(t, http.MethodGet, "/room/"+protected, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["content"])
	assert.Equal(t, true, body["requiresReadAuth"])

	resp, body = s.do(t, http.MethodGet, "/room/"+protected+"?token="+s.token(t, protected, readPIN), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", body["content"])

	resp, _ = s.do(t, http.MethodGet, "/room/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthorizeRoom(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, readPIN)

	resp, body := s.do(t, http.MethodPost, "/room/"+id, models.PINRequest{PIN: editPIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["authorized"])
	assert.Equal(t, "editor", body["role"])

	resp, body = s.do(t, http.MethodPost, "/room/"+id, models.PINRequest{PIN: readPIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "viewer", body["role"])

	resp, body = s.do(t, http.MethodPost, "/room/"+id, models.PINRequest{PIN: "000000"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["authorized"])

	resp, _ = s.do(t, http.MethodPost, "/room/nope", models.PINRequest{PIN: editPIN})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateRoom(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, "")

	resp, _ := s.do(t, http.MethodPut, "/room/"+id, models.UpdateContentRequest{Content: "x", PIN: "000000"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := s.do(t, http.MethodPut, "/room/"+id, models.UpdateContentRequest{Content: "hello", PIN: editPIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "hello", s.rooms.Content(id))

	_, body = s.do(t, http.MethodGet, "/room/"+id, nil)
	assert.Equal(t, "hello", body["content"])
}

func TestUpdateRoomConflictsWithLockHolder(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, "")
	editor := s.dial(t, "roomId="+id+"&token="+s.token(t, id, editPIN))
	watcher := s.dial(t, "roomId="+id)
	readEvent(t, editor, models.MessageTypeInit)
	readEvent(t, watcher, models.MessageTypeInit)

	require.NoError(t, editor.WriteJSON(models.InboundMessage{Type: models.MessageTypeEditingStart, UserID: "alice"}))
	readEvent(t, watcher, models.MessageTypeLockAcquired)

	resp, _ := s.do(t, http.MethodPut, "/room/"+id, models.UpdateContentRequest{Content: "api", PIN: editPIN})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	editor.Close()
	readEvent(t, watcher, models.MessageTypeLockReleased)

	resp, _ = s.do(t, http.MethodPut, "/room/"+id, models.UpdateContentRequest{Content: "api", PIN: editPIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ev := readEvent(t, watcher, models.MessageTypeUpdate)
	assert.Equal(t, "api", *ev.Content)
}

func TestDeleteRoomClosesConnections(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, "")
	conn := s.dial(t, "roomId="+id)
	readEvent(t, conn, models.MessageTypeInit)

	resp, _ := s.do(t, http.MethodDelete, "/room/"+id, models.PINRequest{PIN: "000000"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/room/"+id, models.PINRequest{PIN: editPIN})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, ws.CloseRoomDeleted), "got %v", err)

	resp, _ = s.do(t, http.MethodGet, "/room/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayOriginGuard(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, "")

	for _, o := range []string{"", "http://evil.example"} {
		req, err := http.NewRequest(http.MethodGet, s.URL+"/ws?roomId="+id, nil)
		require.NoError(t, err)
		if o != "" {
			req.Header.Set("Origin", o)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "origin %q", o)
	}

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?roomId=" + id
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelayPlainRequestReturnsContent(t *testing.T) {
	s := newTestServer(t)
	public := s.createRoom(t, "")
	protected := s.createRoom(t, readPIN)
	s.do(t, http.MethodPut, "/room/"+public, models.UpdateContentRequest{Content: "plain", PIN: editPIN})

	resp, body := s.do(t, http.MethodGet, "/ws?roomId="+public, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plain", body["content"])

	resp, _ = s.do(t, http.MethodGet, "/ws/"+protected, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/ws?roomId=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayEditingSession(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, "")
	token := s.token(t, id, editPIN)

	a := s.dial(t, "roomId="+id+"&token="+token)
	b := s.dial(t, "roomId="+id+"&token="+token)
	readEvent(t, a, models.MessageTypeInit)
	readEvent(t, b, models.MessageTypeInit)

	require.NoError(t, a.WriteJSON(models.InboundMessage{Type: models.MessageTypeEditingStart, UserID: "alice"}))
	ev := readEvent(t, b, models.MessageTypeLockAcquired)
	assert.Equal(t, "alice", ev.UserID)

	require.NoError(t, b.WriteJSON(models.InboundMessage{Type: models.MessageTypeEditingStart, UserID: "bob"}))
	readEvent(t, b, models.MessageTypeLockFailed)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))

	content := "shared text"
	require.NoError(t, a.WriteJSON(models.InboundMessage{Type: models.MessageTypeUpdate, UserID: "alice", Content: &content}))
	ev = readEvent(t, b, models.MessageTypeUpdate)
	assert.Equal(t, content, *ev.Content)

	c := s.dial(t, "roomId="+id)
	ev = readEvent(t, c, models.MessageTypeInit)
	assert.Equal(t, content, *ev.Content)
}

func TestRelayInBandAuth(t *testing.T) {
	s := newTestServer(t)
	id := s.createRoom(t, readPIN)
	conn := s.dial(t, "roomId="+id)

	require.NoError(t, conn.WriteJSON(models.InboundMessage{Type: models.MessageTypeAuth, PIN: "000000"}))
	ev := readEvent(t, conn, models.MessageTypeAuthResult)
	assert.False(t, *ev.Authorized)

	require.NoError(t, conn.WriteJSON(models.InboundMessage{Type: models.MessageTypeAuth, PIN: readPIN}))
	ev = readEvent(t, conn, models.MessageTypeAuthResult)
	assert.True(t, *ev.Authorized)
	assert.Equal(t, models.RoleViewer, ev.Role)
	ev = readEvent(t, conn, models.MessageTypeInit)
	assert.Equal(t, "", *ev.Content)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, s.URL+"/room", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
