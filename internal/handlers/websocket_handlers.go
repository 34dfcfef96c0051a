package handlers

import (
	"context"
	"errors"
	"net/http"

	"shareroom/internal/auth"
	"shareroom/internal/models"
	"shareroom/internal/services"
	ws "shareroom/internal/websocket"
	"shareroom/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	roomService *services.RoomService
	hubManager  *ws.Manager
	readLimit   int64
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, roomService *services.RoomService, hubManager *ws.Manager, allowedOrigins []string, readLimit int64) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		roomService: roomService,
		hubManager:  hubManager,
		readLimit:   readLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), allowedOrigins)
			},
		},
	}
}

// HandleWebSocket attaches a connection to a room. Plain requests without an
// upgrade get the room content as JSON.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		roomID = r.URL.Query().Get("roomId")
	}
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "missing roomId")
		return
	}

	_, role, err := h.roomService.ResolveRole(r.Context(), roomID, requestToken(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		h.serveContent(w, r, roomID, role)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	authorize := func(ctx context.Context, pin string) (models.Role, error) {
		return h.authService.Authorize(ctx, roomID, pin)
	}
	client := ws.NewClient(conn, role, authorize, h.readLimit)

	if _, err := h.hubManager.Join(r.Context(), roomID, client); err != nil {
		logger.Warn("Connection to room %s refused: %v", roomID, err)
		code, reason := websocket.CloseInternalServerErr, "room unavailable"
		if errors.Is(err, ws.ErrRoomDeleted) {
			code, reason = ws.CloseRoomDeleted, "room deleted"
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *WebSocketHandlers) serveContent(w http.ResponseWriter, r *http.Request, roomID string, role models.Role) {
	if !role.CanRead() {
		writeError(w, http.StatusUnauthorized, "read access required")
		return
	}

	content, err := h.roomService.Content(r.Context(), roomID)
	if err != nil {
		logger.Error("Error reading room %s: %v", roomID, err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ContentResponse{Content: content})
}
