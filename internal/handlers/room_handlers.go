package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"shareroom/internal/auth"
	"shareroom/internal/database"
	"shareroom/internal/models"
	"shareroom/internal/services"
	ws "shareroom/internal/websocket"
	"shareroom/pkg/logger"

	"github.com/go-chi/chi/v5"
)

type RoomHandlers struct {
	roomService *services.RoomService
}

func NewRoomHandlers(roomService *services.RoomService) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
	}
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	room, err := h.roomService.CreateRoom(r.Context(), &req)
	if err != nil {
		logger.Error("Create room error: %v", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreateRoomResponse{ID: room.ID})
}

func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	view, err := h.roomService.GetRoom(r.Context(), chi.URLParam(r, "id"), requestToken(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *RoomHandlers) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.roomService.UpdateContent(r.Context(), chi.URLParam(r, "id"), &req); err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			logger.Error("Update room error: %v", err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (h *RoomHandlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	var req models.PINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.roomService.DeleteRoom(r.Context(), chi.URLParam(r, "id"), req.PIN); err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			logger.Error("Delete room error: %v", err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

// requestToken reads a room token from the Authorization header or the
// token query parameter.
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		return header[7:]
	}
	return r.URL.Query().Get("token")
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrRoomNotFound), errors.Is(err, ws.ErrRoomDeleted):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, auth.ErrInvalidPIN):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, ws.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}
