package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"shareroom/internal/auth"
	"shareroom/internal/models"
	"shareroom/internal/services"
	"shareroom/pkg/logger"

	"github.com/go-chi/chi/v5"
)

type AuthHandlers struct {
	roomService *services.RoomService
}

func NewAuthHandlers(roomService *services.RoomService) *AuthHandlers {
	return &AuthHandlers{
		roomService: roomService,
	}
}

// Authorize exchanges a room PIN for a role and a room token.
func (h *AuthHandlers) Authorize(w http.ResponseWriter, r *http.Request) {
	var req models.PINRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	response, err := h.roomService.Authorize(r.Context(), chi.URLParam(r, "id"), req.PIN)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, response)
			return
		}
		logger.Error("Authorize error: %v", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}
