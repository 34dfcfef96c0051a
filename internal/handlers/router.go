package handlers

import (
	"net/http"
	"time"

	"shareroom/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the room API and the relay endpoint.
func NewRouter(allowedOrigins []string, rooms *RoomHandlers, authHandlers *AuthHandlers, wsHandlers *WebSocketHandlers) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(metrics.Middleware)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/room", rooms.CreateRoom)
		r.Route("/room/{id}", func(r chi.Router) {
			r.Get("/", rooms.GetRoom)
			r.Post("/", authHandlers.Authorize)
			r.Put("/", rooms.UpdateRoom)
			r.Delete("/", rooms.DeleteRoom)
		})
	})

	router.Group(func(r chi.Router) {
		r.Use(RequireOrigin(allowedOrigins))
		r.Get("/ws", wsHandlers.HandleWebSocket)
		r.Get("/ws/{id}", wsHandlers.HandleWebSocket)
	})

	return router
}

// RequireOrigin rejects requests whose Origin header is missing or not in
// the allow-list.
func RequireOrigin(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !originAllowed(r.Header.Get("Origin"), allowed) {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
