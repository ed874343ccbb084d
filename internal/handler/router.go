package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionHandler "github.com/tumicodes/support-desk/backend/internal/handler/session"
	"github.com/tumicodes/support-desk/backend/internal/handler/ws"
	middlewarePkg "github.com/tumicodes/support-desk/backend/internal/middleware"
	"github.com/tumicodes/support-desk/backend/internal/service/broker"
	"github.com/tumicodes/support-desk/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the session broker.
func NewRouter(b *broker.Broker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	// Create handlers
	sessions := sessionHandler.New(b)
	wsHandler := ws.New(b)

	r.Get("/health", handleHealth)

	r.Route("/api", func(api chi.Router) {
		sessions.RegisterRoutes(api)
	})

	// The visitor duplex transport lives at the root, outside /api
	wsHandler.RegisterRoutes(r)

	return r
}

// handleHealth 健康检查
func handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "TumiCodes Support System",
	})
}
