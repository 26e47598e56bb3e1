package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/eksporyuk/broadcast-engine/internal/pkg/httputil"
)

var serverStart = time.Now()

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{
			"status": "healthy",
			"uptime": time.Since(serverStart).Round(time.Second).String(),
		})
	})

	// Engagement tracking endpoints live outside /api: the links are
	// embedded in delivered messages and must stay short and unauthenticated.
	if h.tracking != nil {
		r.Mount("/track", h.tracking.Routes())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/broadcast", func(r chi.Router) {
			r.Get("/", h.HandleListBroadcasts)
			r.Post("/", h.HandleCreateBroadcast)

			// Gateway webhook for asynchronous delivery receipts
			// (bounces, deferred sends).
			if h.tracking != nil {
				r.Post("/events", h.tracking.HandleEvent)
			}

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.HandleGetBroadcast)
				r.Put("/", h.HandleUpdateBroadcast)
				r.Delete("/", h.HandleDeleteBroadcast)

				r.Post("/send", h.HandleSendBroadcast)
				r.Post("/schedule", h.HandleScheduleBroadcast)
				r.Delete("/schedule", h.HandleCancelSchedule)
				r.Post("/cancel", h.HandleCancelBroadcast)
			})
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.HandleGetCredits)
			r.Post("/topup", h.HandleTopUpCredits)
		})
	})

	return r
}
