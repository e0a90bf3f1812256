package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/middleware"
)

// NewRouter assembles the HTTP surface. Everything under /api/v1 except the
// login endpoint requires a valid JWT.
func NewRouter(h *Handlers, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(h.Logger))
	r.Use(middleware.Logger(h.Logger))
	if cfg.CORS.Enabled {
		r.Use(middleware.CORS(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders, cfg.CORS.MaxAgeSeconds))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.JWTAuth(h.Auth))

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", h.CreateSession)
				r.Get("/", h.ListSessions)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetSession)
					r.Post("/start", h.StartSession)
					r.Post("/pause", h.PauseSession)
					r.Post("/resume", h.ResumeSession)
					r.Delete("/", h.StopSession)
				})
			})

			r.Route("/operations", func(r chi.Router) {
				r.Post("/", h.CreateOperation)
				r.Get("/{id}", h.GetOperation)
			})

			r.Route("/profiles", func(r chi.Router) {
				r.Post("/", h.RegisterProfile)
				r.Get("/", h.ListProfiles)
				r.Get("/active", h.GetActiveProfile)
				r.Put("/active", h.SetActiveProfile)
			})

			r.Get("/status/system", h.SystemStatus)
			r.Get("/stream", h.StreamEvents)
			r.Get("/ws", h.StreamWS)
		})
	})

	return r
}
