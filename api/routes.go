package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const (
	// SubscriberHeader carries the caller identity on subscription endpoints
	SubscriberHeader = "X-Subscriber-ID"
	// SecretHeader carries the pre-shared key when auth is enabled
	SecretHeader = "X-Tailstream-Secret"
)

// NewRouter builds the /v1 API router
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Post("/sessions", h.handleCreateSession)
		r.Delete("/sessions", h.withSubscriber(h.handleCloseSession))

		r.Get("/streams", h.handleListStreams)
		r.Route("/streams/{stream}", func(r chi.Router) {
			r.Post("/", h.withStream(h.handleCreateStream))
			r.Get("/", h.withStream(h.handleDescribeStream))
			r.Delete("/", h.withStream(h.handleDropStream))

			r.Post("/events", h.withStream(h.handleAppend))
			r.Post("/batch", h.withStream(h.handleAppendBatch))
			r.Get("/events", h.withStream(h.withSubscriber(h.handleRead)))

			r.Post("/subscription", h.withStream(h.withSubscriber(h.handleSubscribe)))
			r.Delete("/subscription", h.withStream(h.withSubscriber(h.handleUnsubscribe)))
		})
	})

	return r
}

// RegisterRoutes mounts the API on mux
func RegisterRoutes(mux *http.ServeMux, h *Handlers) {
	mux.Handle("/v1/", NewRouter(h))
	log.Info().Msg("Stream API enabled at /v1/streams/*")
}
