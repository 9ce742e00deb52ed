package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/api/middleware"
	"github.com/eldtechnologies/agentrelay/internal/breaker"
	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/bus/remote"
	"github.com/eldtechnologies/agentrelay/internal/handlers"
	"github.com/eldtechnologies/agentrelay/internal/ingest"
	"github.com/eldtechnologies/agentrelay/internal/store"
)

// MaxBodyBytes caps request bodies; raw platform payloads ride along with
// messages.
const MaxBodyBytes = 1 << 20

// Deps is everything the router serves from.
type Deps struct {
	Store    store.DataStore // the guarded store
	Ingest   *ingest.Service
	Breakers *breaker.Group
	Bus      *bus.Bus

	// Redis enables rate limiting of the write surface when set.
	Redis          *redis.Client
	RateWhitelist  []string
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(MaxBodyBytes))
	r.Use(middleware.RequireJSON)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Redis != nil {
		limiter := middleware.NewRateLimiter(deps.Redis, logger, middleware.RateLimiterConfig{Whitelist: deps.RateWhitelist})
		r.Use(limiter.Middleware)
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Store, deps.Ingest, deps.Breakers, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	r.Route("/messaging", func(r chi.Router) {
		r.Get("/agents/{agentId}/servers", h.AgentServers)
		r.Get("/dm-channel", h.DMChannel)

		if deps.Bus != nil {
			r.Handle("/events", remote.Handler(deps.Bus, logger))
		}

		r.Route("/central-servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Post("/", h.CreateServer)
			r.Get("/{serverId}", h.GetServer)
			r.Delete("/{serverId}", h.DeleteServer)
			r.Get("/{serverId}/channels", h.ServerChannels)
			r.Get("/{serverId}/agents", h.ServerAgents)
			r.Post("/{serverId}/agents", h.AddAgentToServer)
			r.Delete("/{serverId}/agents/{agentId}", h.RemoveAgentFromServer)
		})

		r.Route("/central-channels", func(r chi.Router) {
			r.Post("/", h.CreateChannel)
			r.Get("/{channelId}/details", h.ChannelDetails)
			r.Patch("/{channelId}", h.UpdateChannel)
			r.Delete("/{channelId}", h.DeleteChannel)

			r.Get("/{channelId}/participants", h.ChannelParticipants)
			r.Post("/{channelId}/participants", h.AddChannelParticipants)
			r.Delete("/{channelId}/participants/{userId}", h.RemoveChannelParticipant)

			r.Get("/{channelId}/messages", h.ListMessages)
			r.Post("/{channelId}/messages", h.PostMessage)
			r.Delete("/{channelId}/messages", h.ClearChannel)
			r.Delete("/{channelId}/messages/{messageId}", h.DeleteMessage)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}
