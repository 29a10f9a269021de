package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/wearlink/core"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
)

// maxWebhookBody caps how much of a webhook delivery is read.
const maxWebhookBody = 1 << 20

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Core    *core.Core
	Logger  logger.Logger
	Metrics *telemetry.Sink

	// RequestTimeout bounds every non-webhook request. Zero disables it.
	RequestTimeout time.Duration
}

type handlers struct {
	core    *core.Core
	logger  logger.Logger
	metrics *telemetry.Sink
	now     func() time.Time
}

// Handler creates and returns the main HTTP handler for wearlink.
func Handler(props *HandlerProperties) http.Handler {
	log := props.Logger
	if log == nil {
		log = logger.NewNop()
	}
	h := &handlers{
		core:    props.Core,
		logger:  log.WithSubsystem("http"),
		metrics: props.Metrics,
		now:     time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method "+r.Method+" not allowed")
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/health", h.health)

		// Vendors sign the raw body, so webhooks skip the timeout wrapper
		// and read the body themselves.
		v1.Post("/webhooks/{vendor}", h.webhook)

		v1.Group(func(api chi.Router) {
			if props.RequestTimeout > 0 {
				api.Use(middleware.Timeout(props.RequestTimeout))
			}
			api.Get("/sys/metrics", h.metricsDisplay)
			api.Get("/tokens", h.listTokens)
			api.Get("/sync", h.listCursors)
			api.Get("/webhooks/recent", h.recentWebhooks)

			api.Route("/{vendor}", func(vr chi.Router) {
				vr.Get("/oauth/authorize", h.authorize)
				vr.Get("/oauth/callback", h.callback)
				vr.Post("/oauth/callback", h.callback)

				vr.Get("/ratelimit", h.rateLimitStatus)
				vr.Delete("/ratelimit", h.rateLimitReset)

				vr.Route("/users/{user_id}", func(ur chi.Router) {
					ur.Post("/pull", h.pull)
					ur.Post("/backfill", h.backfill)
					ur.Get("/data/{resource_type}", h.fetch)
					ur.Get("/data/{resource_type}/{resource_id}", h.fetch)
					ur.Get("/token", h.getToken)
					ur.Post("/token/refresh", h.refreshToken)
					ur.Delete("/token", h.revokeToken)
				})
			})
		})
	})
	return r
}

// requestLogger logs one line per request through the service logger.
func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []logger.TypedField{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.String("remote", r.RemoteAddr),
		}
		switch {
		case ww.Status() >= 500:
			h.logger.Warn("request failed", fields...)
		default:
			h.logger.Debug("request", fields...)
		}
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	respondOk(w, map[string]interface{}{
		"status":  "ok",
		"vendors": h.core.Vendors(),
		"time":    h.now().UTC(),
	})
}

func (h *handlers) metricsDisplay(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		respondError(w, r, http.StatusNotFound, "not_found", "metrics are disabled")
		return
	}
	data, err := h.metrics.Display(w, r)
	if err != nil {
		respondErr(w, r, "", err)
		return
	}
	respondOk(w, data)
}
