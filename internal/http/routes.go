package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/observability/statsd"
	"github.com/threat-thinker/ttserve/internal/service"
)

// apiPrefixes are the mount points for the job API; routes answer on both.
var apiPrefixes = []string{"", "/v1"}

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs *service.JobService
	// Limiter gates /analyze; nil disables rate limiting.
	Limiter core.RateLimiter
	// ClientIP resolves the caller address for IP-scoped limits. Optional.
	ClientIP *ClientIPResolver

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	Limits    config.LimitsConfig
	CORS      config.CORSConfig

	Logger  *slog.Logger // Optional: request and error logging
	Metrics statsd.Sink  // Optional: admission metrics
}

// NewRouter creates and configures the HTTP router with its middleware chain.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{
		Svc:          services.Jobs,
		MaxBodyBytes: services.Limits.MaxBodyBytes,
		Logger:       logger,
	}
	auth := NewAPIKeyAuthenticator(services.Auth)
	limit := RateLimit(RateLimitOptions{
		Limiter:  services.Limiter,
		Config:   services.RateLimit,
		ClientIP: services.ClientIP,
		Logger:   logger,
		Metrics:  services.Metrics,
	})

	registerJobRoutes(mux, jobHandlers, RequireAPIKey(auth), limit)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Jobs, logger))
	mux.Handle("/", http.HandlerFunc(notFoundHandler))

	var handler http.Handler = mux
	if services.CORS.Enabled {
		handler = CORS(services.CORS, auth.HeaderName())(handler)
	}
	handler = Logging(logger)(handler)
	handler = RequestID()(handler)
	return Recover(logger)(handler)
}

// registerJobRoutes mounts the job API. Submissions are rate limited after
// authentication so api_key scoped windows see the caller's key.
func registerJobRoutes(
	mux *http.ServeMux,
	h *JobHandlers,
	authed, limited func(http.Handler) http.Handler,
) {
	for _, prefix := range apiPrefixes {
		mux.Handle("POST "+prefix+"/analyze", authed(limited(http.HandlerFunc(h.Analyze))))
		mux.Handle("GET "+prefix+"/jobs/{id}", authed(http.HandlerFunc(h.Status)))
		mux.Handle("GET "+prefix+"/jobs/{id}/result", authed(http.HandlerFunc(h.Result)))
		mux.Handle("GET "+prefix+"/jobs/{id}/result.zip", authed(http.HandlerFunc(h.ResultArchive)))
	}
}

func notFoundHandler(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, ErrorParams{
		Code:    http.StatusNotFound,
		ErrCode: "not_found",
		Err:     errors.New("Not found."),
	})
}
