package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	httpmiddleware "github.com/wolfeidau/brigade/internal/http"
	"github.com/wolfeidau/brigade/internal/logger"
	"github.com/wolfeidau/brigade/internal/onboarding"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Onboarder runs subscription onboarding.
type Onboarder interface {
	CreateSubscription(ctx context.Context, req onboarding.Request) (*onboarding.Result, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls the HTTP API.
type Config struct {
	// CORSOrigins are allowed to call the API from a browser.
	CORSOrigins []string

	// RetryAfter is advertised on 503 responses. Default: 5s
	RetryAfter time.Duration

	// MaxBodyBytes bounds request bodies. Default: 64KiB
	MaxBodyBytes int64
}

// Server exposes onboarding over HTTP JSON.
type Server struct {
	cfg       Config
	onboarder Onboarder
	health    Pinger
}

// NewServer creates a new server. health may be nil.
func NewServer(onboarder Onboarder, health Pinger, cfg Config) *Server {
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}

	return &Server{
		cfg:       cfg,
		onboarder: onboarder,
		health:    health,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("POST /v1/subscriptions", otelhttp.WithRouteTag("/v1/subscriptions", http.HandlerFunc(s.handleCreateSubscription)))

	var handler http.Handler = mux
	handler = logger.RequestLogger(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware()(handler)
	handler = httpmiddleware.RequestIDMiddleware()(handler)
	handler = withCORS(s.cfg.CORSOrigins, handler)

	return otelhttp.NewHandler(handler, "brigade")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.health.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withCORS adds CORS support for browser clients of the JSON API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", idempotencyKeyHeader, httpmiddleware.RequestIDHeader},
		ExposedHeaders: []string{"Retry-After", httpmiddleware.RequestIDHeader},
		MaxAge:         600,
	})
	return middleware.Handler(h)
}
