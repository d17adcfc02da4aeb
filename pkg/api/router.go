package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bvbrc/workspace/internal/logger"
	"github.com/bvbrc/workspace/pkg/metrics"
)

// RouterOptions wires the handlers into the HTTP surface.
type RouterOptions struct {
	// APIRoot is the JSON-RPC endpoint path, "/api" by default.
	APIRoot string
	// RequestTimeout bounds a single request end to end.
	RequestTimeout time.Duration
	Dispatcher     *Dispatcher
	Download       *DownloadHandler
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - POST <api-root> - JSON-RPC endpoint (OPTIONS answered by CORS preflight)
//   - GET /dl/{key}/{name} - ticketed downloads
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /health - liveness probe
func NewRouter(opts RouterOptions) http.Handler {
	if opts.APIRoot == "" {
		opts.APIRoot = "/api"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	}))

	r.Post(opts.APIRoot, opts.Dispatcher.ServeHTTP)
	r.Get("/dl/{key}/{name}", opts.Download.ServeHTTP)

	if metrics.IsEnabled() {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}

// requestLogger logs requests using the internal logger: start at DEBUG,
// completion at INFO with status and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("request started",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			logger.KeyPath, r.URL.Path,
			logger.KeyRemoteAddr, r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			logger.KeyPath, r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyElapsed, time.Since(start).String(),
		)
	})
}
