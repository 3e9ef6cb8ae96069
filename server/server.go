// Package server exposes the HTTP API: health, readiness, round status and
// history, metrics, and the OAuth flow that authorizes the bot account. It
// includes configurable CORS and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chzzk-vote/telemetry"
)

// NewMux returns the HTTP handler with all routes. Admin credentials, rate
// limits and CORS origins come from deps.HTTP.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	guard := newAdminGuard(deps.HTTP)
	limiter := newRateLimiter(deps.HTTP)
	cors := newCORSPolicy(deps.HTTP.CORSOrigins)

	handlers := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/rounds", handlers.HandleRounds)

	// The callback is reached by the browser redirect and is guarded by
	// the one-time state instead of admin credentials.
	mux.HandleFunc("/auth/chzzk/start", handlers.HandleChzzkOAuthStart)
	mux.HandleFunc("/auth/chzzk/callback", handlers.HandleChzzkOAuthCallback)

	mux.HandleFunc("/admin/token", handlers.HandleAdminToken)

	guarded := limiter.wrap(guard.wrap(mux))
	limited := limiter.wrap(mux)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/admin/"), r.URL.Path == "/auth/chzzk/start":
			guarded.ServeHTTP(w, r)
		case r.URL.Path == "/auth/chzzk/callback":
			limited.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
	return cors.wrap(handler)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, deps, ln)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, deps Deps, ln net.Listener) error {
	srv := &http.Server{
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
