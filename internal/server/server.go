package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"askloop/promptfeed/internal/feed"
	"askloop/promptfeed/internal/server/api"
)

// apiKeyMiddleware checks for the X-API-Key header and validates it against the provided key.
// If key is empty, it allows all requests.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			reqApiKey := r.Header.Get("X-API-Key")
			if reqApiKey == "" {
				http.Error(w, "API key required", http.StatusUnauthorized)
				return
			}

			if reqApiKey != apiKey {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RunServer starts the HTTP API and blocks until ctx is cancelled, then
// shuts down gracefully.
func RunServer(ctx context.Context, repo *feed.Repository, scheduler api.Scheduler, listenAddr string, logger zerolog.Logger, apiKey string) error {
	logger = logger.With().Str("service", "promptfeed-api").Logger()

	promptsHandler := api.NewPromptsHandler(repo, scheduler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/prompts", promptsHandler.GetPrompts)
	mux.HandleFunc("POST /v1/prompts", promptsHandler.CreatePrompt)
	mux.HandleFunc("DELETE /v1/prompts/{id}", promptsHandler.DeletePrompt)
	mux.HandleFunc("POST /v1/prompts/clear", promptsHandler.ClearExecuted)
	mux.HandleFunc("POST /v1/refresh", promptsHandler.Refresh)
	mux.HandleFunc("GET /health", healthCheckHandler)

	// Set up middleware chain for logging and request tracking
	h := hlog.NewHandler(logger)(mux)
	h = hlog.MethodHandler("method")(h)
	h = hlog.URLHandler("url")(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP Request")
	})(h)

	if apiKey != "" {
		h = apiKeyMiddleware(apiKey)(h)
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Info().Msg("API key authentication disabled")
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// One-shot asks execute an AI call inline, so writes may be slow.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddr).Msg("API Server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err

	case <-ctx.Done():
		logger.Info().Msg("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("HTTP server force close error")
			}
		} else {
			logger.Info().Msg("HTTP server shutdown complete.")
		}
		if err := <-serverErr; err != nil {
			logger.Error().Err(err).Msg("ListenAndServe error during shutdown")
		}
	}

	return nil
}

// healthCheckHandler responds to health check requests with a simple 200 OK.
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	log.Debug().Msg("Health check request received")

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("Error writing health check response")
	}
}
