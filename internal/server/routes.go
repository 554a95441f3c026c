package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /uploads/sessions", h.CreateSession)
	mux.HandleFunc("GET /uploads/{id}", h.GetSession)
	mux.HandleFunc("PUT /uploads/{id}/chunks/{index}", h.PutChunk)
	mux.HandleFunc("POST /uploads/{id}/finalize", h.Finalize)
	mux.HandleFunc("POST /uploads/{id}/abort", h.AbortSession)

	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /jobs/{id}/assets", h.ListAssets)

	mux.HandleFunc("POST /webhooks", h.CreateWebhook)
	mux.HandleFunc("GET /webhooks", h.ListWebhooks)
	mux.HandleFunc("DELETE /webhooks/{id}", h.DeleteWebhook)

	mux.HandleFunc("GET /blobs/{key...}", h.DownloadBlob)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
