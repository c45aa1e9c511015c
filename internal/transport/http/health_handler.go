package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"licensegate/internal/infrastructure"
	"licensegate/internal/store"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st store.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  st,
		logger: logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the probe response body.
type HealthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	ServerTime time.Time `json:"server_time"`
}

// Render implements render.Renderer.
func (h *HealthResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// Routes returns the chi router for health endpoints.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Live)
	r.Get("/ready", h.Ready)
	return r
}

// Live handles GET /health. It reports process liveness only.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	_ = render.Render(w, r, &HealthResponse{
		Status:     "ok",
		Version:    infrastructure.ServiceVersion,
		ServerTime: time.Now().UTC(),
	})
}

// Ready handles GET /health/ready. It additionally pings the store, so a
// database outage flips readiness without killing the process.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "store ping failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, &HealthResponse{
			Status:     "degraded",
			Version:    infrastructure.ServiceVersion,
			ServerTime: time.Now().UTC(),
		})
		return
	}

	_ = render.Render(w, r, &HealthResponse{
		Status:     "ok",
		Version:    infrastructure.ServiceVersion,
		ServerTime: time.Now().UTC(),
	})
}
