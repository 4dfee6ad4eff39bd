package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/arbot/tradecore/internal/config"
)

// handlers holds all HTTP handler dependencies for the admin surface.
type handlers struct {
	provider StatusProvider
	cfg      config.Config
	logger   *slog.Logger
}

func newHandlers(provider StatusProvider, cfg config.Config, logger *slog.Logger) *handlers {
	return &handlers{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "admin-handlers"),
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildStatusSnapshot(h.provider, h.cfg)
	respondJSON(w, snapshot)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
