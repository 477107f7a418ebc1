package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/wsrelay/internal/connection"
	"github.com/rickgao/wsrelay/internal/journal"
	"github.com/rickgao/wsrelay/internal/version"
)

// Pinger checks a dependency, e.g. *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig describes what the health endpoint reports on.
type HealthConfig struct {
	Path       string
	InstanceID string
	StartedAt  time.Time
	Database   Pinger          // Optional
	Journal    *journal.Writer // Optional
}

// HealthHandler serves the health document at cfg.Path and the live peer
// list at /debug/peers.
func (h *Hub) HealthHandler(cfg HealthConfig) http.Handler {
	if cfg.Path == "" {
		cfg.Path = "/health"
	}

	mux := http.NewServeMux()

	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		manager := h.handle.Stats()

		health := struct {
			Status     string         `json:"status"`
			Instance   string         `json:"instance"`
			Version    version.Info   `json:"version"`
			Uptime     string         `json:"uptime"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Instance:   cfg.InstanceID,
			Version:    version.Get(),
			Uptime:     time.Since(cfg.StartedAt).Round(time.Second).String(),
			Components: make(map[string]any),
		}

		health.Components["connection_manager"] = manager
		health.Components["relay"] = h.Stats()
		if !manager.Running {
			health.Status = "unhealthy"
		}

		if cfg.Database != nil {
			if err := cfg.Database.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}

		if cfg.Journal != nil {
			stats := cfg.Journal.Stats()
			health.Components["journal"] = stats
			if stats.Errors > 0 && health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/peers", func(w http.ResponseWriter, r *http.Request) {
		peers := h.Peers()
		if peers == nil {
			peers = []connection.ID{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count": len(peers),
			"peers": peers,
		})
	})

	return mux
}
