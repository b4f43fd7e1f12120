// Package health serves the client's liveness and per-source status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/bitquery-stream/internal/stream"
)

// Overall statuses reported by /health.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusDraining  = "draining"
)

// StatusProvider reports per-source status. *stream.Multiplexer satisfies it.
type StatusProvider interface {
	Statuses() []stream.Status
}

// Pinger checks a dependency. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the handler.
type Options struct {
	Sources    StatusProvider
	DB         Pinger      // Optional
	Draining   func() bool // Optional, reports shutdown in progress
	StaleAfter time.Duration
	Now        func() time.Time
}

// Response is the /health body.
type Response struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// NewHandler returns the health mux serving /health and /debug/sources.
func NewHandler(opts Options, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := Check(ctx, opts)

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy || health.Status == StatusDraining {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/sources", func(w http.ResponseWriter, r *http.Request) {
		statuses := opts.Sources.Statuses()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":   len(statuses),
			"sources": statuses,
		})
	})

	return mux
}

// Check computes the overall status. A failed database ping is unhealthy; a
// source that is not subscribed, or has been quiet longer than StaleAfter,
// degrades it.
func Check(ctx context.Context, opts Options) Response {
	health := Response{
		Status:     StatusHealthy,
		Components: make(map[string]any),
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	if opts.DB != nil {
		if err := opts.DB.Ping(ctx); err != nil {
			health.Status = StatusUnhealthy
			health.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["timescaledb"] = "connected"
		}
	}

	sources := make(map[string]any)
	for _, st := range opts.Sources.Statuses() {
		entry := map[string]any{
			"state":       st.State,
			"connections": st.Counters.Connections,
			"messages":    st.Counters.Messages,
			"errors":      st.Counters.Errors,
		}
		if !st.LastActivity.IsZero() {
			entry["last_activity"] = st.LastActivity
		}

		stale := opts.StaleAfter > 0 && !st.LastActivity.IsZero() && now().Sub(st.LastActivity) > opts.StaleAfter
		if stale {
			entry["stale"] = true
		}
		if (st.State != stream.StateSubscribed || stale) && health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
		sources[st.Source] = entry
	}
	health.Components["sources"] = sources

	if opts.Draining != nil && opts.Draining() {
		health.Status = StatusDraining
	}

	return health
}
