// Package ops serves the operational surface both binaries expose:
// liveness, readiness against named dependency probes, and prometheus
// metrics.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check probes one dependency for readiness. The name shows up in logs
// and in the 503 body so on-call can tell postgres from sqs at a glance.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func Readyz(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				http.Error(w, c.Name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Mux bundles the full operational surface on one handler, for binaries
// that have no partner-facing router of their own.
func Mux(readyTimeout time.Duration, checks ...Check) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", Healthz())
	m.HandleFunc("/readyz", Readyz(readyTimeout, checks...))
	return m
}
