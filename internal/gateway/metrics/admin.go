package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/logger"
)

// StatsProvider supplies live gauges for the /stats endpoint.
type StatsProvider interface {
	SessionCount() int
}

// AdminServer serves /metrics, /healthz and /stats on a separate port.
type AdminServer struct {
	instanceID string
	startedAt  time.Time
	collector  *Collector
	stats      StatsProvider
	srv        *http.Server
}

// NewAdminServer builds the admin listener for the given port.
func NewAdminServer(port int, collector *Collector, stats StatsProvider) *AdminServer {
	a := &AdminServer{
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		collector:  collector,
		stats:      stats,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/stats", a.handleStats)

	a.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

// Start runs the listener until Shutdown.
func (a *AdminServer) Start() error {
	logger.Info("[Admin] listening", "addr", a.srv.Addr, "instance", a.instanceID)
	if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *AdminServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"instance": a.instanceID,
		"uptime":   time.Since(a.startedAt).Round(time.Second).String(),
	}
	if a.stats != nil {
		stats["sessions"] = a.stats.SessionCount()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
