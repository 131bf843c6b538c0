// Package metrics holds the Prometheus instrumentation shared by the
// run-supervisor, run-projector and run-governance binaries. Grounded on the teacher's
// internal/escrow/metrics.go: a single struct of promauto-registered
// vectors, built once per process and threaded into whichever component
// needs to record against it.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge this core's processes emit. Not
// every process uses every field; an idle field simply never gets a
// sample.
type Registry struct {
	EventsClaimed    *prometheus.CounterVec
	EventsAcked      *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	WorkerRestarts   *prometheus.CounterVec
	WorkersDisabled  *prometheus.CounterVec
	GatewayDenials   *prometheus.CounterVec
	GatewayInvokes   *prometheus.CounterVec
	ProjectionCycle  prometheus.Histogram
	GovernanceCycle  prometheus.Histogram
	RegistryVersion  prometheus.Gauge
	QuarantineCount  prometheus.Gauge
	StabilityMetric  prometheus.Gauge
}

// New constructs and registers a fresh Registry against the default
// Prometheus registerer. Call once per process.
func New() *Registry {
	return &Registry{
		EventsClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_events_claimed_total",
			Help: "Total events claimed off the mailstore, by agent.",
		}, []string{"agent_id"}),
		EventsAcked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_events_acked_total",
			Help: "Total events acked, by agent.",
		}, []string{"agent_id"}),
		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_events_failed_total",
			Help: "Total events failed, by agent.",
		}, []string{"agent_id"}),
		WorkerRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_worker_restarts_total",
			Help: "Total worker restarts scheduled by the supervisor.",
		}, []string{"agent_id"}),
		WorkersDisabled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_workers_disabled_total",
			Help: "Total workers disabled after sustained restart failure.",
		}, []string{"agent_id"}),
		GatewayDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_gateway_denials_total",
			Help: "Total Tool Gateway requests denied, by reason.",
		}, []string{"reason"}),
		GatewayInvokes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_gateway_invokes_total",
			Help: "Total Tool Gateway requests, by action type and outcome.",
		}, []string{"action_type", "allowed"}),
		ProjectionCycle: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_projection_cycle_seconds",
			Help:    "Duration of one projection materializer cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		GovernanceCycle: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarm_governance_cycle_seconds",
			Help:    "Duration of one governance engine cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		RegistryVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_governance_registry_version",
			Help: "Current monotonic version of the governance registry.",
		}),
		QuarantineCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_governance_quarantined_agents",
			Help: "Number of agents quarantined by the latest governance cycle.",
		}),
		StabilityMetric: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_governance_stability_metric",
			Help: "Latest population-variance stability metric.",
		}),
	}
}

// Serve starts a /metrics HTTP endpoint on addr and blocks until ctx is
// cancelled, then shuts the server down. A zero addr disables the server
// and Serve returns immediately.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if log != nil {
			log.Error("metrics server exited", "error", err)
		}
		return err
	}
}
