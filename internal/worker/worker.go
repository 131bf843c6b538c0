// Package worker implements the Worker Runtime: the per-process
// claim-dispatch-ack loop that every agent process runs. Workers never
// communicate with each other directly — all interaction flows through
// events published on the bus. Grounded on the teacher's fabric.Hub
// bookkeeping style (small per-entity state, atomic counters for hot
// fields) generalized from message routing to a claim loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ocx/swarm/internal/events"
	"github.com/ocx/swarm/internal/gateway"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/metrics"
)

// EventTypeSupervisorHeartbeat is acked as a liveness touch with no
// further dispatch.
const EventTypeSupervisorHeartbeat = "SUPERVISOR_HEARTBEAT"

// EventTypeToolRequest is forwarded to the Tool Gateway; its result is
// published as EventTypeToolResult targeted back at the requester.
const (
	EventTypeToolRequest = "TOOL_REQUEST"
	EventTypeToolResult  = "TOOL_RESULT"
)

// Handler processes one domain-specific event. Returning an error fails the
// event with that error's message; the worker loop then continues to the
// next claim.
type Handler func(ctx context.Context, ev mailstore.Event) error

// Config configures a Worker at construction time.
type Config struct {
	AgentID         string
	ConsumerID      string // defaults to "worker:<agent>:<unix-ms>" if empty
	ClaimTimeout    time.Duration
	LeaseSeconds    int
	IncludeUnrouted bool
	HeartbeatEvery  time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Registry
}

// Worker is one agent process's claim-dispatch-ack loop.
type Worker struct {
	bus     *events.Bus
	store   *mailstore.Store
	gw      *gateway.Gateway
	cfg     Config
	log     *slog.Logger
	handler map[string]Handler

	eventsProcessed atomic.Int64
	eventsFailed    atomic.Int64

	lastHeartbeat time.Time
}

// New constructs a Worker for one agent. gw may be nil if the agent never
// issues TOOL_REQUEST events.
func New(bus *events.Bus, store *mailstore.Store, gw *gateway.Gateway, cfg Config) *Worker {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = fmt.Sprintf("worker:%s:%d", cfg.AgentID, time.Now().UnixMilli())
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Second
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 30
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		bus:     bus,
		store:   store,
		gw:      gw,
		cfg:     cfg,
		log:     cfg.Logger.With("agent", cfg.AgentID, "consumer", cfg.ConsumerID),
		handler: make(map[string]Handler),
	}
}

// RegisterHandler wires a domain-specific handler for eventType.
// SUPERVISOR_HEARTBEAT and TOOL_REQUEST always take the built-in dispatch;
// a handler registered for either type is never called.
func (w *Worker) RegisterHandler(eventType string, h Handler) {
	w.handler[eventType] = h
}

// ConsumerID returns this worker's unique leaseholder identity.
func (w *Worker) ConsumerID() string { return w.cfg.ConsumerID }

// EventsProcessed reports the lifetime count of successfully dispatched
// events; each is counted before its Ack is written.
func (w *Worker) EventsProcessed() int64 { return w.eventsProcessed.Load() }

// EventsFailed reports the lifetime count of events that reached Fail.
func (w *Worker) EventsFailed() int64 { return w.eventsFailed.Load() }

// Run loops claim -> dispatch -> ack/fail until ctx is cancelled, touching
// the worker heartbeat at cfg.HeartbeatEvery.
func (w *Worker) Run(ctx context.Context) error {
	w.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(w.lastHeartbeat) >= w.cfg.HeartbeatEvery {
			w.heartbeat(ctx)
		}

		ev, err := w.bus.ClaimNext(ctx, w.cfg.ConsumerID, w.cfg.ClaimTimeout, w.cfg.AgentID, w.cfg.IncludeUnrouted, w.cfg.LeaseSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Warn("claim error", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.EventsClaimed.WithLabelValues(w.cfg.AgentID).Inc()
		}

		if dispatchErr := w.dispatch(ctx, *ev); dispatchErr != nil {
			w.eventsFailed.Add(1)
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.EventsFailed.WithLabelValues(w.cfg.AgentID).Inc()
			}
			if ackErr := w.bus.Fail(ctx, ev.ID, dispatchErr.Error(), w.cfg.ConsumerID); ackErr != nil {
				w.log.Error("fail ack mismatch", "event_id", ev.ID, "error", ackErr)
			}
			continue
		}
		w.eventsProcessed.Add(1)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.EventsAcked.WithLabelValues(w.cfg.AgentID).Inc()
		}
		if err := w.bus.Ack(ctx, ev.ID, w.cfg.ConsumerID); err != nil {
			w.log.Error("ack mismatch", "event_id", ev.ID, "error", err)
		}
	}
}

// dispatch type-routes one claimed event to the built-in handling for
// SUPERVISOR_HEARTBEAT/TOOL_REQUEST, or to a registered domain handler.
func (w *Worker) dispatch(ctx context.Context, ev mailstore.Event) error {
	switch ev.Type {
	case EventTypeSupervisorHeartbeat:
		return nil
	case EventTypeToolRequest:
		return w.dispatchToolRequest(ctx, ev)
	}
	if h, ok := w.handler[ev.Type]; ok {
		return h(ctx, ev)
	}
	return fmt.Errorf("worker: no handler registered for event type %q", ev.Type)
}

func (w *Worker) dispatchToolRequest(ctx context.Context, ev mailstore.Event) error {
	if w.gw == nil {
		return fmt.Errorf("worker: received TOOL_REQUEST but no gateway is configured")
	}
	req := gateway.Request{
		AgentID:        w.cfg.AgentID,
		CorrelationID:  ev.CorrelationID,
		WorkingDir:     stringPayload(ev.Payload, "working_dir"),
		ActionType:     stringPayload(ev.Payload, "action_type"),
		IdempotencyKey: stringPayload(ev.Payload, "idempotency_key"),
		AuthorizedBy:   stringPayload(ev.Payload, "authorized_by"),
		AllowDuplicate: boolPayload(ev.Payload, "allow_duplicate"),
	}
	if payload, ok := ev.Payload["payload"].(map[string]interface{}); ok {
		req.Payload = payload
	}

	result, err := w.gw.Invoke(ctx, req)
	if err != nil {
		return fmt.Errorf("worker: gateway invoke: %w", err)
	}

	resultPayload := map[string]interface{}{
		"allowed":     result.Allowed,
		"reason":      result.Reason,
		"return_code": result.ReturnCode,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"audit_id":    result.AuditID,
	}
	_, err = w.bus.Publish(ctx, mailstore.Event{
		Type:          EventTypeToolResult,
		OriginID:      w.cfg.AgentID,
		TargetAgent:   ev.OriginID,
		CorrelationID: ev.CorrelationID,
		Payload:       resultPayload,
	})
	return err
}

func (w *Worker) heartbeat(ctx context.Context) {
	w.lastHeartbeat = time.Now().UTC()
	if err := w.store.RecordWorkerHeartbeat(ctx, w.cfg.AgentID, w.cfg.ConsumerID, os.Getpid(), w.lastHeartbeat); err != nil {
		w.log.Warn("heartbeat write failed", "error", err)
	}
}

func stringPayload(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolPayload(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
