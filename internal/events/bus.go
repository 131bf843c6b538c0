// Package events is a thin, awaitable facade over the MailStore: publish,
// claim_next, ack, fail, requeue, plus a publish-hook list invoked
// synchronously after each successful durable append. It is deliberately
// free of its own storage — durability lives entirely in mailstore.Store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/swarm/internal/mailstore"
)

// PublishHook is invoked, in registration order, after an event has been
// durably appended. Hooks are synchronous and must not block for long —
// they run on the publishing goroutine.
type PublishHook func(ctx context.Context, event mailstore.Event)

// Bus wraps a mailstore.Store with publish-hook fan-out and input
// coercion. It has no state of its own beyond the hook list, so it may be
// constructed cheaply per process.
type Bus struct {
	store *mailstore.Store

	mu    sync.RWMutex
	hooks []PublishHook
}

// NewBus wraps store.
func NewBus(store *mailstore.Store) *Bus {
	return &Bus{store: store}
}

// AddPublishHook registers fn to run after every successful Publish.
func (b *Bus) AddPublishHook(fn PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Publish coerces input into the canonical Event shape, durably appends it,
// backfills the assigned id into the payload under "event_id" for
// consumers, and then runs every registered publish hook. Returns the
// assigned id.
func (b *Bus) Publish(ctx context.Context, input interface{}) (int64, error) {
	event, err := Coerce(input)
	if err != nil {
		return 0, err
	}

	id, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		return 0, err
	}
	event.ID = id
	if event.Payload == nil {
		event.Payload = map[string]interface{}{}
	}
	event.Payload["event_id"] = id

	b.mu.RLock()
	hooks := append([]PublishHook(nil), b.hooks...)
	b.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, event)
	}
	return id, nil
}

// ClaimNext blocks (up to timeout, or until ctx is cancelled) for the next
// matching PENDING event, per the MailStore's routing and lease rules.
func (b *Bus) ClaimNext(ctx context.Context, consumerID string, timeout time.Duration, targetAgent string, includeUnrouted bool, leaseSeconds int) (*mailstore.Event, error) {
	return b.store.ClaimNextEvent(ctx, consumerID, timeout, targetAgent, includeUnrouted, leaseSeconds)
}

// Ack marks id DONE.
func (b *Bus) Ack(ctx context.Context, id int64, consumerID string) error {
	return b.store.AckEvent(ctx, id, consumerID)
}

// Fail marks id FAILED with errMsg.
func (b *Bus) Fail(ctx context.Context, id int64, errMsg, consumerID string) error {
	return b.store.FailEvent(ctx, id, errMsg, consumerID)
}

// Requeue returns id to PENDING for redelivery.
func (b *Bus) Requeue(ctx context.Context, id int64, consumerID, errMsg string) error {
	return b.store.RequeueEvent(ctx, id, consumerID, errMsg)
}

// QSize returns the number of events currently PENDING.
func (b *Bus) QSize(ctx context.Context) (int, error) {
	counts, err := b.store.StatusCounts(ctx)
	if err != nil {
		return 0, err
	}
	return counts[mailstore.StatusPending], nil
}

// Coerce converts any event-like input — a mailstore.Event, a
// map[string]interface{}, or any JSON-marshalable struct with matching
// field names — into the canonical Event shape, rejecting input missing
// type or origin_id.
func Coerce(input interface{}) (mailstore.Event, error) {
	switch v := input.(type) {
	case mailstore.Event:
		return validate(v)
	case *mailstore.Event:
		return validate(*v)
	case map[string]interface{}:
		return coerceMap(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return mailstore.Event{}, fmt.Errorf("events: coerce: %w", err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return mailstore.Event{}, fmt.Errorf("events: coerce: input is not mapping-like: %w", err)
		}
		return coerceMap(m)
	}
}

func coerceMap(m map[string]interface{}) (mailstore.Event, error) {
	ev := mailstore.Event{
		Type:          stringField(m, "type"),
		OriginID:      stringField(m, "origin_id"),
		TargetAgent:   stringField(m, "target_agent"),
		CorrelationID: stringField(m, "correlation_id"),
		Justification: stringField(m, "justification"),
	}
	if payload, ok := m["payload"].(map[string]interface{}); ok {
		ev.Payload = payload
	}
	return validate(ev)
}

func validate(ev mailstore.Event) (mailstore.Event, error) {
	if ev.Type == "" {
		return mailstore.Event{}, fmt.Errorf("%w: missing type", mailstore.ErrValidation)
	}
	if ev.OriginID == "" {
		return mailstore.Event{}, fmt.Errorf("%w: missing origin_id", mailstore.ErrValidation)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	return ev, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
