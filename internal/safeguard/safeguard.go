// Package safeguard is the legacy in-process path for gating external
// actions, independent of the Tool Gateway: an endpoint whitelist, a
// simulated-methods restriction, a mechanical keyword scan over the
// payload, and per-action-key retry/cooldown bookkeeping. Grounded on the
// teacher's escrow.KillSwitch retry/cooldown bookkeeping shape
// (internal/escrow/kill_switch.go), re-targeted from entropy-jitter
// triggers to this system's endpoint/method/keyword checks.
package safeguard

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// deniedKeywords are scanned, case-insensitively, over every string value in
// a request's payload. This is mechanical keyword matching, not semantic
// content inspection.
var deniedKeywords = []string{
	"wire_transfer", "invoice", "payment", "refund", "bank_account",
	"routing_number", "credit_card",
}

// shellFieldNames are payload keys that, if present, indicate an attempt to
// smuggle a raw shell invocation past the safeguard.
var shellFieldNames = []string{"shell", "shell_cmd", "bash_command"}

// simulatedMethods are the only methods permitted unless AllowRealWorldImpact
// is set on the request.
var simulatedMethods = map[string]bool{
	"SIMULATE": true,
	"DRY_RUN":  true,
	"PREVIEW":  true,
}

// Request is one candidate external action evaluated by the safeguard.
type Request struct {
	ActionKey            string
	Endpoint             string
	Method               string
	Payload              map[string]interface{}
	AllowRealWorldImpact bool
}

// retryState is one action key's retry/cooldown bookkeeping.
type retryState struct {
	retryCount    int
	cooldownUntil time.Time
}

// Monitor is the legacy in-process safeguard: single-process setups gate
// external actions through it directly, independent of the Tool Gateway.
type Monitor struct {
	mu sync.Mutex

	endpointWhitelist map[string]bool
	retryMax          int
	cooldown          time.Duration

	state map[string]*retryState
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithRetryMax overrides the default retry budget (3) before a cooldown
// triggers.
func WithRetryMax(n int) Option {
	return func(m *Monitor) { m.retryMax = n }
}

// WithCooldown overrides the default cooldown duration (30s).
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) { m.cooldown = d }
}

// New returns a Monitor whitelisting the given endpoints.
func New(endpoints []string, opts ...Option) *Monitor {
	wl := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		wl[e] = true
	}
	m := &Monitor{
		endpointWhitelist: wl,
		retryMax:          3,
		cooldown:          30 * time.Second,
		state:             make(map[string]*retryState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs the four mechanical gates in order: endpoint whitelist,
// simulated-method restriction, keyword/shell-field scan, and
// retry/cooldown state. It returns (allowed, reason) and does not itself
// mutate retry state — callers report outcomes via RecordFailure/RecordSuccess.
func (m *Monitor) Check(req Request) (bool, string) {
	if !m.endpointWhitelist[req.Endpoint] {
		return false, fmt.Sprintf("endpoint %q is not whitelisted", req.Endpoint)
	}
	if !req.AllowRealWorldImpact && !simulatedMethods[strings.ToUpper(req.Method)] {
		return false, fmt.Sprintf("method %q requires allow_real_world_impact", req.Method)
	}
	if reason, ok := scanPayload(req.Payload); !ok {
		return false, reason
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[req.ActionKey]
	if ok && time.Now().Before(st.cooldownUntil) {
		return false, fmt.Sprintf("action key %q is in cooldown until %s", req.ActionKey, st.cooldownUntil.Format(time.RFC3339))
	}
	return true, ""
}

// RecordFailure increments the action key's retry counter, triggering a
// cooldown once it reaches RetryMax.
func (m *Monitor) RecordFailure(actionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[actionKey]
	if !ok {
		st = &retryState{}
		m.state[actionKey] = st
	}
	st.retryCount++
	if st.retryCount >= m.retryMax {
		st.cooldownUntil = time.Now().Add(m.cooldown)
	}
}

// RecordSuccess resets the action key's retry counter and clears any
// cooldown.
func (m *Monitor) RecordSuccess(actionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, actionKey)
}

// RetryCount returns the current retry count for actionKey, for tests and
// diagnostics.
func (m *Monitor) RetryCount(actionKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[actionKey]; ok {
		return st.retryCount
	}
	return 0
}

func scanPayload(payload map[string]interface{}) (string, bool) {
	for _, field := range shellFieldNames {
		if _, ok := payload[field]; ok {
			return fmt.Sprintf("payload field %q is not permitted", field), false
		}
	}
	for key, v := range payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range deniedKeywords {
			if strings.Contains(lower, kw) {
				return fmt.Sprintf("payload field %q contains denied keyword %q", key, kw), false
			}
		}
	}
	return "", true
}
