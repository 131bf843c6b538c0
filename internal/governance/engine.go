package governance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/projection"
)

// Reputation step sizes. Symmetric and small enough that no single tool
// call or escalation dominates the score; repeated behavior is what moves
// an agent's standing.
const (
	successStep       = 0.05
	failureStep       = 0.05
	escalationPenalty = 0.05
)

// successEventTypes and failureEventTypes classify domain events that never
// pass through the Tool Gateway's audit log but still carry a trust-relevant
// outcome in their own right, per spec §4.8 point 1.
var successEventTypes = map[string]bool{
	"SUPERVISOR_START": true,
	"INTENT_DISPATCH":  true,
	"WORKER_STARTED":   true,
	"WORKER_RESTARTED": true,
}

var failureEventTypes = map[string]bool{
	"SUPERVISOR_STOP":          true,
	"PROPOSAL_INVALID":         true,
	"WORKER_EXITED":            true,
	"WORKER_HEARTBEAT_MISSED":  true,
	"WORKER_RESTART_SCHEDULED": true,
}

// escalationEventTypes are failures severe enough on their own to carry the
// extra escalation penalty on top of the base failure step.
var escalationEventTypes = map[string]bool{
	"WORKER_EXITED":           true,
	"PROPOSAL_INVALID":        true,
	"WORKER_HEARTBEAT_MISSED": true,
}

// workerEscalatedStates are worker states the projection's own state
// machine can only reach through an escalation path (missed heartbeats,
// a scheduled restart); a worker parked in one of these still counts as
// "currently active" for tool-audit outcome fan-out, per spec §4.8 point 1.
var workerEscalatedStates = map[string]bool{
	"OFFLINE":    true,
	"RESTARTING": true,
}

const proposalEventType = "PROPOSAL_SUBMITTED"

// derivedOutcome is one subject agent's SUCCESS/FAILURE credit, derived by
// comparing two projection view snapshots rather than read off a raw event
// or tool-audit row directly.
type derivedOutcome struct {
	AgentID         string
	Kind            string
	Escalated       bool
	SourceEventType string
	SourceEventID   int64
	SourceTimestamp time.Time
}

// CycleResult summarizes one governance cycle's effects, for logging and
// for the replay harness to compare across runs.
type CycleResult struct {
	EventsSeen        int
	ToolAuditDelta    int64
	ReputationChanges map[string]float64
	Lesson            *WaterCoolerResult
	Arbitration       *ArbitrationOutcome
	Quarantined       []string
	StabilityMetric   float64
	RegistryHash      string
}

// Cycle is a pure function of a projection view delta — given (previous,
// current), it derives reputation/trust outcomes, runs any boardroom
// arbitration the current event carries, attempts water-cooler lesson
// propagation, records a stability snapshot, auto-quarantines any agent
// that fell through the reputation floor, and persists the result as a
// REGISTRY_UPDATE ledger entry. Either view may be nil, treated as the
// zero-value view (an empty/not-yet-materialized projection), so the very
// first cycle a fresh registry ever sees is itself a well-formed delta.
func Cycle(previous, current *projection.View, r *Registry, ledger *Ledger) (CycleResult, error) {
	result := CycleResult{ReputationChanges: map[string]float64{}}
	if previous == nil {
		previous = &projection.View{}
	}
	if current == nil {
		current = &projection.View{}
	}

	outcomes := deriveOutcomes(previous, current, r.sortedAgentIDs())
	if current.LastSeenEventID > previous.LastSeenEventID {
		result.EventsSeen = 1
	}
	result.ToolAuditDelta = maxInt64(0, current.ToolAuditCounts.Allowed-previous.ToolAuditCounts.Allowed) +
		maxInt64(0, current.ToolAuditCounts.Denied-previous.ToolAuditCounts.Denied)

	for _, oc := range outcomes {
		delta := successStep
		if oc.Kind == "FAILURE" {
			delta = -failureStep
			if oc.Escalated {
				delta -= escalationPenalty
			}
		}
		result.ReputationChanges[oc.AgentID] = applyOutcomeDelta(r, oc.AgentID, delta)
	}

	if ev := current.CurrentEvent; ev != nil && current.LastSeenEventID > previous.LastSeenEventID &&
		strings.ToUpper(ev.Type) == proposalEventType {
		outcome, err := arbitrateFromEvent(r, ledger, *ev)
		if err != nil {
			return result, fmt.Errorf("governance: arbitrate proposal: %w", err)
		}
		result.Arbitration = outcome
	}

	lesson, err := PropagateLesson(r, ledger, previous, current)
	if err != nil {
		return result, fmt.Errorf("governance: propagate lesson: %w", err)
	}
	if lesson.Triggered {
		result.Lesson = &lesson
	}

	if len(result.ReputationChanges) > 0 {
		if err := appendTrustChanges(r, ledger, result.ReputationChanges); err != nil {
			return result, err
		}
	}

	metric, err := RecordStabilitySnapshot(r, ledger)
	if err != nil {
		return result, fmt.Errorf("governance: record stability: %w", err)
	}
	result.StabilityMetric = metric

	for _, agentID := range r.sortedAgentIDs() {
		if r.Agents[agentID].ReputationScore < quarantineThreshold && r.Agents[agentID].AuthorityLevel > 0 {
			if err := Quarantine(r, ledger, agentID, "reputation below floor"); err != nil {
				return result, fmt.Errorf("governance: quarantine %s: %w", agentID, err)
			}
			result.Quarantined = append(result.Quarantined, agentID)
		}
	}

	r.LastProcessedView = current
	r.bumpVersion()
	hash, err := r.Hash()
	if err != nil {
		return result, fmt.Errorf("governance: hash registry: %w", err)
	}
	result.RegistryHash = hash

	// A REGISTRY_UPDATE snapshot closes every cycle, not just quarantine
	// actions: it is the anchor ledger reconstruction walks forward from,
	// so the latest one always matches the live registry hash exactly.
	if err := appendRegistryUpdate(r, ledger, "cycle", "", ""); err != nil {
		return result, fmt.Errorf("governance: append cycle snapshot: %w", err)
	}
	return result, nil
}

// applyOutcomeDelta is the relationship update from spec §4.8 point 2: the
// subject's reputation moves by delta scaled by its own authority band, and
// every other known agent's trust weight toward the subject moves by the
// same delta scaled by that observer's own authority band.
func applyOutcomeDelta(r *Registry, subjectID string, delta float64) float64 {
	subject := r.ensureAgent(subjectID)
	subjectBand := authorityBand(subject.AuthorityLevel)
	subject.ReputationScore = clamp01(subject.ReputationScore + delta*subjectBand)

	for _, observerID := range r.sortedAgentIDs() {
		if observerID == subjectID {
			continue
		}
		observer := r.Agents[observerID]
		observerBand := authorityBand(observer.AuthorityLevel)
		current, ok := observer.TrustWeights[subjectID]
		if !ok {
			current = 0.5
		}
		observer.TrustWeights[subjectID] = clamp01(current + delta*observerBand)
	}
	return subject.ReputationScore
}

// deriveOutcomes is the projection-adapter algorithm: a single-event
// outcome classified from current's most recent event (only when it is
// genuinely new relative to previous), plus tool-audit-delta outcomes for
// every currently-active known agent.
func deriveOutcomes(previous, current *projection.View, knownAgentIDs []string) []derivedOutcome {
	known := make(map[string]bool, len(knownAgentIDs))
	for _, id := range knownAgentIDs {
		known[id] = true
	}

	var outcomes []derivedOutcome

	if current.LastSeenEventID > previous.LastSeenEventID && current.CurrentEvent != nil {
		ev := current.CurrentEvent
		eventType := strings.ToUpper(ev.Type)
		subject := resolveSubjectID(*ev, known)
		if eventType != "" && subject != "" {
			if kind := classifyEvent(eventType); kind != "" {
				outcomes = append(outcomes, derivedOutcome{
					AgentID:         subject,
					Kind:            kind,
					Escalated:       escalationEventTypes[eventType],
					SourceEventType: eventType,
					SourceEventID:   current.LastSeenEventID,
					SourceTimestamp: ev.Timestamp,
				})
			}
		}
	}

	allowedDelta := maxInt64(0, current.ToolAuditCounts.Allowed-previous.ToolAuditCounts.Allowed)
	deniedDelta := maxInt64(0, current.ToolAuditCounts.Denied-previous.ToolAuditCounts.Denied)
	if allowedDelta > 0 || deniedDelta > 0 {
		for _, agentID := range activeAgents(current, known) {
			if allowedDelta > 0 {
				outcomes = append(outcomes, derivedOutcome{
					AgentID: agentID, Kind: "SUCCESS",
					SourceEventType: "TOOL_AUDIT_ALLOWED_DELTA",
					SourceEventID:   current.LastSeenEventID,
					SourceTimestamp: current.Timestamp,
				})
			}
			if deniedDelta > 0 {
				outcomes = append(outcomes, derivedOutcome{
					AgentID: agentID, Kind: "FAILURE", Escalated: true,
					SourceEventType: "TOOL_AUDIT_DENIED_DELTA",
					SourceEventID:   current.LastSeenEventID,
					SourceTimestamp: current.Timestamp,
				})
			}
		}
	}
	return outcomes
}

func classifyEvent(eventType string) string {
	if successEventTypes[eventType] {
		return "SUCCESS"
	}
	if failureEventTypes[eventType] {
		return "FAILURE"
	}
	return ""
}

// resolveSubjectID resolves the subject of ev the same way for both
// outcome derivation and water-cooler source attribution: a known agent
// named in payload.target_agent/agent_id/worker, falling back to origin_id.
func resolveSubjectID(ev mailstore.Event, known map[string]bool) string {
	for _, key := range []string{"target_agent", "agent_id", "worker"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" && known[v] {
			return v
		}
	}
	if known[ev.OriginID] {
		return ev.OriginID
	}
	return ""
}

// activeAgents returns every known agent whose worker row looks alive:
// present, or parked in a state the worker state machine actually reaches
// (ACTIVE, IDLE, or one of workerEscalatedStates). Falling back to every
// known agent when the workers map yields nothing keeps tool-audit
// outcomes from going nowhere before any worker has ever reported in.
func activeAgents(view *projection.View, known map[string]bool) []string {
	workerIDs := make([]string, 0, len(view.Workers))
	for id := range view.Workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)

	var active []string
	for _, workerID := range workerIDs {
		if !known[workerID] {
			continue
		}
		row := view.Workers[workerID]
		if row == nil {
			continue
		}
		state := strings.ToUpper(row.State)
		if row.Present || state == projection.WorkerActive || state == projection.WorkerIdle || workerEscalatedStates[state] {
			active = append(active, workerID)
		}
	}
	if len(active) == 0 {
		knownIDs := make([]string, 0, len(known))
		for id := range known {
			knownIDs = append(knownIDs, id)
		}
		sort.Strings(knownIDs)
		return knownIDs
	}
	return active
}

func arbitrateFromEvent(r *Registry, ledger *Ledger, ev mailstore.Event) (*ArbitrationOutcome, error) {
	proposalID, _ := ev.Payload["proposal_id"].(string)
	subjectAgent, _ := ev.Payload["subject_agent"].(string)
	rawVotes, _ := ev.Payload["votes"].(map[string]interface{})
	if proposalID == "" || len(rawVotes) == 0 {
		return nil, nil
	}

	votes := make([]Vote, 0, len(rawVotes))
	for agentID, reasoning := range rawVotes {
		var r64 float64
		switch v := reasoning.(type) {
		case float64:
			r64 = v
		case int:
			r64 = float64(v)
		}
		votes = append(votes, Vote{AgentID: agentID, Reasoning: r64})
	}

	outcome, err := Arbitrate(r, ledger, proposalID, subjectAgent, votes)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func appendTrustChanges(r *Registry, ledger *Ledger, changes map[string]float64) error {
	if ledger == nil {
		return nil
	}
	for _, agentID := range sortedKeys(changes) {
		payload := map[string]interface{}{
			"agent_id":  agentID,
			"new_score": changes[agentID],
			"authority": r.Agents[agentID].AuthorityLevel,
		}
		if _, err := ledger.Append(EntryTrustChange, payload); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
