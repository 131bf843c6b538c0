package governance

import (
	"strings"

	"github.com/ocx/swarm/internal/canonicaljson"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/projection"
)

// waterCoolerIdleStressMax and waterCoolerMaxRecipients bound when and how
// far a lesson propagates: only during a genuinely idle office, and never
// to more than a handful of agents per lesson.
const (
	waterCoolerIdleStressMax = 0.2
	waterCoolerMaxRecipients = 3
)

// WaterCoolerResult reports whether a cycle's view transition triggered a
// lesson, and what it propagated.
type WaterCoolerResult struct {
	Triggered         bool
	LessonID          string
	SourceAgent       string
	SourceEventType   string
	SourceEventID     int64
	Recipients        []string
	PropagationMetric float64
}

// PropagateLesson is the water-cooler mechanism: during an idle office
// (derived.office_mode == PAUSED and derived.stress_level <= 0.2) with a
// genuinely new current event, it derives a deterministic lesson id from
// that event and the registry's own version, and pushes a reference to it
// into up to waterCoolerMaxRecipients other known agents' knowledge
// lessons. It does not trigger unless current is ahead of previous, so a
// call whose view has not advanced (current, current) is a no-op. A repeated
// call with the same (previous, current) pair is not deduplicated: each
// propagation bumps the registry version, which feeds the lesson id, so the
// repeat derives a new id and propagates and records it again.
func PropagateLesson(r *Registry, ledger *Ledger, previous, current *projection.View) (WaterCoolerResult, error) {
	if !waterCoolerIdleTrigger(previous, current) {
		return WaterCoolerResult{}, nil
	}
	ev := current.CurrentEvent
	if ev == nil {
		return WaterCoolerResult{}, nil
	}

	sourceEventID := current.LastSeenEventID
	sourceEventType := strings.ToUpper(ev.Type)
	if sourceEventType == "" {
		sourceEventType = "UNKNOWN"
	}
	sourceAgent := waterCoolerSourceAgent(*ev, r)

	recipients := make([]string, 0, waterCoolerMaxRecipients)
	for _, agentID := range r.sortedAgentIDs() {
		if agentID == sourceAgent {
			continue
		}
		recipients = append(recipients, agentID)
		if len(recipients) == waterCoolerMaxRecipients {
			break
		}
	}

	id, err := canonicaljson.Hash(map[string]interface{}{
		"source_event_id":   sourceEventID,
		"source_event_type": sourceEventType,
		"source_agent":      sourceAgent,
		"registry_version":  r.Version,
		"recipients":        recipients,
	})
	if err != nil {
		return WaterCoolerResult{}, err
	}

	for _, agentID := range recipients {
		appendLessonToAgent(r.ensureAgent(agentID), id)
	}

	if ledger != nil {
		payload := map[string]interface{}{
			"lesson_id":         id,
			"source_agent":      sourceAgent,
			"source_event_type": sourceEventType,
			"source_event_id":   sourceEventID,
			"recipients":        recipients,
			"summary":           "idle-window lesson from " + sourceEventType + " for deterministic governance memory",
		}
		if _, err := ledger.Append(EntryWaterCoolerLesson, payload); err != nil {
			return WaterCoolerResult{}, err
		}
	}

	r.bumpVersion()

	var metric float64
	if n := len(r.Agents); n > 0 {
		metric = float64(len(recipients)) / float64(n)
	}

	return WaterCoolerResult{
		Triggered:         true,
		LessonID:          id,
		SourceAgent:       sourceAgent,
		SourceEventType:   sourceEventType,
		SourceEventID:     sourceEventID,
		Recipients:        recipients,
		PropagationMetric: metric,
	}, nil
}

// waterCoolerIdleTrigger is the gate from spec §4.8 point 3: a new current
// event, an office at rest (PAUSED), and low enough stress that the lull
// looks genuine rather than the calm before a backlog.
func waterCoolerIdleTrigger(previous, current *projection.View) bool {
	if current.LastSeenEventID <= previous.LastSeenEventID {
		return false
	}
	if current.Derived.OfficeMode != projection.OfficeModePaused {
		return false
	}
	return current.Derived.StressLevel <= waterCoolerIdleStressMax
}

// waterCoolerSourceAgent resolves the agent the lesson is attributed to:
// the same payload/origin lookup outcome derivation uses, falling back to
// the first known agent (or "unknown" if the registry has none yet).
func waterCoolerSourceAgent(ev mailstore.Event, r *Registry) string {
	for _, key := range []string{"target_agent", "agent_id", "worker"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			if _, known := r.Agents[v]; known {
				return v
			}
		}
	}
	if _, known := r.Agents[ev.OriginID]; known {
		return ev.OriginID
	}
	ids := r.sortedAgentIDs()
	if len(ids) > 0 {
		return ids[0]
	}
	return "unknown"
}
