// Package governance implements the deterministic governance layer: a pure
// function of projection deltas that updates a trust/reputation registry,
// runs weighted boardroom arbitration, emits water-cooler knowledge
// lessons, and appends every update to a hash-chained audit ledger.
//
// The registry's weighted-update shape is grounded on the teacher's
// reputation_manager.go four-term trust formula, generalized here to a
// simpler two-term outcome-driven update (reputation + per-peer trust
// weight) scaled by an authority band, per this system's simpler governance
// model.
package governance

import (
	"sort"
	"time"

	"github.com/ocx/swarm/internal/canonicaljson"
	"github.com/ocx/swarm/internal/projection"
)

// SchemaVersion is bumped whenever the Registry shape changes incompatibly.
const SchemaVersion = 1

// AgentState is one agent's row in the registry.
type AgentState struct {
	Role             string             `json:"role"`
	AuthorityLevel   float64            `json:"authority_level"`
	ReputationScore  float64            `json:"reputation_score"`
	TrustWeights     map[string]float64 `json:"trust_weights"`
	KnowledgeLessons []string           `json:"knowledge_lessons"`
}

// Registry is the governance engine's authoritative trust/reputation
// state, exclusively owned by the governance process.
//
// LastProcessedView is the snapshot Cycle last consumed as "current". It
// is persisted alongside the rest of the registry so a restarted
// run-governance process can resume comparing against the right
// previous view instead of re-deriving outcomes from the beginning of
// history on every restart.
type Registry struct {
	SchemaVersion     int                    `json:"schema_version"`
	Version           int64                  `json:"version"`
	LastUpdated       time.Time              `json:"last_updated"`
	Agents            map[string]*AgentState `json:"agents"`
	History           map[string][]float64   `json:"history"`
	LastProcessedView *projection.View       `json:"last_processed_view,omitempty"`
}

// New returns an empty registry seeded with the given agent ids at a
// neutral authority/reputation of 0.5, no trust weights, and no lessons.
func New(agentIDs ...string) *Registry {
	r := &Registry{
		SchemaVersion: SchemaVersion,
		Agents:        map[string]*AgentState{},
		History:       map[string][]float64{},
	}
	for _, id := range agentIDs {
		r.ensureAgent(id)
	}
	return r
}

// ensureAgent returns the agent's state, creating a neutral default entry
// the first time an agent is referenced as a subject or observer.
func (r *Registry) ensureAgent(agentID string) *AgentState {
	if a, ok := r.Agents[agentID]; ok {
		return a
	}
	a := &AgentState{
		AuthorityLevel:   0.5,
		ReputationScore:  0.5,
		TrustWeights:     map[string]float64{},
		KnowledgeLessons: []string{},
	}
	r.Agents[agentID] = a
	return a
}

// sortedAgentIDs returns every known agent id in canonical (ascending)
// order.
func (r *Registry) sortedAgentIDs() []string {
	ids := make([]string, 0, len(r.Agents))
	for id := range r.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Authority bands scale reputation deltas; see spec §4.8.
const (
	bandHigh = 1.2
	bandMed  = 1.0
	bandLow  = 0.8

	highThreshold = 0.8
	medThreshold  = 0.5
)

func authorityBand(level float64) float64 {
	switch {
	case level >= highThreshold:
		return bandHigh
	case level >= medThreshold:
		return bandMed
	default:
		return bandLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// bumpVersion increments the monotonic version and timestamp; called on
// any state-changing operation.
func (r *Registry) bumpVersion() {
	r.Version++
	r.LastUpdated = time.Now().UTC()
}

// Hash returns the canonical SHA-256 hash of the registry snapshot,
// excluding LastUpdated and LastProcessedView: two replay runs over the
// same event sequence execute at different wall-clock instants and may
// land on different materializer poll boundaries, and a timestamp- or
// cursor-sensitive hash would make the determinism property spec.md
// requires unprovable.
func (r *Registry) Hash() (string, error) {
	snap := *r
	snap.LastUpdated = time.Time{}
	snap.LastProcessedView = nil
	return canonicaljson.Hash(&snap)
}

// Clone returns a deep copy suitable for snapshotting into a ledger entry
// or for an independent replay run.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		SchemaVersion:     r.SchemaVersion,
		Version:           r.Version,
		LastUpdated:       r.LastUpdated,
		Agents:            make(map[string]*AgentState, len(r.Agents)),
		History:           make(map[string][]float64, len(r.History)),
		LastProcessedView: r.LastProcessedView,
	}
	for id, a := range r.Agents {
		weights := make(map[string]float64, len(a.TrustWeights))
		for k, v := range a.TrustWeights {
			weights[k] = v
		}
		lessons := make([]string, len(a.KnowledgeLessons))
		copy(lessons, a.KnowledgeLessons)
		out.Agents[id] = &AgentState{
			Role: a.Role, AuthorityLevel: a.AuthorityLevel, ReputationScore: a.ReputationScore,
			TrustWeights: weights, KnowledgeLessons: lessons,
		}
	}
	for id, samples := range r.History {
		cp := make([]float64, len(samples))
		copy(cp, samples)
		out.History[id] = cp
	}
	return out
}

// appendLessonToAgent inserts lessonID into the agent's sorted,
// deduplicated knowledge_lessons list. Returns false if it was already
// present.
func appendLessonToAgent(a *AgentState, lessonID string) bool {
	for _, existing := range a.KnowledgeLessons {
		if existing == lessonID {
			return false
		}
	}
	a.KnowledgeLessons = append(a.KnowledgeLessons, lessonID)
	sort.Strings(a.KnowledgeLessons)
	return true
}
