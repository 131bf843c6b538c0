package governance

import "fmt"

// ArbitrationThreshold is the minimum aggregate decision score for a
// boardroom proposal to be approved.
const ArbitrationThreshold = 0.35

// Vote is one agent's stance on a proposal: reasoning is its confidence in
// the proposal, in [0,1] (out-of-range values are clamped).
type Vote struct {
	AgentID   string
	Reasoning float64
}

// ArbitrationOutcome is the result of one boardroom vote, grounded on the
// teacher's standards_committee.go VoteRecord/approveProposal bookkeeping
// but reduced here to a single deterministic weighted-average rule instead
// of a committee-quorum count.
type ArbitrationOutcome struct {
	ProposalID     string             `json:"proposal_id"`
	SubjectAgent   string             `json:"subject_agent"`
	DecisionScores map[string]float64 `json:"decision_scores"`
	Aggregate      float64            `json:"aggregate"`
	Approved       bool               `json:"approved"`
}

// Arbitrate scores each vote as reasoning * voter_authority * trust_weight
// (the voter's trust weight toward subjectAgent, defaulting to 1.0 when
// unset), averages the scores, and approves when the aggregate meets
// ArbitrationThreshold. The outcome is appended to the ledger as an
// ARBITRATION_OUTCOME entry before being returned.
func Arbitrate(r *Registry, ledger *Ledger, proposalID, subjectAgent string, votes []Vote) (ArbitrationOutcome, error) {
	if len(votes) == 0 {
		return ArbitrationOutcome{}, fmt.Errorf("governance: arbitration requires at least one vote")
	}

	scores := make(map[string]float64, len(votes))
	var sum float64
	for _, v := range votes {
		voter := r.ensureAgent(v.AgentID)
		trustWeight := 1.0
		if w, ok := voter.TrustWeights[subjectAgent]; ok {
			trustWeight = w
		}
		score := clamp01(v.Reasoning) * voter.AuthorityLevel * trustWeight
		scores[v.AgentID] = score
		sum += score
	}
	aggregate := sum / float64(len(votes))

	outcome := ArbitrationOutcome{
		ProposalID:     proposalID,
		SubjectAgent:   subjectAgent,
		DecisionScores: scores,
		Aggregate:      aggregate,
		Approved:       aggregate >= ArbitrationThreshold,
	}

	if ledger != nil {
		payload := map[string]interface{}{
			"proposal_id":     outcome.ProposalID,
			"subject_agent":   outcome.SubjectAgent,
			"decision_scores": outcome.DecisionScores,
			"aggregate":       outcome.Aggregate,
			"approved":        outcome.Approved,
		}
		if _, err := ledger.Append(EntryArbitrationOutcome, payload); err != nil {
			return outcome, err
		}
	}

	r.bumpVersion()
	return outcome, nil
}
