package governance

import "fmt"

// quarantineThreshold is the reputation floor below which an agent is
// automatically quarantined at the end of a governance cycle.
const quarantineThreshold = 0.15

// Quarantine freezes an agent's authority_level to 0, preventing it from
// carrying weight in any future arbitration vote, and tags the change with
// a REGISTRY_UPDATE ledger entry carrying the full post-change registry
// snapshot and its canonical hash, per the audit trail this system
// requires for every trust-affecting action.
func Quarantine(r *Registry, ledger *Ledger, agentID, reason string) error {
	agent := r.ensureAgent(agentID)
	agent.AuthorityLevel = 0
	r.bumpVersion()
	return appendRegistryUpdate(r, ledger, "quarantine", agentID, reason)
}

// Unquarantine restores an agent's authority_level to the neutral default.
// Operators restoring a specific prior level should set it directly on the
// AgentState and call appendRegistryUpdate-equivalent bookkeeping
// themselves; this helper only covers the common reinstatement case.
func Unquarantine(r *Registry, ledger *Ledger, agentID, reason string) error {
	agent := r.ensureAgent(agentID)
	agent.AuthorityLevel = 0.5
	r.bumpVersion()
	return appendRegistryUpdate(r, ledger, "unquarantine", agentID, reason)
}

func appendRegistryUpdate(r *Registry, ledger *Ledger, action, agentID, reason string) error {
	if ledger == nil {
		return nil
	}
	hash, err := r.Hash()
	if err != nil {
		return fmt.Errorf("governance: hash registry for %s: %w", action, err)
	}
	payload := map[string]interface{}{
		"action":    action,
		"agent_id":  agentID,
		"reason":    reason,
		"snapshot":  r.Clone(),
		"snapshot_hash": hash,
	}
	_, err = ledger.Append(EntryRegistryUpdate, payload)
	return err
}
