package governance

import (
	"encoding/json"
	"fmt"
)

// ReconstructFromLedger searches backward for the most recent
// REGISTRY_UPDATE entry, decodes its snapshot, re-hashes it, checks that
// hash against the entry's recorded snapshot_hash, and returns it. Every
// cycle closes with a REGISTRY_UPDATE (see Cycle), so the latest one is the
// registry as it stood when it was appended. It does not replay
// TRUST_CHANGE or WATER_COOLER_LESSON entries, and it does not compare
// against a live registry; comparing the returned hash is left to the
// caller.
func ReconstructFromLedger(entries []Entry) (string, error) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.EntryType != EntryRegistryUpdate {
			continue
		}
		raw, ok := e.Payload["snapshot"]
		if !ok {
			return "", fmt.Errorf("governance: registry_update entry %d missing snapshot", e.Seq)
		}
		recordedHash, _ := e.Payload["snapshot_hash"].(string)
		if recordedHash == "" {
			return "", fmt.Errorf("governance: registry_update entry %d missing snapshot_hash", e.Seq)
		}

		// The payload round-tripped through JSON on append, so re-marshal
		// and decode it into a Registry to hash it exactly as Hash() would.
		blob, err := json.Marshal(raw)
		if err != nil {
			return "", fmt.Errorf("governance: remarshal snapshot: %w", err)
		}
		var snap Registry
		if err := json.Unmarshal(blob, &snap); err != nil {
			return "", fmt.Errorf("governance: decode snapshot: %w", err)
		}
		hash, err := snap.Hash()
		if err != nil {
			return "", fmt.Errorf("governance: hash reconstructed snapshot: %w", err)
		}
		if hash != recordedHash {
			return "", fmt.Errorf("governance: reconstructed hash %s does not match recorded hash %s at seq %d", hash, recordedHash, e.Seq)
		}
		return hash, nil
	}
	return "", fmt.Errorf("governance: no registry_update entry in ledger")
}
