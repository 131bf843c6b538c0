package governance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ocx/swarm/internal/canonicaljson"
)

// Entry types, a closed enum — adding a new kind means adding a new const
// here, not inventing a string at a call site.
const (
	EntryTrustChange        = "TRUST_CHANGE"
	EntryWaterCoolerLesson  = "WATER_COOLER_LESSON"
	EntryRegistryUpdate     = "REGISTRY_UPDATE"
	EntryTrustStabilityMetric = "TRUST_STABILITY_METRIC"
	EntryArbitrationOutcome  = "ARBITRATION_OUTCOME"
)

// genesisHash is the prev_hash of the first ledger entry.
const genesisHash = "GENESIS"

// Entry is one append-only, hash-chained audit record.
type Entry struct {
	Seq       int64                  `json:"seq"`
	EntryType string                 `json:"entry_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prev_hash"`
	EntryHash string                 `json:"entry_hash"`
}

// hashInput is exactly the field set the spec defines entry_hash over.
type hashInput struct {
	Seq       int64                  `json:"seq"`
	EntryType string                 `json:"entry_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prev_hash"`
}

func computeHash(seq int64, entryType string, ts time.Time, payload map[string]interface{}, prevHash string) (string, error) {
	return canonicaljson.Hash(hashInput{Seq: seq, EntryType: entryType, Timestamp: ts, Payload: payload, PrevHash: prevHash})
}

// Ledger is the append-only, hash-chained audit log. It generalizes the
// teacher's in-memory-only ledger.Ledger to a linear chain (rather than a
// Merkle tree, since integrity here is proven by sequential replay, not
// spot-inclusion proofs) and additionally mirrors every entry to a
// JSON-lines file with an fsync per append, so the ledger survives a
// process crash.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	path    string
	file    *os.File
}

// OpenLedger loads any existing entries from path (if present) and keeps
// the file open for append. Pass "" for an in-memory-only ledger.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path}
	if path == "" {
		return l, nil
	}

	if existing, err := loadEntries(path); err == nil {
		l.entries = existing
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("governance: load ledger: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("governance: open ledger file: %w", err)
	}
	l.file = f
	return l, nil
}

func loadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("governance: parse ledger line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close releases the underlying file handle, if any.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Len returns the number of entries currently in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of every entry, in seq order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LastHash returns the most recently appended entry's hash, or the genesis
// hash if the ledger is empty.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHashLocked()
}

func (l *Ledger) lastHashLocked() string {
	if len(l.entries) == 0 {
		return genesisHash
	}
	return l.entries[len(l.entries)-1].EntryHash
}

// Append adds one entry of entryType carrying payload, computing its seq
// and hash from the current chain tip, durably fsyncing before returning.
func (l *Ledger) Append(entryType string, payload map[string]interface{}) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := int64(len(l.entries)) + 1
	prevHash := l.lastHashLocked()
	ts := time.Now().UTC()

	hash, err := computeHash(seq, entryType, ts, payload, prevHash)
	if err != nil {
		return Entry{}, fmt.Errorf("governance: hash entry: %w", err)
	}
	entry := Entry{Seq: seq, EntryType: entryType, Timestamp: ts, Payload: payload, PrevHash: prevHash, EntryHash: hash}

	if l.file != nil {
		b, err := json.Marshal(entry)
		if err != nil {
			return Entry{}, fmt.Errorf("governance: marshal entry: %w", err)
		}
		if _, err := l.file.Write(append(b, '\n')); err != nil {
			return Entry{}, fmt.Errorf("governance: write ledger entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("governance: fsync ledger: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	return entry, nil
}

// Validate checks that seqs are gapless (seq_i == i) and that every entry's
// prev_hash matches the previous entry's entry_hash, recomputing each
// entry_hash to detect tampering.
func (l *Ledger) Validate() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	for i, e := range l.entries {
		if e.Seq != int64(i+1) {
			return false, fmt.Errorf("governance: gap in ledger at position %d: seq=%d", i, e.Seq)
		}
		if e.PrevHash != prev {
			return false, fmt.Errorf("governance: chain break at seq %d: prev_hash mismatch", e.Seq)
		}
		recomputed, err := computeHash(e.Seq, e.EntryType, e.Timestamp, e.Payload, e.PrevHash)
		if err != nil {
			return false, err
		}
		if recomputed != e.EntryHash {
			return false, fmt.Errorf("governance: entry_hash mismatch at seq %d", e.Seq)
		}
		prev = e.EntryHash
	}
	return true, nil
}
