// Package replay implements the deterministic replay harness: it drives a
// projection materializer and the governance engine twice over the same
// immutable mailstore history from two independently seeded registries, and
// proves both runs converge on the same hash-chained outcome. Grounded on
// the teacher's test-harness style for fabric.Hub (table-driven,
// run-to-completion, assert on final state) generalized here to a library
// function rather than a _test.go file, since run-replay also needs it as a
// standalone CLI operation.
package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ocx/swarm/internal/governance"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/projection"
)

// Seed is the agent-definition seed both runs start from: a fresh registry
// containing exactly these agent ids at the neutral defaults.
type Seed struct {
	AgentIDs []string
}

// RunResult captures one run's outcome for comparison and reporting.
type RunResult struct {
	Cycles           int
	ChainValid       bool
	FinalHash        string
	ReconstructedHash string
	Registry         *governance.Registry
}

// Report is the harness's overall verdict across both runs.
type Report struct {
	RunA, RunB RunResult
	Agree      bool
}

// Run executes a fresh projection materializer and the governance engine
// twice against the mailstore at dbPath, once per temp working directory,
// stepping view-to-view until the materializer stops making progress, and
// returns whether the two runs agree. dbPath is opened read-only in
// spirit: the harness never appends events, only drains the existing
// history, so re-running it is itself idempotent.
func Run(ctx context.Context, dbPath string, seed Seed) (Report, error) {
	runA, err := runOnce(ctx, dbPath, seed)
	if err != nil {
		return Report{}, fmt.Errorf("replay: run a: %w", err)
	}
	runB, err := runOnce(ctx, dbPath, seed)
	if err != nil {
		return Report{}, fmt.Errorf("replay: run b: %w", err)
	}

	agree := runA.ChainValid && runB.ChainValid &&
		runA.FinalHash == runA.ReconstructedHash &&
		runB.FinalHash == runB.ReconstructedHash &&
		runA.FinalHash == runB.FinalHash

	return Report{RunA: runA, RunB: runB, Agree: agree}, nil
}

func runOnce(ctx context.Context, dbPath string, seed Seed) (RunResult, error) {
	tmpDir, err := os.MkdirTemp("", "replay-run-*")
	if err != nil {
		return RunResult{}, fmt.Errorf("mkdtemp: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := mailstore.Open(dbPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("open mailstore: %w", err)
	}
	defer store.Close()

	viewPath := filepath.Join(tmpDir, "view.json")
	materializer := projection.New(store, viewPath)

	ledgerPath := filepath.Join(tmpDir, "ledger.jsonl")
	ledger, err := governance.OpenLedger(ledgerPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	r := governance.New(seed.AgentIDs...)

	var result RunResult
	previous := &projection.View{}
	for {
		current, err := materializer.Cycle(ctx)
		if err != nil {
			return RunResult{}, fmt.Errorf("materialize cycle %d: %w", result.Cycles, err)
		}

		cycleResult, err := governance.Cycle(previous, current, r, ledger)
		if err != nil {
			return RunResult{}, fmt.Errorf("cycle %d: %w", result.Cycles, err)
		}
		result.Cycles++
		result.FinalHash = cycleResult.RegistryHash

		progressed := current.LastSeenEventID > previous.LastSeenEventID ||
			current.LastSeenToolAuditID > previous.LastSeenToolAuditID
		previous = current
		if !progressed {
			break
		}
	}

	valid, err := ledger.Validate()
	if err != nil {
		return result, fmt.Errorf("validate chain: %w", err)
	}
	result.ChainValid = valid

	reconstructed, err := governance.ReconstructFromLedger(ledger.Entries())
	if err != nil {
		return result, fmt.Errorf("reconstruct: %w", err)
	}
	result.ReconstructedHash = reconstructed
	result.Registry = r

	return result, nil
}
