package governance_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/governance"
)

func TestLedgerAppendChainsHashes(t *testing.T) {
	l, err := governance.OpenLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	defer l.Close()

	e1, err := l.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "recon"})
	require.NoError(t, err)
	require.Equal(t, "GENESIS", e1.PrevHash)
	require.EqualValues(t, 1, e1.Seq)

	e2, err := l.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "forge"})
	require.NoError(t, err)
	require.Equal(t, e1.EntryHash, e2.PrevHash)
	require.EqualValues(t, 2, e2.Seq)

	valid, err := l.Validate()
	require.NoError(t, err)
	require.True(t, valid)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l1, err := governance.OpenLedger(path)
	require.NoError(t, err)
	_, err = l1.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "recon"})
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := governance.OpenLedger(path)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, 1, l2.Len())

	e2, err := l2.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "forge"})
	require.NoError(t, err)
	require.EqualValues(t, 2, e2.Seq)
	require.NotEqual(t, "GENESIS", e2.PrevHash)

	valid, err := l2.Validate()
	require.NoError(t, err)
	require.True(t, valid)
}

func TestLedgerValidateDetectsTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := governance.OpenLedger(path)
	require.NoError(t, err)
	_, err = l.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "recon"})
	require.NoError(t, err)
	_, err = l.Append(governance.EntryTrustChange, map[string]interface{}{"agent_id": "forge"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "\"recon\"", "\"tampered\"", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	reopened, err := governance.OpenLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	valid, err := reopened.Validate()
	require.Error(t, err)
	require.False(t, valid)
}
