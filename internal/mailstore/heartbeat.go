package mailstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordWorkerHeartbeat upserts the liveness row for agentID. Writes are
// last-writer-wins and monotonic by ts per agent: an older ts than what is
// already stored is silently ignored rather than rejected, since heartbeats
// racing across a restart are expected and harmless.
func (s *Store) RecordWorkerHeartbeat(ctx context.Context, agentID, consumerID string, pid int, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.withWriteTx(ctx, func(tx writeConn) error {
		var existingTS string
		err := tx.QueryRowContext(ctx, `SELECT ts FROM worker_heartbeats WHERE agent_id = ?`, agentID).Scan(&existingTS)
		if err == nil {
			prev, perr := time.Parse(time.RFC3339Nano, existingTS)
			if perr == nil && ts.Before(prev) {
				return nil
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE worker_heartbeats SET consumer_id = ?, pid = ?, ts = ? WHERE agent_id = ?`,
				consumerID, pid, ts.Format(time.RFC3339Nano), agentID)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mailstore: lookup heartbeat: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO worker_heartbeats (agent_id, consumer_id, pid, ts) VALUES (?, ?, ?, ?)`,
			agentID, consumerID, pid, ts.Format(time.RFC3339Nano))
		return err
	})
}

// GetWorkerHeartbeat returns the current heartbeat for agentID, or nil if
// none has been recorded.
func (s *Store) GetWorkerHeartbeat(ctx context.Context, agentID string) (*WorkerHeartbeat, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT agent_id, consumer_id, pid, ts FROM worker_heartbeats WHERE agent_id = ?`, agentID)
	var hb WorkerHeartbeat
	var ts string
	if err := row.Scan(&hb.AgentID, &hb.ConsumerID, &hb.PID, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailstore: get heartbeat: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	hb.TS = parsed
	return &hb, nil
}
