package mailstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AppendToolAudit writes exactly one append-only audit row for a Tool
// Gateway invocation and returns its id.
func (s *Store) AppendToolAudit(ctx context.Context, row ToolAuditRow) (int64, error) {
	if row.TS.IsZero() {
		row.TS = time.Now().UTC()
	}
	payload, err := json.Marshal(nonNilMap(row.Payload))
	if err != nil {
		return 0, fmt.Errorf("mailstore: marshal audit payload: %w", err)
	}
	var resultStr interface{}
	if row.Result != nil {
		b, err := json.Marshal(row.Result)
		if err != nil {
			return 0, fmt.Errorf("mailstore: marshal audit result: %w", err)
		}
		resultStr = string(b)
	}

	var id int64
	err = s.withWriteTx(ctx, func(tx writeConn) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tool_audit (ts, agent_id, action_type, working_dir, idempotency_key, allowed, reason, payload, result, correlation_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.TS.Format(time.RFC3339Nano), row.AgentID, row.ActionType, row.WorkingDir,
			nullable(row.IdempotencyKey), boolToInt(row.Allowed), nullable(row.Reason),
			string(payload), resultStr, nullable(row.CorrelationID))
		if err != nil {
			return fmt.Errorf("mailstore: insert tool_audit: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListToolAudit returns the most recent limit audit rows, newest last.
func (s *Store) ListToolAudit(ctx context.Context, limit int) ([]ToolAuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, ts, agent_id, action_type, working_dir, idempotency_key, allowed, reason, payload, result, correlation_id
		FROM tool_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("mailstore: list tool_audit: %w", err)
	}
	defer rows.Close()

	var out []ToolAuditRow
	for rows.Next() {
		row, err := scanToolAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	// caller order: ascending by id, matching insertion order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func scanToolAudit(row rowScanner) (ToolAuditRow, error) {
	var r ToolAuditRow
	var ts string
	var idemKey, reason, correlationID sql.NullString
	var resultStr sql.NullString
	var allowedInt int
	var payloadStr string

	if err := row.Scan(&r.ID, &ts, &r.AgentID, &r.ActionType, &r.WorkingDir, &idemKey,
		&allowedInt, &reason, &payloadStr, &resultStr, &correlationID); err != nil {
		return ToolAuditRow{}, fmt.Errorf("mailstore: scan tool_audit: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ToolAuditRow{}, err
	}
	r.TS = parsed
	r.IdempotencyKey = fromNull(idemKey)
	r.Reason = fromNull(reason)
	r.CorrelationID = fromNull(correlationID)
	r.Allowed = allowedInt != 0

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return ToolAuditRow{}, err
	}
	r.Payload = payload

	if resultStr.Valid {
		var result map[string]interface{}
		if err := json.Unmarshal([]byte(resultStr.String), &result); err != nil {
			return ToolAuditRow{}, err
		}
		r.Result = result
	}
	return r, nil
}

// ReserveIdempotencyKey atomically inserts key iff it does not already
// exist, returning true exactly once across the key's lifetime.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, agentID, actionType string, eventID *int64) (bool, error) {
	reserved := false
	err := s.withWriteTx(ctx, func(tx writeConn) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT key FROM idempotency_keys WHERE key = ?`, key).Scan(&existing)
		if err == nil {
			reserved = false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mailstore: check idempotency key: %w", err)
		}

		var eventIDVal interface{}
		if eventID != nil {
			eventIDVal = *eventID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, created_ts, agent_id, action_type, event_id, result)
			VALUES (?, ?, ?, ?, ?, NULL)`,
			key, time.Now().UTC().Format(time.RFC3339Nano), agentID, actionType, eventIDVal); err != nil {
			return fmt.Errorf("mailstore: insert idempotency key: %w", err)
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// GetIdempotencyRecord looks up a reserved key, or returns nil if absent.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT key, created_ts, agent_id, action_type, event_id, result
		FROM idempotency_keys WHERE key = ?`, key)

	var rec IdempotencyRecord
	var createdTS string
	var eventID sql.NullInt64
	var result sql.NullString
	if err := row.Scan(&rec.Key, &createdTS, &rec.AgentID, &rec.ActionType, &eventID, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailstore: get idempotency record: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdTS)
	if err != nil {
		return nil, err
	}
	rec.CreatedTS = parsed
	if eventID.Valid {
		v := eventID.Int64
		rec.EventID = &v
	}
	if result.Valid {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(result.String), &m); err != nil {
			return nil, err
		}
		rec.Result = m
	}
	return &rec, nil
}

// SetIdempotencyResult stores the execution result against an already
// reserved key.
func (s *Store) SetIdempotencyResult(ctx context.Context, key string, result map[string]interface{}) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("mailstore: marshal idempotency result: %w", err)
	}
	return s.withWriteTx(ctx, func(tx writeConn) error {
		res, err := tx.ExecContext(ctx, `UPDATE idempotency_keys SET result = ? WHERE key = ?`, string(b), key)
		if err != nil {
			return fmt.Errorf("mailstore: set idempotency result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: idempotency key %q not reserved", ErrValidation, key)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
