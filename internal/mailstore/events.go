package mailstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseMismatch is returned by Ack/Fail/Requeue when the caller does not
// hold the live lease for the event — a permission error that never changes
// state.
var ErrLeaseMismatch = errors.New("mailstore: lease holder mismatch")

// ErrValidation marks synchronous, non-persisted input errors (empty type,
// missing origin, unknown status, etc).
var ErrValidation = errors.New("mailstore: validation error")

// AppendEvent normalizes and durably inserts a new event with status
// PENDING, returning its assigned monotonic id. It commits before any reader
// can observe the row.
func (s *Store) AppendEvent(ctx context.Context, e Event) (int64, error) {
	if e.Type == "" {
		return 0, fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if e.OriginID == "" {
		return 0, fmt.Errorf("%w: origin_id is required", ErrValidation)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(nonNilMap(e.Payload))
	if err != nil {
		return 0, fmt.Errorf("mailstore: marshal payload: %w", err)
	}

	var id int64
	err = s.withWriteTx(ctx, func(tx writeConn) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (ts, type, origin_id, target_agent, correlation_id, payload, justification, status, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			e.Timestamp.Format(time.RFC3339Nano), e.Type, e.OriginID,
			nullable(e.TargetAgent), nullable(e.CorrelationID), string(payload),
			nullable(e.Justification), StatusPending)
		if err != nil {
			return fmt.Errorf("mailstore: insert event: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ClaimNextEvent blocks, polling at the store's configured interval, up to
// timeout, for the lowest-id PENDING event matching the routing filter.
// Inside one BEGIN IMMEDIATE transaction it reaps expired leases, selects a
// candidate, inserts the lease row, and marks the event CLAIMED. Returns nil
// if no event became available before timeout or ctx is done.
func (s *Store) ClaimNextEvent(ctx context.Context, consumerID string, timeout time.Duration, targetAgent string, includeUnrouted bool, leaseSeconds int) (*Event, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		ev, err := s.tryClaimOnce(ctx, consumerID, targetAgent, includeUnrouted, leaseSeconds)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (s *Store) tryClaimOnce(ctx context.Context, consumerID, targetAgent string, includeUnrouted bool, leaseSeconds int) (*Event, error) {
	var claimed *Event
	err := s.withWriteTx(ctx, func(tx writeConn) error {
		now := time.Now().UTC()

		if err := reapExpiredLeases(ctx, tx, now); err != nil {
			return err
		}

		query := `
			SELECT e.id, e.ts, e.type, e.origin_id, e.target_agent, e.correlation_id,
			       e.payload, e.justification, e.status, e.error
			FROM events e
			LEFT JOIN leases l ON l.event_id = e.id
			WHERE e.status = ? AND l.event_id IS NULL`
		args := []interface{}{StatusPending}

		switch {
		case targetAgent != "" && includeUnrouted:
			query += " AND (e.target_agent = ? OR e.target_agent IS NULL)"
			args = append(args, targetAgent)
		case targetAgent != "":
			query += " AND e.target_agent = ?"
			args = append(args, targetAgent)
		case includeUnrouted:
			query += " AND e.target_agent IS NULL"
		}
		query += " ORDER BY e.id ASC LIMIT 1"

		row := tx.QueryRowContext(ctx, query, args...)
		ev, err := scanEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mailstore: select candidate: %w", err)
		}

		leaseExpiry := now.Add(time.Duration(leaseSeconds) * time.Second)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leases (event_id, claimed_by, claim_ts, lease_expiry)
			VALUES (?, ?, ?, ?)`,
			ev.ID, consumerID, now.Format(time.RFC3339Nano), leaseExpiry.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("mailstore: insert lease: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ?`, StatusClaimed, ev.ID); err != nil {
			return fmt.Errorf("mailstore: mark claimed: %w", err)
		}
		ev.Status = StatusClaimed
		claimed = &ev
		return nil
	})
	return claimed, err
}

// reapExpiredLeases resets any event whose lease has expired back to
// PENDING and deletes the stale lease row, so a crashed consumer never
// loses the event.
func reapExpiredLeases(ctx context.Context, tx writeConn, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `SELECT event_id FROM leases WHERE lease_expiry <= ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mailstore: query expired leases: %w", err)
	}
	var expired []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, id)
	}
	rows.Close()

	for _, id := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("mailstore: delete expired lease: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ? WHERE id = ?`, StatusPending, id); err != nil {
			return fmt.Errorf("mailstore: requeue expired: %w", err)
		}
	}
	return nil
}

// AckEvent marks event id DONE and releases its lease. Fails loudly if
// consumerID does not hold the live lease.
func (s *Store) AckEvent(ctx context.Context, id int64, consumerID string) error {
	return s.terminateEvent(ctx, id, consumerID, StatusDone, "")
}

// FailEvent marks event id FAILED with the given error and releases its
// lease.
func (s *Store) FailEvent(ctx context.Context, id int64, errMsg string, consumerID string) error {
	return s.terminateEvent(ctx, id, consumerID, StatusFailed, errMsg)
}

// RequeueEvent returns a claimed event to PENDING, releasing its lease, for
// callers that want another delivery rather than a terminal state.
func (s *Store) RequeueEvent(ctx context.Context, id int64, consumerID string, errMsg string) error {
	return s.terminateEvent(ctx, id, consumerID, StatusPending, errMsg)
}

func (s *Store) terminateEvent(ctx context.Context, id int64, consumerID, newStatus, errMsg string) error {
	return s.withWriteTx(ctx, func(tx writeConn) error {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT claimed_by FROM leases WHERE event_id = ?`, id).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no live lease for event %d", ErrLeaseMismatch, id)
		}
		if err != nil {
			return fmt.Errorf("mailstore: lookup lease: %w", err)
		}
		if consumerID != "" && holder != consumerID {
			return fmt.Errorf("%w: event %d held by %q, not %q", ErrLeaseMismatch, id, holder, consumerID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE event_id = ?`, id); err != nil {
			return fmt.Errorf("mailstore: delete lease: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, error = ? WHERE id = ?`,
			newStatus, nullable(errMsg), id); err != nil {
			return fmt.Errorf("mailstore: update status: %w", err)
		}
		return nil
	})
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT id, ts, type, origin_id, target_agent, correlation_id, payload, justification, status, error
		FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailstore: get event: %w", err)
	}
	return &ev, nil
}

// ListEvents returns all events, optionally filtered by status, ascending
// by id.
func (s *Store) ListEvents(ctx context.Context, status string) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.readDB.QueryContext(ctx, `
			SELECT id, ts, type, origin_id, target_agent, correlation_id, payload, justification, status, error
			FROM events ORDER BY id ASC`)
	} else {
		rows, err = s.readDB.QueryContext(ctx, `
			SELECT id, ts, type, origin_id, target_agent, correlation_id, payload, justification, status, error
			FROM events WHERE status = ? ORDER BY id ASC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("mailstore: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("mailstore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of events in each status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("mailstore: status counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{StatusPending: 0, StatusClaimed: 0, StatusDone: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var ts string
	var targetAgent, correlationID, justification, errStr sql.NullString
	var payloadStr string

	if err := row.Scan(&ev.ID, &ts, &ev.Type, &ev.OriginID, &targetAgent, &correlationID,
		&payloadStr, &justification, &ev.Status, &errStr); err != nil {
		return Event{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Event{}, fmt.Errorf("mailstore: parse timestamp: %w", err)
	}
	ev.Timestamp = parsed
	ev.TargetAgent = fromNull(targetAgent)
	ev.CorrelationID = fromNull(correlationID)
	ev.Justification = fromNull(justification)
	ev.Error = fromNull(errStr)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return Event{}, fmt.Errorf("mailstore: unmarshal payload: %w", err)
	}
	ev.Payload = payload
	return ev, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
