// Package mailstore is the durable, crash-safe event substrate: a single
// SQLite database file holding events, leases, tool-audit rows,
// idempotency keys, and worker heartbeats. Every multi-step state change is
// a serializable transaction that fsyncs before returning.
package mailstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Event statuses. Once DONE or FAILED, the only legal transition is
// requeue back to PENDING.
const (
	StatusPending = "PENDING"
	StatusClaimed = "CLAIMED"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Event is the canonical inter-process message: durable, id-ordered, typed.
type Event struct {
	ID             int64
	Timestamp      time.Time
	Type           string
	OriginID       string
	TargetAgent    string // "" means unrouted
	CorrelationID  string
	Payload        map[string]interface{}
	Justification  string
	Status         string
	Error          string
}

// Lease is a time-bounded exclusive claim on a pending event.
type Lease struct {
	EventID     int64
	ClaimedBy   string
	ClaimTS     time.Time
	LeaseExpiry time.Time
}

// ToolAuditRow is an append-only record of one Tool Gateway invocation.
type ToolAuditRow struct {
	ID             int64
	TS             time.Time
	AgentID        string
	ActionType     string
	WorkingDir     string
	IdempotencyKey string
	Allowed        bool
	Reason         string
	Payload        map[string]interface{}
	Result         map[string]interface{}
	CorrelationID  string
}

// IdempotencyRecord pins exactly-one-execution semantics for a caller-chosen
// key. Insertion is conditional: first writer wins.
type IdempotencyRecord struct {
	Key        string
	CreatedTS  time.Time
	AgentID    string
	ActionType string
	EventID    *int64
	Result     map[string]interface{}
}

// WorkerHeartbeat is the last-writer-wins liveness record for one agent.
type WorkerHeartbeat struct {
	AgentID    string
	ConsumerID string
	PID        int
	TS         time.Time
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  type TEXT NOT NULL,
  origin_id TEXT NOT NULL,
  target_agent TEXT,
  correlation_id TEXT,
  payload TEXT NOT NULL,
  justification TEXT,
  status TEXT NOT NULL,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_agent);

CREATE TABLE IF NOT EXISTS leases (
  event_id INTEGER PRIMARY KEY REFERENCES events(id),
  claimed_by TEXT NOT NULL,
  claim_ts TEXT NOT NULL,
  lease_expiry TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_audit (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  working_dir TEXT NOT NULL,
  idempotency_key TEXT,
  allowed INTEGER NOT NULL,
  reason TEXT,
  payload TEXT NOT NULL,
  result TEXT,
  correlation_id TEXT
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
  key TEXT PRIMARY KEY,
  created_ts TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  event_id INTEGER,
  result TEXT
);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
  agent_id TEXT PRIMARY KEY,
  consumer_id TEXT NOT NULL,
  pid INTEGER NOT NULL,
  ts TEXT NOT NULL
);
`

// Store is the durable MailStore. writeDB serializes claim/append
// transactions through a single connection; readDB serves non-mutating
// queries through an ordinary pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	pollInterval time.Duration
	log          *slog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPollInterval overrides the default 100ms claim-poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open creates or attaches to the SQLite database at path, in WAL mode with
// a bounded busy-timeout, and runs schema migration. The returned Store owns
// two underlying handles: a single-connection writer (so claim transactions
// serialize the way Postgres SERIALIZABLE isolation would) and a pooled
// reader for status queries and list operations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("mailstore: open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("mailstore: open reader: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{
		writeDB:      writeDB,
		readDB:       readDB,
		pollInterval: 100 * time.Millisecond,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := writeDB.Exec(schemaDDL); err != nil {
		s.Close()
		return nil, fmt.Errorf("mailstore: migrate schema: %w", err)
	}
	return s, nil
}

// Close releases both underlying database handles.
func (s *Store) Close() error {
	var firstErr error
	if err := s.writeDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.readDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// writeConn is a raw connection wrapper that stands in for *sql.Tx so a
// BEGIN IMMEDIATE can be issued explicitly — database/sql's TxOptions has no
// portable way to request SQLite's immediate-lock transaction mode.
type writeConn struct {
	*sql.Conn
}

// withWriteTx runs fn inside a BEGIN IMMEDIATE transaction on the writer
// handle's single connection, committing on success and rolling back on
// error or panic. BEGIN IMMEDIATE takes SQLite's write lock up front, which
// serializes the claim critical section across all processes sharing the
// database file; the one-connection writer pool serializes it within this
// process.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx writeConn) error) (err error) {
	conn, err := s.writeDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("mailstore: acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("mailstore: begin immediate: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			conn.ExecContext(ctx, "ROLLBACK")
			panic(p)
		}
	}()

	if err = fn(writeConn{conn}); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			s.log.Warn("mailstore: rollback failed", "error", rbErr)
		}
		return err
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("mailstore: commit: %w", err)
	}
	return nil
}
