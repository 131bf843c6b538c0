// Package projection implements the Projection Materializer: a read-only
// follower of the MailStore that builds a monotonic materialized view
// (worker states, queue depth, counters, derived stress/mode) and owns it
// exclusively — every other component is a read-only consumer of the view
// file.
package projection

import (
	"time"

	"github.com/ocx/swarm/internal/mailstore"
)

// Worker states, transitioned only by the named event types in Cycle.
const (
	WorkerIdle       = "IDLE"
	WorkerActive     = "ACTIVE"
	WorkerRestarting = "RESTARTING"
	WorkerOffline    = "OFFLINE"
)

const (
	OfficeModeRunning = "RUNNING"
	OfficeModePaused  = "PAUSED"
)

// SchemaVersion is bumped whenever the View shape changes incompatibly.
const SchemaVersion = 1

// WorkerRow is one agent's row in the materialized worker table.
type WorkerRow struct {
	Present              bool      `json:"present"`
	State                string    `json:"state"`
	LastEventType        string    `json:"last_event_type"`
	LastEventAt          time.Time `json:"last_event_at"`
	RestartCount         int       `json:"restart_count"`
	MissedHeartbeatCount int       `json:"missed_heartbeat_count"`
	LastSeenEventID      int64     `json:"last_seen_event_id"`
}

// ToolAuditCounts tallies Tool Gateway outcomes observed so far.
type ToolAuditCounts struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// Derived holds values recomputed fresh on every cycle from the rest of the
// view.
type Derived struct {
	OfficeMode  string  `json:"office_mode"`
	StressLevel float64 `json:"stress_level"`
}

// View is the single materialized read-model document.
type View struct {
	SchemaVersion       int                   `json:"schema_version"`
	Timestamp           time.Time             `json:"timestamp"`
	LastUpdatedAt       time.Time             `json:"last_updated_at"`
	LastSeenEventID     int64                 `json:"last_seen_event_id"`
	LastSeenToolAuditID int64                 `json:"last_seen_tool_audit_id"`
	Running             bool                  `json:"running"`
	EventQueueSize      int                   `json:"event_queue_size"`
	CurrentEvent        *mailstore.Event      `json:"current_event,omitempty"`
	EventsProcessed     int64                 `json:"events_processed"`
	EventTypeCounts     map[string]int64      `json:"event_type_counts"`
	ToolAuditCounts     ToolAuditCounts       `json:"tool_audit_counts"`
	Workers             map[string]*WorkerRow `json:"workers"`
	Derived             Derived               `json:"derived"`
}

// defaultView is what Load returns when no view file exists yet.
func defaultView() *View {
	return &View{
		SchemaVersion:   SchemaVersion,
		EventTypeCounts: map[string]int64{},
		Workers:         map[string]*WorkerRow{},
		Derived:         Derived{OfficeMode: OfficeModePaused, StressLevel: 0},
	}
}

// stressSaturationDepth is the pending-queue depth at which the derived
// stress_level saturates at 1.0.
const stressSaturationDepth = 25.0
