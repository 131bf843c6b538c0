package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ocx/swarm/internal/mailstore"
)

// eventsThatFlipRunning maps SUPERVISOR_START/STOP to the running flag they
// set.
var eventsThatFlipRunning = map[string]bool{
	"SUPERVISOR_START": true,
	"SUPERVISOR_STOP":  false,
}

// Materializer owns the view file exclusively and rebuilds it from
// MailStore cursors on every Cycle call.
type Materializer struct {
	store    *mailstore.Store
	viewPath string
}

// New returns a Materializer that persists its view at viewPath.
func New(store *mailstore.Store, viewPath string) *Materializer {
	return &Materializer{store: store, viewPath: viewPath}
}

// Load recovers the persisted view's cursors, or returns the default view
// if no file exists yet. A crash between a prior Cycle's read and write is
// safe because the next run re-derives everything from these cursors.
func (m *Materializer) Load() (*View, error) {
	b, err := os.ReadFile(m.viewPath)
	if os.IsNotExist(err) {
		return defaultView(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("projection: read view: %w", err)
	}
	var v View
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("projection: unmarshal view: %w", err)
	}
	if v.EventTypeCounts == nil {
		v.EventTypeCounts = map[string]int64{}
	}
	if v.Workers == nil {
		v.Workers = map[string]*WorkerRow{}
	}
	return &v, nil
}

// Cycle performs one materialization pass: load, advance cursors over new
// events and tool-audit rows, recompute derived fields, and atomically
// persist the result.
func (m *Materializer) Cycle(ctx context.Context) (*View, error) {
	view, err := m.Load()
	if err != nil {
		return nil, err
	}

	pendingEvents, err := m.store.ListEvents(ctx, mailstore.StatusPending)
	if err != nil {
		return nil, err
	}
	view.EventQueueSize = len(pendingEvents)

	allEvents, err := m.store.ListEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(allEvents) > 0 {
		view.CurrentEvent = &allEvents[len(allEvents)-1]
	}

	for _, ev := range allEvents {
		if ev.ID <= view.LastSeenEventID {
			continue
		}
		applyEvent(view, ev)
		view.LastSeenEventID = ev.ID
	}

	auditRows, err := m.store.ListToolAudit(ctx, 100000)
	if err != nil {
		return nil, err
	}
	for _, row := range auditRows {
		if row.ID <= view.LastSeenToolAuditID {
			continue
		}
		if row.Allowed {
			view.ToolAuditCounts.Allowed++
		} else {
			view.ToolAuditCounts.Denied++
		}
		view.LastSeenToolAuditID = row.ID
	}

	view.Derived.OfficeMode = OfficeModePaused
	if view.Running {
		view.Derived.OfficeMode = OfficeModeRunning
	}
	view.Derived.StressLevel = minFloat(float64(view.EventQueueSize)/stressSaturationDepth, 1.0)

	now := time.Now().UTC()
	view.Timestamp = now
	view.LastUpdatedAt = now
	view.SchemaVersion = SchemaVersion

	if err := m.writeAtomic(view); err != nil {
		return nil, err
	}
	return view, nil
}

func applyEvent(view *View, ev mailstore.Event) {
	view.EventTypeCounts[ev.Type]++
	view.EventsProcessed++

	if running, ok := eventsThatFlipRunning[ev.Type]; ok {
		view.Running = running
	}

	workerID := resolveWorkerID(ev)
	if workerID == "" {
		return
	}
	row, ok := view.Workers[workerID]
	if !ok {
		row = &WorkerRow{State: WorkerOffline}
		view.Workers[workerID] = row
	}

	switch ev.Type {
	case "WORKER_STARTED":
		row.Present = true
		row.State = WorkerActive
	case "WORKER_RESTART_SCHEDULED":
		row.State = WorkerRestarting
	case "WORKER_RESTARTED":
		row.Present = true
		row.State = WorkerActive
		row.RestartCount++
	case "WORKER_EXITED":
		row.Present = false
		row.State = WorkerOffline
	case "WORKER_HEARTBEAT_MISSED":
		row.MissedHeartbeatCount++
		if row.MissedHeartbeatCount >= 2 {
			row.Present = false
			row.State = WorkerOffline
		}
	}

	row.LastEventType = ev.Type
	row.LastEventAt = ev.Timestamp
	row.LastSeenEventID = ev.ID
}

func resolveWorkerID(ev mailstore.Event) string {
	if ev.TargetAgent != "" {
		return ev.TargetAgent
	}
	for _, key := range []string{"agent_id", "worker", "target_agent"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (m *Materializer) writeAtomic(view *View) error {
	b, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("projection: marshal view: %w", err)
	}
	dir := filepath.Dir(m.viewPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("projection: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".view-*.tmp")
	if err != nil {
		return fmt.Errorf("projection: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("projection: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("projection: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projection: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, m.viewPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projection: rename: %w", err)
	}
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
