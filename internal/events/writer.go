package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the orchestrator. The log is the audit trail for
// every routing decision, so gate outcomes and checkpoint transitions are
// always recorded alongside the state change that produced them.
const (
	RunStarted         = "run.started"
	RunIterating       = "run.iterating"
	RunCompleted       = "run.completed"
	RunFailed          = "run.failed"
	RunAbandoned       = "run.abandoned"
	PhaseExecuted      = "phase.executed"
	GateDecided        = "gate.decided"
	CheckpointCreated  = "checkpoint.created"
	CheckpointResolved = "checkpoint.resolved"
	CheckpointExpired  = "checkpoint.expired"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction so the log entry
// commits or rolls back with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendRun is Append specialised for run-entity events.
func (w Writer) AppendRun(ctx context.Context, tx *sql.Tx, evtType, projectID, runID, actorID string, payload EventPayload) error {
	return w.Append(ctx, tx, evtType, projectID, "run", runID, actorID, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
