package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RequestQueued    = "request.queued"
	RequestCompleted = "request.completed"
	RequestFailed    = "request.failed"
	ArtifactCreated  = "artifact.created"
	ArtifactUpdated  = "artifact.updated"
	LineageActivated = "lineage.activated"
)

// SystemActor is recorded for events written by the worker rather than a caller.
const SystemActor = "storyline-worker"

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event describes one audit entry.
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes evt through ex, normally the transaction that performed the change.
func (w Writer) Append(ctx context.Context, ex Execer, evt Event) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	if evt.ActorID == "" {
		evt.ActorID = SystemActor
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
