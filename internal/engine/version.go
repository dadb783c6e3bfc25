package engine

import (
	"context"
	"database/sql"
	"strconv"

	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/registry"
)

// NextVersion is one past the highest version in items, or 1 for none.
func NextVersion(items []domain.Artifact) int {
	highest := 0
	for _, a := range items {
		if a.Version > highest {
			highest = a.Version
		}
	}
	return highest + 1
}

// allocateVersion claims the next version of a lineage inside tx. A
// concurrent claim of the same version surfaces as an integrity error.
func (e Engine) allocateVersion(ctx context.Context, tx *sql.Tx, entry registry.Entry, parent int64, requestID, at string) (int, error) {
	lineage, err := e.Repo.ListLineage(ctx, tx, entry, parent, false)
	if err != nil {
		return 0, err
	}
	version := NextVersion(lineage)
	if err := e.Repo.ClaimVersion(ctx, tx, entry.Kind, parent, version, requestID, at); err != nil {
		return 0, err
	}
	return version, nil
}

// activate makes ids the only active rows of the lineage. The rows are
// written active, so this only retires the rest.
func (e Engine) activate(ctx context.Context, tx *sql.Tx, entry registry.Entry, parent int64, ids []int64, version int, task domain.TaskPayload, at string) error {
	retired, err := e.Repo.DeactivateLineage(ctx, tx, entry, parent, ids, at)
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.Event{
		Type:       events.LineageActivated,
		ProjectID:  deref(task.ProjectID),
		EntityKind: string(entry.Kind),
		EntityID:   strconv.FormatInt(parent, 10),
		Payload:    events.EventPayload{"version": version, "active": ids, "retired": retired},
	})
}
