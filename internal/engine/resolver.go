package engine

import (
	"context"
	"errors"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/registry"
	"storyline/internal/repo"
)

// ResolveParent returns the lineage key a task writes under. On first
// generation it is the caller's parent; on reprocessing it is read back
// from the existing row. Every failure is a configuration error.
func (e Engine) ResolveParent(ctx context.Context, kind domain.Kind, requestParent *int64, artifactID *int64) (int64, error) {
	entry, ok := registry.Lookup(kind)
	if !ok {
		return 0, apperr.Configf("resolve parent", "unknown artifact kind %q", kind)
	}
	if artifactID != nil {
		return e.parentOfArtifact(ctx, entry, *artifactID)
	}
	if requestParent == nil {
		return 0, apperr.Configf("resolve parent", "%s requires a parent", kind)
	}
	if *requestParent <= 0 {
		return 0, apperr.Configf("resolve parent", "invalid parent %d", *requestParent)
	}
	if entry.InPlace {
		if _, err := e.Repo.GetArtifact(ctx, nil, entry, *requestParent); err != nil {
			return 0, notFoundAsConfig(err, "test case %d does not exist", *requestParent)
		}
	}
	return *requestParent, nil
}

func (e Engine) parentOfArtifact(ctx context.Context, entry registry.Entry, id int64) (int64, error) {
	a, err := e.Repo.GetArtifact(ctx, nil, entry, id)
	if err != nil {
		return 0, notFoundAsConfig(err, "%s %d does not exist", entry.Kind, id)
	}
	if entry.InPlace {
		return a.ID, nil
	}
	return a.Parent, nil
}

func notFoundAsConfig(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Configf("resolve parent", format, args...)
	}
	return err
}
