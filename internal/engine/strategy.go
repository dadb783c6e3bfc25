package engine

import (
	"context"
	"database/sql"
	"strconv"

	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/llm"
	"storyline/internal/parse"
	"storyline/internal/registry"
	"storyline/internal/repo"
)

// target is the resolved destination of one task.
type target struct {
	entry  registry.Entry
	parent int64
	// artifactID is the row being reprocessed; zero on create.
	artifactID int64
}

type outcome struct {
	itemIDs []int64
	version *int
}

// strategy supplies the steps that differ between creating artifacts and
// reprocessing an existing one. Execute owns everything else.
type strategy interface {
	target(ctx context.Context, e Engine, entry registry.Entry, req domain.Request, task domain.TaskPayload) (target, error)
	parse(entry registry.Entry, raw string) (parse.Result, error)
	persist(ctx context.Context, e Engine, tx *sql.Tx, tgt target, parsed parse.Result, res llm.Result, task domain.TaskPayload, at string) (outcome, error)
}

func strategyFor(task domain.TaskPayload) strategy {
	if task.Reprocessing() {
		return reprocessStrategy{}
	}
	return createStrategy{}
}

type createStrategy struct{}

func (createStrategy) target(ctx context.Context, e Engine, entry registry.Entry, req domain.Request, _ domain.TaskPayload) (target, error) {
	parent, err := e.ResolveParent(ctx, entry.Kind, req.Parent, nil)
	if err != nil {
		return target{}, err
	}
	return target{entry: entry, parent: parent}, nil
}

func (createStrategy) parse(entry registry.Entry, raw string) (parse.Result, error) {
	return entry.Parser.Parse(raw)
}

func (createStrategy) persist(ctx context.Context, e Engine, tx *sql.Tx, tgt target, parsed parse.Result, res llm.Result, task domain.TaskPayload, at string) (outcome, error) {
	if tgt.entry.InPlace {
		return e.writeScript(ctx, tx, tgt.parent, parsed.Script, res, task, at)
	}
	version, err := e.allocateVersion(ctx, tx, tgt.entry, tgt.parent, task.RequestID, at)
	if err != nil {
		return outcome{}, err
	}
	ids := make([]int64, 0, len(parsed.Items))
	for i, item := range parsed.Items {
		a := domain.Artifact{
			Parent:        tgt.parent,
			Version:       version,
			Active:        true,
			Title:         item.Title,
			Content:       item.Content,
			Summary:       item.Summary,
			WorkItemID:    task.WorkItemID,
			ParentBoardID: task.ParentBoardID,
			RequestID:     task.RequestID,
			CreatedAt:     at,
			UpdatedAt:     at,
		}
		// Usage is billed once per call, so it lands on the first sibling.
		if i == 0 {
			a.PromptTokens = res.PromptTokens
			a.CompletionTokens = res.CompletionTokens
		}
		if err := e.Repo.InsertArtifact(ctx, tx, tgt.entry, &a); err != nil {
			return outcome{}, err
		}
		if tgt.entry.SubRecords {
			if err := e.writeSubRecords(ctx, tx, a.ID, item, version); err != nil {
				return outcome{}, err
			}
		}
		if err := e.Events.Append(ctx, tx, events.Event{
			Type:       events.ArtifactCreated,
			ProjectID:  deref(task.ProjectID),
			EntityKind: string(tgt.entry.Kind),
			EntityID:   strconv.FormatInt(a.ID, 10),
			Payload:    events.EventPayload{"parent": tgt.parent, "version": version, "request_id": task.RequestID},
		}); err != nil {
			return outcome{}, err
		}
		ids = append(ids, a.ID)
	}
	if err := e.activate(ctx, tx, tgt.entry, tgt.parent, ids, version, task, at); err != nil {
		return outcome{}, err
	}
	return outcome{itemIDs: ids, version: &version}, nil
}

type reprocessStrategy struct{}

func (reprocessStrategy) target(ctx context.Context, e Engine, entry registry.Entry, _ domain.Request, task domain.TaskPayload) (target, error) {
	parent, err := e.ResolveParent(ctx, entry.Kind, nil, task.ArtifactID)
	if err != nil {
		return target{}, err
	}
	return target{entry: entry, parent: parent, artifactID: *task.ArtifactID}, nil
}

func (reprocessStrategy) parse(entry registry.Entry, raw string) (parse.Result, error) {
	return entry.Parser.ParseUpdate(raw)
}

func (reprocessStrategy) persist(ctx context.Context, e Engine, tx *sql.Tx, tgt target, parsed parse.Result, res llm.Result, task domain.TaskPayload, at string) (outcome, error) {
	if tgt.entry.InPlace {
		return e.writeScript(ctx, tx, tgt.artifactID, parsed.Script, res, task, at)
	}
	version, err := e.allocateVersion(ctx, tx, tgt.entry, tgt.parent, task.RequestID, at)
	if err != nil {
		return outcome{}, err
	}
	item := parsed.Items[0]
	if err := e.Repo.UpdateArtifact(ctx, tx, tgt.entry, repo.ArtifactUpdate{
		ID:               tgt.artifactID,
		Title:            item.Title,
		Content:          item.Content,
		Summary:          item.Summary,
		Version:          version,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		RequestID:        task.RequestID,
		WorkItemID:       task.WorkItemID,
		ParentBoardID:    task.ParentBoardID,
		At:               at,
	}); err != nil {
		return outcome{}, err
	}
	if tgt.entry.SubRecords {
		if err := e.writeSubRecords(ctx, tx, tgt.artifactID, item, version); err != nil {
			return outcome{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type:       events.ArtifactUpdated,
		ProjectID:  deref(task.ProjectID),
		EntityKind: string(tgt.entry.Kind),
		EntityID:   strconv.FormatInt(tgt.artifactID, 10),
		Payload:    events.EventPayload{"parent": tgt.parent, "version": version, "request_id": task.RequestID},
	}); err != nil {
		return outcome{}, err
	}
	ids := []int64{tgt.artifactID}
	if err := e.activate(ctx, tx, tgt.entry, tgt.parent, ids, version, task, at); err != nil {
		return outcome{}, err
	}
	return outcome{itemIDs: ids, version: &version}, nil
}

// writeScript stores an automation script on its test case. The test case
// keeps its version and no history row is written.
func (e Engine) writeScript(ctx context.Context, tx *sql.Tx, testCaseID int64, script string, res llm.Result, task domain.TaskPayload, at string) (outcome, error) {
	if err := e.Repo.UpdateScript(ctx, tx, testCaseID, script, res.PromptTokens, res.CompletionTokens, at); err != nil {
		return outcome{}, err
	}
	tc, err := e.Repo.GetArtifact(ctx, tx, registry.MustLookup(domain.KindTestCase), testCaseID)
	if err != nil {
		return outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type:       events.ArtifactUpdated,
		ProjectID:  deref(task.ProjectID),
		EntityKind: string(domain.KindAutomationScript),
		EntityID:   strconv.FormatInt(testCaseID, 10),
		Payload:    events.EventPayload{"request_id": task.RequestID, "script_bytes": len(script)},
	}); err != nil {
		return outcome{}, err
	}
	version := tc.Version
	return outcome{itemIDs: []int64{testCaseID}, version: &version}, nil
}

func (e Engine) writeSubRecords(ctx context.Context, tx *sql.Tx, testCaseID int64, item parse.Item, version int) error {
	if err := e.Repo.UpsertScenario(ctx, tx, testCaseID, item.Gherkin, version); err != nil {
		return err
	}
	steps := make([]domain.TestCaseStep, 0, len(item.Steps))
	for _, s := range item.Steps {
		steps = append(steps, domain.TestCaseStep{Step: s.Step, ExpectedResult: s.ExpectedResult})
	}
	return e.Repo.ReplaceSteps(ctx, tx, testCaseID, steps, version)
}
