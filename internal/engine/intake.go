package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/logging"
)

// SubmitOptions describe a generation or reprocessing request at intake.
type SubmitOptions struct {
	Kind           string
	Parent         *int64
	ProjectID      *string
	ArtifactID     *int64
	Prompt         domain.PromptPayload
	LLMConfig      *domain.LLMConfig
	WorkItemID     *string
	ParentBoardID  *string
	TestType       *string
	TargetLanguage *string
	ActorID        string
}

// Submit records a pending Request and enqueues its task. The kind is not
// checked here; the worker fails unknown kinds. Provider settings are
// checked so out-of-range values never reach the queue.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Request, error) {
	if strings.TrimSpace(opts.Kind) == "" {
		return domain.Request{}, apperr.New(apperr.Validation, "submit", errors.New("task_type is required"))
	}
	if _, err := e.Defaults.Merge(opts.LLMConfig); err != nil {
		return domain.Request{}, err
	}
	if e.Queue == nil {
		return domain.Request{}, apperr.New(apperr.Broker, "submit", errors.New("no task queue configured"))
	}

	now := e.stamp()
	req := domain.Request{
		RequestID:  uuid.NewString(),
		ProjectID:  opts.ProjectID,
		Parent:     opts.Parent,
		Kind:       opts.Kind,
		Status:     domain.StatusPending,
		ArtifactID: opts.ArtifactID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ctx = logging.WithKind(logging.WithRequestID(ctx, req.RequestID), req.Kind)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type:       events.RequestQueued,
		ProjectID:  deref(opts.ProjectID),
		EntityKind: "request",
		EntityID:   req.RequestID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"kind": req.Kind, "reprocess": opts.ArtifactID != nil},
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}

	task := domain.TaskPayload{
		RequestID:      req.RequestID,
		ArtifactKind:   opts.Kind,
		PromptPayload:  opts.Prompt,
		LLMConfig:      opts.LLMConfig,
		WorkItemID:     opts.WorkItemID,
		ParentBoardID:  opts.ParentBoardID,
		TestType:       opts.TestType,
		TargetLanguage: opts.TargetLanguage,
		ArtifactID:     opts.ArtifactID,
		ProjectID:      opts.ProjectID,
	}
	if err := e.Queue.Enqueue(ctx, task); err != nil {
		msg := fmt.Sprintf("enqueue task: %v", err)
		e.logger().Error(ctx, "enqueue failed", zap.Error(err))
		if ferr := e.markFailed(ctx, task, msg); ferr != nil {
			e.logger().Error(ctx, "record failure", zap.Error(ferr))
		}
		return domain.Request{}, apperr.New(apperr.Broker, "enqueue task", err)
	}
	e.logger().Info(ctx, "request queued")
	return req, nil
}
