package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/events"
	"storyline/internal/llm"
	"storyline/internal/logging"
	"storyline/internal/notify"
	"storyline/internal/parse"
	"storyline/internal/registry"
	"storyline/internal/repo"
)

// Recorder receives task outcome counts.
type Recorder interface {
	TaskFinished(kind string, status domain.Status)
	NotificationFailed()
}

// Enqueuer hands a task payload to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, task domain.TaskPayload) error
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Generator llm.Generator
	Defaults  llm.Defaults
	Notifier  notify.Emitter
	Queue     Enqueuer
	Metrics   Recorder
	Log       *logging.Logger
	Now       func() time.Time

	locks *lineageLocks
}

func New(db *sql.DB, gen llm.Generator, notifier notify.Emitter, log *logging.Logger) Engine {
	if log == nil {
		log = logging.Nop()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Generator: gen,
		Defaults:  llm.DefaultDefaults(),
		Notifier:  notifier,
		Log:       log.Named("engine"),
		Now:       time.Now,
		locks:     newLineageLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *logging.Logger {
	if e.Log == nil {
		return logging.Nop()
	}
	return e.Log
}

// Execute runs one task to a terminal Request status. Re-running a task
// whose Request is already terminal is a no-op. Transient provider errors
// are returned without touching the Request so the dispatcher can retry.
func (e Engine) Execute(ctx context.Context, task domain.TaskPayload) error {
	ctx = logging.WithKind(logging.WithRequestID(ctx, task.RequestID), task.ArtifactKind)
	log := e.logger()

	ch := e.channel(ctx)
	defer e.release(ctx, ch)

	req, err := e.Repo.GetRequest(ctx, nil, task.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		log.Error(ctx, "request not found")
		e.publish(ctx, ch, failureNotification(task, nil, "request not found"))
		return nil
	}
	if err != nil {
		return apperr.New(apperr.Transient, "load request", err)
	}
	if req.Status.Terminal() {
		log.Debug(ctx, "request already terminal", zap.String("status", string(req.Status)))
		return nil
	}

	entry, ok := registry.Lookup(domain.Kind(task.ArtifactKind))
	if !ok {
		return e.fail(ctx, ch, task, req, apperr.Configf("execute", "unknown artifact kind %q", task.ArtifactKind))
	}
	strat := strategyFor(task)

	tgt, err := strat.target(ctx, e, entry, req, task)
	if err != nil {
		return e.fail(ctx, ch, task, req, err)
	}
	if req.Parent == nil || *req.Parent != tgt.parent {
		if err := e.Repo.SetRequestParent(ctx, nil, req.RequestID, tgt.parent, e.stamp()); err != nil {
			return apperr.New(apperr.Transient, "record parent", err)
		}
		req.Parent = &tgt.parent
	}
	settings, err := e.Defaults.Merge(task.LLMConfig)
	if err != nil {
		return e.fail(ctx, ch, task, req, err)
	}

	res, err := e.Generator.Generate(ctx, e.buildPrompt(ctx, task), settings)
	if err != nil {
		if apperr.Retryable(err) {
			log.Warn(ctx, "provider call failed; retry eligible", zap.Error(err))
			return err
		}
		return e.fail(ctx, ch, task, req, err)
	}
	log.Debug(ctx, "provider responded",
		zap.String("provider", settings.Provider),
		zap.Int("prompt_tokens", res.PromptTokens),
		zap.Int("completion_tokens", res.CompletionTokens))

	parsed, err := strat.parse(entry, res.Text)
	if err != nil {
		log.Error(ctx, "provider output rejected", zap.Error(err), zap.String("raw", res.Text))
		return e.fail(ctx, ch, task, req, apperr.New(apperr.Validation, "parse", err))
	}

	out, err := e.commit(ctx, strat, tgt, parsed, res, task)
	if errors.Is(err, repo.ErrTerminal) {
		log.Info(ctx, "request finished by a concurrent execution")
		return nil
	}
	if err != nil {
		return e.fail(ctx, ch, task, req, err)
	}

	e.record(task.ArtifactKind, domain.StatusCompleted)
	log.Info(ctx, "request completed", zap.Int64s("item_ids", out.itemIDs))
	e.publish(ctx, ch, successNotification(task, req, tgt, out))
	return nil
}

// commit persists a parsed result under the lineage lock in one transaction.
func (e Engine) commit(ctx context.Context, strat strategy, tgt target, parsed parse.Result, res llm.Result, task domain.TaskPayload) (outcome, error) {
	unlock := e.lineageLocks().lock(tgt.entry.Kind, tgt.parent)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcome{}, err
	}
	defer tx.Rollback()

	at := e.stamp()
	out, err := strat.persist(ctx, e, tx, tgt, parsed, res, task, at)
	if err != nil {
		return outcome{}, err
	}
	if err := e.Repo.CompleteRequest(ctx, tx, task.RequestID, at); err != nil {
		return outcome{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type:       events.RequestCompleted,
		ProjectID:  deref(task.ProjectID),
		EntityKind: "request",
		EntityID:   task.RequestID,
		Payload:    events.EventPayload{"kind": task.ArtifactKind, "item_ids": out.itemIDs},
	}); err != nil {
		return outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		if repo.IsIntegrity(err) {
			return outcome{}, apperr.New(apperr.Integrity, "commit", err)
		}
		return outcome{}, err
	}
	return out, nil
}

// Abandon marks a task failed after the dispatcher gave up retrying it.
func (e Engine) Abandon(ctx context.Context, task domain.TaskPayload, cause error) error {
	ctx = logging.WithKind(logging.WithRequestID(ctx, task.RequestID), task.ArtifactKind)
	ch := e.channel(ctx)
	defer e.release(ctx, ch)

	req, err := e.Repo.GetRequest(ctx, nil, task.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		e.publish(ctx, ch, failureNotification(task, nil, "request not found"))
		return nil
	}
	if err != nil {
		return apperr.New(apperr.Transient, "load request", err)
	}
	if req.Status.Terminal() {
		return nil
	}
	e.fail(ctx, ch, task, req, fmt.Errorf("retries exhausted: %w", cause))
	return nil
}

// fail records a terminal failure and notifies. Only unclassified errors are
// handed back to the caller.
func (e Engine) fail(ctx context.Context, ch notify.Channel, task domain.TaskPayload, req domain.Request, cause error) error {
	log := e.logger()
	msg := cause.Error()
	log.Error(ctx, "request failed", zap.Error(cause), zap.String("error.kind", apperr.KindOf(cause).String()))

	if err := e.markFailed(ctx, task, msg); err != nil {
		if errors.Is(err, repo.ErrTerminal) {
			return nil
		}
		log.Error(ctx, "record failure", zap.Error(err))
	}
	e.record(task.ArtifactKind, domain.StatusFailed)
	e.publish(ctx, ch, failureNotification(task, &req, msg))
	if apperr.KindOf(cause) == apperr.Generic {
		return cause
	}
	return nil
}

func (e Engine) markFailed(ctx context.Context, task domain.TaskPayload, msg string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FailRequest(ctx, tx, task.RequestID, msg, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type:       events.RequestFailed,
		ProjectID:  deref(task.ProjectID),
		EntityKind: "request",
		EntityID:   task.RequestID,
		Payload:    events.EventPayload{"kind": task.ArtifactKind, "error": msg},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) record(kind string, status domain.Status) {
	if e.Metrics != nil {
		e.Metrics.TaskFinished(kind, status)
	}
}

// channel opens the per-task notification channel. A broker failure yields
// a channel that drops everything, since notifications never fail a task.
func (e Engine) channel(ctx context.Context) notify.Channel {
	if e.Notifier == nil {
		return discardChannel{}
	}
	ch, err := e.Notifier.Channel(ctx)
	if err != nil {
		e.logger().Warn(ctx, "notification channel unavailable", zap.Error(err))
		return discardChannel{err: err}
	}
	return ch
}

func (e Engine) release(ctx context.Context, ch notify.Channel) {
	if err := ch.Close(); err != nil {
		e.logger().Warn(ctx, "close notification channel", zap.Error(err))
		e.notificationFailed()
	}
}

func (e Engine) publish(ctx context.Context, ch notify.Channel, n domain.Notification) {
	if err := ch.Publish(ctx, n); err != nil {
		e.logger().Warn(ctx, "publish notification", zap.Error(err), zap.String("status", string(n.Status)))
		e.notificationFailed()
	}
}

func (e Engine) notificationFailed() {
	if e.Metrics != nil {
		e.Metrics.NotificationFailed()
	}
}

type discardChannel struct{ err error }

func (d discardChannel) Publish(context.Context, domain.Notification) error { return d.err }
func (discardChannel) Close() error                                         { return nil }

func successNotification(task domain.TaskPayload, req domain.Request, tgt target, out outcome) domain.Notification {
	parent := strconv.FormatInt(tgt.parent, 10)
	if k := domain.Kind(task.ArtifactKind); (k == domain.KindEpic || k == domain.KindWBS) && len(out.itemIDs) > 0 {
		parent = strconv.FormatInt(out.itemIDs[0], 10)
	}
	return domain.Notification{
		RequestID:      task.RequestID,
		ProjectID:      projectOf(task, &req),
		Parent:         &parent,
		TaskType:       task.ArtifactKind,
		Status:         domain.StatusCompleted,
		ItemIDs:        out.itemIDs,
		Version:        out.version,
		WorkItemID:     task.WorkItemID,
		ParentBoardID:  task.ParentBoardID,
		IsReprocessing: task.Reprocessing(),
	}
}

func failureNotification(task domain.TaskPayload, req *domain.Request, msg string) domain.Notification {
	n := domain.Notification{
		RequestID:      task.RequestID,
		ProjectID:      projectOf(task, req),
		TaskType:       task.ArtifactKind,
		Status:         domain.StatusFailed,
		ErrorMessage:   &msg,
		ItemIDs:        []int64{},
		WorkItemID:     task.WorkItemID,
		ParentBoardID:  task.ParentBoardID,
		IsReprocessing: task.Reprocessing(),
	}
	if req != nil && req.Parent != nil {
		p := strconv.FormatInt(*req.Parent, 10)
		n.Parent = &p
	}
	return n
}

func projectOf(task domain.TaskPayload, req *domain.Request) *string {
	if task.ProjectID != nil {
		return task.ProjectID
	}
	if req != nil {
		return req.ProjectID
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
