package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/logging"
)

// Executor runs tasks. Abandon is called once retries are exhausted.
type Executor interface {
	Execute(ctx context.Context, task domain.TaskPayload) error
	Abandon(ctx context.Context, task domain.TaskPayload, cause error) error
}

type Recorder interface {
	TaskRetried(kind string)
}

// RetryPolicy bounds redelivery of transient failures within one message.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Randomization   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		Randomization:   0.5,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Randomization
	return b
}

var ErrBadPayload = errors.New("undecodable task payload")

type Dispatcher struct {
	Exec    Executor
	Retry   RetryPolicy
	Metrics Recorder
	Log     *logging.Logger
	Workers int
}

func NewDispatcher(exec Executor, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{Exec: exec, Retry: DefaultRetryPolicy(), Log: log.Named("dispatcher"), Workers: 4}
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Log == nil {
		return logging.Nop()
	}
	return d.Log
}

// Handle runs one message body to completion. Transient failures are retried
// with backoff and abandoned when attempts run out; everything else ends the
// task on the first attempt. Only an undecodable body is returned as an error.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	var task domain.TaskPayload
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if task.RequestID == "" {
		return fmt.Errorf("%w: missing requestId", ErrBadPayload)
	}
	// Shutdown must not cut a task short once it has started.
	ctx = logging.WithKind(logging.WithRequestID(context.WithoutCancel(ctx), task.RequestID), task.ArtifactKind)
	log := d.logger()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := d.Exec.Execute(ctx, task)
		if err == nil || apperr.Retryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(d.Retry.backOff()),
		backoff.WithMaxTries(d.maxTries()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if d.Metrics != nil {
				d.Metrics.TaskRetried(task.ArtifactKind)
			}
			log.Warn(ctx, "retrying task", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("wait", wait))
		}),
	)
	switch {
	case err == nil:
		return nil
	case apperr.Retryable(err):
		log.Error(ctx, "retries exhausted", zap.Error(err), zap.Int("attempts", attempt))
		if aerr := d.Exec.Abandon(ctx, task, err); aerr != nil {
			log.Error(ctx, "abandon task", zap.Error(aerr))
		}
	default:
		log.Error(ctx, "task failed", zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) maxTries() uint {
	if d.Retry.MaxAttempts == 0 {
		return DefaultRetryPolicy().MaxAttempts
	}
	return d.Retry.MaxAttempts
}

// Run consumes cons until ctx is done, then waits for in-flight tasks.
func (d *Dispatcher) Run(ctx context.Context, cons jetstream.Consumer) error {
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.process(ctx, msg)
		}()
	}, jetstream.PullMaxMessages(workers))
	if err != nil {
		return apperr.New(apperr.Broker, "consume tasks", err)
	}
	d.logger().Info(ctx, "dispatcher started", zap.Int("workers", workers))
	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	d.logger().Info(context.Background(), "dispatcher stopped")
	return nil
}

func (d *Dispatcher) process(ctx context.Context, msg jetstream.Msg) {
	log := d.logger()
	if err := d.Handle(ctx, msg.Data()); err != nil {
		log.Error(ctx, "dropping message", zap.Error(err), zap.String("subject", msg.Subject()))
		if terr := msg.Term(); terr != nil {
			log.Warn(ctx, "term message", zap.Error(terr))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		log.Warn(ctx, "ack message", zap.Error(err))
	}
}
