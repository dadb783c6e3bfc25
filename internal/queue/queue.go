// Package queue carries task payloads from intake to workers over NATS
// JetStream. Tasks live on a work-queue stream, so each one is removed
// once a worker acks it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"storyline/internal/apperr"
	"storyline/internal/domain"
)

const (
	DefaultSubject = "storyline.tasks"
	DefaultStream  = "STORYLINE_TASKS"
	DefaultGroup   = "storyline-workers"
)

type Config struct {
	Subject string
	Stream  string
	// Group is the durable consumer shared by every worker process.
	Group   string
	Workers int
	AckWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	return c
}

// Queue owns the stream and hands out a publisher and a consumer for it.
type Queue struct {
	JS     jetstream.JetStream
	Stream jetstream.Stream
	Config Config
}

// Open creates or updates the task stream on nc.
func Open(ctx context.Context, nc *nats.Conn, cfg Config) (*Queue, error) {
	if nc == nil || nc.IsClosed() {
		return nil, apperr.New(apperr.Broker, "open queue", errors.New("nats connection is closed"))
	}
	cfg = cfg.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, apperr.New(apperr.Broker, "open jetstream", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, apperr.New(apperr.Broker, "create stream "+cfg.Stream, err)
	}
	return &Queue{JS: js, Stream: stream, Config: cfg}, nil
}

// Enqueue publishes task and waits for the stream to acknowledge it.
func (q *Queue) Enqueue(ctx context.Context, task domain.TaskPayload) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := q.JS.Publish(ctx, q.Config.Subject, data, jetstream.WithMsgID(task.RequestID)); err != nil {
		return apperr.New(apperr.Broker, "publish task", err)
	}
	return nil
}

// Consumer returns the durable consumer workers pull from. At most Workers
// messages are outstanding at once.
func (q *Queue) Consumer(ctx context.Context) (jetstream.Consumer, error) {
	cons, err := q.Stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       q.Config.Group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.Config.AckWait,
		MaxAckPending: q.Config.Workers,
		FilterSubject: q.Config.Subject,
	})
	if err != nil {
		return nil, apperr.New(apperr.Broker, "create consumer "+q.Config.Group, err)
	}
	return cons, nil
}

// Pending reports how many tasks are waiting in the stream.
func (q *Queue) Pending(ctx context.Context) (uint64, error) {
	info, err := q.Stream.Info(ctx)
	if err != nil {
		return 0, apperr.New(apperr.Broker, "stream info", err)
	}
	return info.State.Msgs, nil
}
