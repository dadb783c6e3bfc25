package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/logging"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

type scriptedExecutor struct {
	mu        sync.Mutex
	errs      []error
	executed  []string
	abandoned []string
	cause     error
	done      chan string
}

func (s *scriptedExecutor) Execute(_ context.Context, task domain.TaskPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, task.RequestID)
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	if err == nil && s.done != nil {
		s.done <- task.RequestID
	}
	return err
}

func (s *scriptedExecutor) Abandon(_ context.Context, task domain.TaskPayload, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, task.RequestID)
	s.cause = cause
	return nil
}

type retryCounter struct {
	mu    sync.Mutex
	kinds []string
}

func (r *retryCounter) TaskRetried(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func fastDispatcher(exec Executor) (*Dispatcher, *retryCounter) {
	d := NewDispatcher(exec, logging.Nop())
	d.Retry = RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	rc := &retryCounter{}
	d.Metrics = rc
	return d, rc
}

func payload(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(domain.TaskPayload{RequestID: id, ArtifactKind: "feature"})
	require.NoError(t, err)
	return data
}

func TestHandleRetriesTransientThenSucceeds(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{
		apperr.Transientf("generate", "timeout"),
		apperr.Transientf("generate", "timeout"),
	}}
	d, rc := fastDispatcher(exec)

	require.NoError(t, d.Handle(context.Background(), payload(t, "r-1")))
	assert.Len(t, exec.executed, 3)
	assert.Empty(t, exec.abandoned)
	assert.Equal(t, []string{"feature", "feature"}, rc.kinds)
}

func TestHandleAbandonsAfterMaxAttempts(t *testing.T) {
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, apperr.Transientf("generate", "rate limited"))
	}
	exec := &scriptedExecutor{errs: errs}
	d, rc := fastDispatcher(exec)

	require.NoError(t, d.Handle(context.Background(), payload(t, "r-2")))
	assert.Len(t, exec.executed, 5)
	assert.Equal(t, []string{"r-2"}, exec.abandoned)
	assert.True(t, apperr.Retryable(exec.cause))
	assert.Len(t, rc.kinds, 4)
}

func TestHandleDoesNotRetryOtherErrors(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{errors.New("boom")}}
	d, rc := fastDispatcher(exec)

	require.NoError(t, d.Handle(context.Background(), payload(t, "r-3")))
	assert.Len(t, exec.executed, 1)
	assert.Empty(t, exec.abandoned)
	assert.Empty(t, rc.kinds)
}

func TestHandleRejectsBadPayload(t *testing.T) {
	d, _ := fastDispatcher(&scriptedExecutor{})

	require.ErrorIs(t, d.Handle(context.Background(), []byte("not json")), ErrBadPayload)
	require.ErrorIs(t, d.Handle(context.Background(), []byte(`{"artifactKind":"epic"}`)), ErrBadPayload)
}

func TestHandleIgnoresCancelledContext(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{apperr.Transientf("generate", "timeout")}}
	d, _ := fastDispatcher(exec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Handle(ctx, payload(t, "r-4")))
	assert.Len(t, exec.executed, 2)
}

func TestQueueDeliversToDispatcher(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q, err := Open(ctx, nc, Config{Workers: 2})
	require.NoError(t, err)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(ctx, domain.TaskPayload{RequestID: id, ArtifactKind: "epic"}))
	}
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pending)

	cons, err := q.Consumer(ctx)
	require.NoError(t, err)
	exec := &scriptedExecutor{done: make(chan string, len(ids))}
	d, _ := fastDispatcher(exec)
	d.Workers = 2

	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(runCtx, cons) }()

	got := map[string]bool{}
	for range ids {
		select {
		case id := <-exec.done:
			got[id] = true
		case <-ctx.Done():
			t.Fatal("timed out waiting for tasks")
		}
	}
	stop()
	require.NoError(t, <-runErr)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, got)

	require.Eventually(t, func() bool {
		n, err := q.Pending(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEnqueueDeduplicatesByRequestID(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ctx := context.Background()
	q, err := Open(ctx, nc, Config{Subject: "test.tasks", Stream: "TEST_TASKS"})
	require.NoError(t, err)
	task := domain.TaskPayload{RequestID: "dup", ArtifactKind: "task"}
	require.NoError(t, q.Enqueue(ctx, task))
	require.NoError(t, q.Enqueue(ctx, task))

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestOpenRejectsClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	_, err = Open(context.Background(), nc, Config{})
	assert.True(t, apperr.Is(err, apperr.Broker))
}
