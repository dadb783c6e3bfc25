// Package notify publishes task outcome notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"storyline/internal/apperr"
	"storyline/internal/domain"
)

// DefaultSubject carries every outcome notification.
const DefaultSubject = "storyline.notifications"

// Emitter hands out one Channel per task execution.
type Emitter interface {
	Channel(ctx context.Context) (Channel, error)
}

// Channel is released by Close on every exit path of a task.
type Channel interface {
	Publish(ctx context.Context, n domain.Notification) error
	Close() error
}

// NATS publishes notifications on a subject of a shared connection.
type NATS struct {
	Conn         *nats.Conn
	Subject      string
	FlushTimeout time.Duration
}

func NewNATS(nc *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{Conn: nc, Subject: subject, FlushTimeout: 2 * time.Second}
}

func (n *NATS) Channel(context.Context) (Channel, error) {
	if n.Conn == nil || n.Conn.IsClosed() {
		return nil, apperr.New(apperr.Broker, "open notification channel", nats.ErrConnectionClosed)
	}
	return &natsChannel{conn: n.Conn, subject: n.Subject, flush: n.FlushTimeout}, nil
}

type natsChannel struct {
	conn      *nats.Conn
	subject   string
	flush     time.Duration
	published bool
}

func (c *natsChannel) Publish(_ context.Context, n domain.Notification) error {
	if n.ItemIDs == nil {
		n.ItemIDs = []int64{}
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return apperr.New(apperr.Broker, "publish notification", err)
	}
	c.published = true
	return nil
}

// Close flushes anything published through the channel. The shared
// connection stays open.
func (c *natsChannel) Close() error {
	if !c.published {
		return nil
	}
	if err := c.conn.FlushTimeout(c.flush); err != nil {
		return apperr.New(apperr.Broker, "flush notifications", err)
	}
	return nil
}

// Memory keeps notifications in process. Tests use it to assert on outcomes.
type Memory struct {
	mu     sync.Mutex
	sent   []domain.Notification
	opened int
	closed int
	// Err, when set, fails every Publish.
	Err error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Channel(context.Context) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
	return memoryChannel{m}, nil
}

// Sent returns a copy of every published notification.
func (m *Memory) Sent() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Notification(nil), m.sent...)
}

// Balanced reports whether every opened channel was closed.
func (m *Memory) Balanced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened == m.closed
}

type memoryChannel struct{ m *Memory }

func (c memoryChannel) Publish(_ context.Context, n domain.Notification) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.Err != nil {
		return apperr.New(apperr.Broker, "publish notification", c.m.Err)
	}
	if n.ItemIDs == nil {
		n.ItemIDs = []int64{}
	}
	c.m.sent = append(c.m.sent, n)
	return nil
}

func (c memoryChannel) Close() error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.closed++
	return nil
}
