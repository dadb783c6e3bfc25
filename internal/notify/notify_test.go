package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/notify"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
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

func TestNATSChannelPublishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(notify.DefaultSubject)
	require.NoError(t, err)

	emitter := notify.NewNATS(nc, "")
	ch, err := emitter.Channel(context.Background())
	require.NoError(t, err)
	require.NoError(t, ch.Publish(context.Background(), domain.Notification{
		RequestID: "r-1", TaskType: "feature", Status: domain.StatusFailed,
	}))
	require.NoError(t, ch.Close())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "r-1", got["requestId"])
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, []any{}, got["itemIds"])
	assert.Contains(t, got, "parent")
	assert.Equal(t, false, got["isReprocessing"])
}

func TestNATSChannelOnClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	_, err = notify.NewNATS(nc, "custom.subject").Channel(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Broker))
}

func TestMemoryEmitter(t *testing.T) {
	m := notify.NewMemory()
	ch, err := m.Channel(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Balanced())
	require.NoError(t, ch.Publish(context.Background(), domain.Notification{RequestID: "a"}))
	require.NoError(t, ch.Close())
	assert.True(t, m.Balanced())
	require.Len(t, m.Sent(), 1)
	assert.NotNil(t, m.Sent()[0].ItemIDs)
}
