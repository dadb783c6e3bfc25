package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Level: "debug", Format: "console"}.Validate())
	assert.Error(t, Config{Level: "loud"}.Validate())
	assert.Error(t, Config{Format: "xml"}.Validate())
}

func TestContextFieldsCarryRequestID(t *testing.T) {
	log := NewTestLogger()
	ctx := WithKind(WithRequestID(context.Background(), "req-1"), "epic")

	log.Info(ctx, "task started", zap.Int("attempt", 1))

	log.AssertLogged(t, zapcore.InfoLevel, "task started")
	log.AssertField(t, "task started", "request.id", "req-1")
	log.AssertField(t, "task started", "artifact.kind", "epic")
}

func TestNamedAndWith(t *testing.T) {
	log := NewTestLogger()
	child := log.Named("engine").With(zap.String("component", "orchestrator"))
	child.Warn(context.Background(), "lineage busy")

	entries := log.FilterMessage("lineage busy").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}
