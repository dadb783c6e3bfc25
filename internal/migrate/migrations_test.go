package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyline/internal/db"
	"storyline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	before, err := migrate.CurrentStatus(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, before.Current)
	assert.GreaterOrEqual(t, before.Latest, 1)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	after, err := migrate.CurrentStatus(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, after.Latest, after.Current)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('requests','epics','test_case_steps','lineage_versions')`).Scan(&n))
	assert.Equal(t, 4, n)
}
