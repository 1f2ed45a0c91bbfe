package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	latest := all[len(all)-1].Version

	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n))
	require.Equal(t, 1, n)
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM automation_actions`).Scan(&n))
	require.Zero(t, n)
}
