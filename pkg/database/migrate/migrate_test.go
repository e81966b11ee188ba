//go:build integration

package migrate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("Run applies migrations", func(t *testing.T) {
		err := Run(db)
		require.NoError(t, err)

		var exists bool
		err = db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = 'sessions'
			)
		`).Scan(&exists)
		require.NoError(t, err)
		require.True(t, exists, "sessions table should exist")

		err = db.QueryRow(`
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_name = 'requests'
			)
		`).Scan(&exists)
		require.NoError(t, err)
		require.True(t, exists, "requests table should exist")
	})

	t.Run("Version returns current version", func(t *testing.T) {
		version, dirty, err := Version(db)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, uint(2), version)
	})

	t.Run("Run is idempotent", func(t *testing.T) {
		err := Run(db)
		require.NoError(t, err)

		version, dirty, err := Version(db)
		require.NoError(t, err)
		require.False(t, dirty)
		require.Equal(t, uint(2), version)
	})

	t.Run("duration check rejects negatives", func(t *testing.T) {
		_, err := db.Exec(`
			INSERT INTO requests (request_id, session_id, operation, timestamp, duration_ms, status)
			VALUES ('req-neg', 'unattributed', 'tools/call', NOW(), -1, 'success')
		`)
		require.Error(t, err, "duration_ms < 0 must violate the table constraint")
	})

	t.Run("activity check rejects rewinds", func(t *testing.T) {
		_, err := db.Exec(`
			INSERT INTO sessions (id, client_name, client_version, client_capabilities,
				status, connected_at, last_activity_at, disconnect_reason,
				reconnect_token_hash, reconnect_count)
			VALUES ('sess-rewind', 'cli', '', '{}', 'active',
				NOW(), NOW() - INTERVAL '1 minute', '', '', 0)
		`)
		require.Error(t, err, "last_activity_at before connected_at must violate the table constraint")
	})
}
