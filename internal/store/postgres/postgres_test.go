package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/syncq/internal/store"
	"github.com/loykin/syncq/internal/store/storetest"
)

// newContainerDB starts PostgreSQL in Docker and returns a migrated store.
// The test is skipped when Docker is unavailable or in -short mode.
func newContainerDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("records"),
		tcpostgres.WithUsername("syncq"),
		tcpostgres.WithPassword("syncq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func TestPostgresContract(t *testing.T) {
	storetest.Run(t, newContainerDB(t))
}

func TestPostgresEnsureSchemaIsRepeatable(t *testing.T) {
	db := newContainerDB(t)
	ctx := context.Background()

	id, err := db.Add(ctx, store.Draft{Owner: "scout", Payload: []byte{0x00, 0xff}})
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))

	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, rec.Payload, "binary payloads round trip through BYTEA")
}

func TestPostgresUnreachable(t *testing.T) {
	db, err := New("postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = db.EnsureSchema(context.Background())
	assert.ErrorIs(t, err, store.ErrPersistence)
}
