package postgresql_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/repository"
	"gpu-quota-service/internal/repository/postgresql"
	"gpu-quota-service/internal/repository/repositorytest"
)

// Needs a disposable database: POSTGRES_TEST_DSN=postgres://... go test ./...
func TestStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	repositorytest.Run(t, func(t *testing.T) repository.Store {
		ctx := context.Background()
		pool, err := postgresql.NewPool(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS jobs; DROP TABLE IF EXISTS principals;`)
		require.NoError(t, err)
		require.NoError(t, postgresql.Migrate(ctx, pool))
		return postgresql.NewStore(pool)
	})
}
