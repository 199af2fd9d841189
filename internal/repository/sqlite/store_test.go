package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gpu-quota-service/internal/repository"
	"gpu-quota-service/internal/repository/repositorytest"
	"gpu-quota-service/internal/repository/sqlite"
)

func TestStore(t *testing.T) {
	repositorytest.Run(t, func(t *testing.T) repository.Store {
		s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "gpu.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
