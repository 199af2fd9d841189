package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "gpuctl", cmd.Use)
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["migrate"])
	assert.True(t, names["principal"])
	assert.True(t, names["jobs"])

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gpuctl.yaml")
	content := "store:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "gpu.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// principalID pulls the id column out of a printPrincipal table.
func principalID(t *testing.T, out string) string {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	return strings.Fields(lines[1])[0]
}

func TestPrincipalCommands(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	cfg := sqliteConfig(t)

	out, err := run(t, "-c", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (sqlite)")

	out, err = run(t, "-c", cfg, "principal", "create", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "standard")
	assert.Contains(t, out, "120")
	id := principalID(t, out)

	out, err = run(t, "-c", cfg, "principal", "set-role", id, "privileged")
	require.NoError(t, err)
	assert.Contains(t, out, "privileged")
	assert.Contains(t, out, "120")

	out, err = run(t, "-c", cfg, "principal", "show", id)
	require.NoError(t, err)
	assert.Equal(t, id, principalID(t, out))

	out, err = run(t, "-c", cfg, "principal", "create", "root", "--role", "privileged")
	require.NoError(t, err)
	assert.Contains(t, out, "1000")

	_, err = run(t, "-c", cfg, "principal", "create", "alice")
	assert.Error(t, err)
	_, err = run(t, "-c", cfg, "principal", "create", "eve", "--role", "admin")
	assert.Error(t, err)
	_, err = run(t, "-c", cfg, "principal", "show", "not-a-uuid")
	assert.Error(t, err)
}

func TestJobsList(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	cfg := sqliteConfig(t)

	out, err := run(t, "-c", cfg, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "ID  OWNER  STATUS  GPU  DURATION  CREATED", strings.TrimSpace(out))

	_, err = run(t, "-c", cfg, "jobs", "list", "--status", "DONE")
	assert.Error(t, err)
	_, err = run(t, "-c", cfg, "jobs", "list", "--owner", "x")
	assert.Error(t, err)
}
