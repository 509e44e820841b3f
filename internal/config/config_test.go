package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Orchestrator.RetryLimit)
	assert.Equal(t, 100, cfg.Orchestrator.MaxBatchInputs)
	assert.True(t, cfg.Orchestrator.IgnoreErrors)
}

func TestLoad_FileOverrides(t *testing.T) {
	body := `
orchestrator:
  retry_limit: 1
  max_errors_allowed: 2
  ignore_errors: false
  max_batch_inputs: 4
catalog:
  page_size: 3
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Orchestrator.RetryLimit)
	assert.Equal(t, 2, cfg.Orchestrator.MaxErrorsAllowed)
	assert.False(t, cfg.Orchestrator.IgnoreErrors)
	assert.Equal(t, 4, cfg.Orchestrator.MaxBatchInputs)
	assert.Equal(t, 3, cfg.Catalog.PageSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WORKER_SERVICE_ID", "subsetter")
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "subsetter", cfg.Worker.ServiceID)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "orchestrator:\n  max_batch_inputs: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_batch_inputs")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "/tmp/x.db"}
	dsn := sqlite.DSN()
	assert.True(t, strings.HasPrefix(dsn, "file:/tmp/x.db?"))
	assert.Contains(t, dsn, "_txlock=immediate")

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
