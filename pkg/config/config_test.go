package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EVE_DATA_ROOT", "EVE_LOG_LEVEL", "EVE_METHODOLOGY_VERSION", "EVE_SOURCE",
		"EVE_SOURCE_BASE_URL", "EVE_VAULT_BACKEND", "EVE_VAULT_DSN", "EVE_ARTIFACTS_TYPE",
		"EVE_DAY_DELAY", "EVE_MONTH_DELAY", "EVE_SERVER_RATE", "EVE_SOURCE_MAX_RETRIES",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "EVE_REDIS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv("EVE_DATA_ROOT", root)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, root, cfg.DataRoot)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "v1.0.0", cfg.MethodologyVersion)
	assert.Equal(t, "elprisetjustnu", cfg.Source.Name)
	assert.Equal(t, 500*time.Millisecond, cfg.Pacing.DayDelay)
	assert.Equal(t, 2*time.Second, cfg.Pacing.MonthDelay)
	assert.Equal(t, "file", cfg.Vault.Backend)
	assert.Equal(t, filepath.Join(root, "vault"), cfg.VaultDir())
	assert.Equal(t, filepath.Join(root, "raw"), cfg.ArtifactStore().Dir)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "eve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_root: `+root+`
log_level: DEBUG
methodology_version: v1.2.0
pacing:
  day_delay: 1s
vault:
  backend: sqlite
  dsn: file:vault.db
artifacts:
  type: s3
  bucket: eve-raw
server:
  rate_per_second: 2.5
`), 0o644))
	t.Setenv("EVE_LOG_LEVEL", "WARN")
	t.Setenv("EVE_MONTH_DELAY", "3s")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "WARN", cfg.LogLevel)
	assert.Equal(t, "v1.2.0", cfg.MethodologyVersion)
	assert.Equal(t, time.Second, cfg.Pacing.DayDelay)
	assert.Equal(t, 3*time.Second, cfg.Pacing.MonthDelay)
	assert.Equal(t, "sqlite", cfg.Vault.Backend)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Artifacts.Type)
	assert.Equal(t, "eve-raw", cfg.ArtifactStore().Bucket)
	assert.Empty(t, cfg.ArtifactStore().Dir)
	assert.InDelta(t, 2.5, cfg.Server.RatePerSecond, 1e-9)
}

func TestLoad_RejectsUnknownYAMLKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "eve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_root: /tmp\nroot_dir: /tmp\n"), 0o644))

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_DataRoot(t *testing.T) {
	clearEnv(t)

	_, err := config.Load("")
	assert.ErrorContains(t, err, "data root is required")

	t.Setenv("EVE_DATA_ROOT", filepath.Join(t.TempDir(), "missing"))
	_, err = config.Load("")
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	t.Setenv("EVE_DATA_ROOT", file)
	_, err = config.Load("")
	assert.ErrorContains(t, err, "not a directory")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"methodology without v", "EVE_METHODOLOGY_VERSION", "1.0.0", "methodology version"},
		{"methodology not semver", "EVE_METHODOLOGY_VERSION", "v1.0", "methodology version"},
		{"log level", "EVE_LOG_LEVEL", "LOUD", "log level"},
		{"vault backend", "EVE_VAULT_BACKEND", "etcd", "unknown vault backend"},
		{"sql without dsn", "EVE_VAULT_BACKEND", "postgres", "needs a dsn"},
		{"artifact type", "EVE_ARTIFACTS_TYPE", "ftp", "unknown artifacts type"},
		{"bad duration", "EVE_DAY_DELAY", "soon", "EVE_DAY_DELAY"},
		{"bad retries", "EVE_SOURCE_MAX_RETRIES", "many", "EVE_SOURCE_MAX_RETRIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EVE_DATA_ROOT", t.TempDir())
			t.Setenv(tt.key, tt.value)
			_, err := config.Load("")
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseMethodology(t *testing.T) {
	v, err := config.ParseMethodology("v2.3.4")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Major())
}
