package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "fieldops.yaml", `
log_level: debug
refresh:
  interval: 5m
  max_concurrent: 8
buildings:
  - id: bldg-1
    name: 12 West St
    identifiers:
      housing: "1012345"
      fire: "BIN-77"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, 8, cfg.Refresh.MaxConcurrent)
	require.Len(t, cfg.Buildings, 1)
	assert.Equal(t, "12 West St", cfg.Buildings[0].Name)
	assert.Equal(t, "BIN-77", cfg.Buildings[0].Identifiers[model.SourceFire])
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Prediction.TopN)
	assert.Equal(t, 35.0, cfg.Scoring.Weights[model.SeverityCritical].Weight)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "fieldops.json", `{"log_level":"warn","prediction":{"top_n":5}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Prediction.TopN)
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := Load(writeFile(t, "empty.yaml", "   \n"))
	require.Error(t, err)
}

func TestValidateRejectsNonCriticalCapsThatReachCriticalTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.Weights[model.SeverityHazardous] = SeverityWeight{Weight: 10, Cap: 45}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-critical")
}

func TestValidateRejectsDuplicateBuilding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buildings = []BuildingConfig{
		{Building: model.Building{ID: "b1"}},
		{Building: model.Building{ID: "b1"}},
	}
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "cassandra"
	require.Error(t, Validate(cfg))
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FIELDOPS_LOG_LEVEL", "error")
	t.Setenv("FIELDOPS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("FIELDOPS_REFRESH_INTERVAL", "90s")
	t.Setenv("FIELDOPS_FIRE_TOKEN", "secret")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Refresh.Interval)
	assert.Equal(t, "secret", cfg.Sources.Fire.Token)
	assert.Empty(t, cfg.Sources.Housing.Token)
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "fieldops.yaml", "log_level: info\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "debug", m.Get().LogLevel)
}
