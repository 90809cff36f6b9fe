package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileFlattensKeys(t *testing.T) {
	path := writeConfigFile(t, `
kafka:
  brokers:
    - broker-1:9092
    - broker-2:9092
  group_id: readbridge
outbox:
  batch_size: 50
  idle_sleep: 250ms
maintenance:
  enabled: true
`)

	cfg := New()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.GetStrings("kafka.brokers"))
	assert.Equal(t, "readbridge", cfg.Get("kafka.group_id"))
	assert.Equal(t, 50, cfg.GetInt("outbox.batch_size", 0))
	assert.Equal(t, 250*time.Millisecond, cfg.GetDuration("outbox.idle_sleep", 0))
	assert.True(t, cfg.GetBool("maintenance.enabled", false))
}

func TestLoadFileMissing(t *testing.T) {
	cfg := New()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestApplyEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
outbox:
  batch_size: 50
`)
	t.Setenv("READBRIDGE_OUTBOX_BATCH_SIZE", "75")
	t.Setenv("READBRIDGE_KAFKA_GROUP_ID", "override-group")

	cfg := New()
	require.NoError(t, cfg.LoadFile(path))
	cfg.ApplyEnv()

	assert.Equal(t, 75, cfg.GetInt("outbox.batch_size", 0))
	assert.Equal(t, "override-group", cfg.Get("kafka.group_id"))
}

func TestTypedGetterFallbacks(t *testing.T) {
	cfg := New()
	cfg.Update(map[string]string{"bad.int": "abc", "bad.bool": "perhaps", "rate": "0.25"})

	assert.Equal(t, "fallback", cfg.GetDefault("missing", "fallback"))
	assert.Equal(t, 7, cfg.GetInt("missing", 7))
	assert.Equal(t, 7, cfg.GetInt("bad.int", 7))
	assert.Equal(t, 0.25, cfg.GetFloat("rate", 1))
	assert.Equal(t, 1.0, cfg.GetFloat("bad.int", 1))
	assert.True(t, cfg.GetBool("bad.bool", true))
	assert.Equal(t, time.Second, cfg.GetDuration("missing", time.Second))
	assert.Nil(t, cfg.GetStrings("missing"))
}

func TestGetStringsTrimsEntries(t *testing.T) {
	cfg := New()
	cfg.Update(map[string]string{"list": " a , b ,, c"})
	assert.Equal(t, []string{"a", "b", "c"}, cfg.GetStrings("list"))
}

func TestRequiresRestart(t *testing.T) {
	cfg := New()
	cfg.Update(map[string]string{"kafka.brokers": "broker-1:9092", "outbox.batch_size": "20"})
	old := cfg.GetAll()

	cfg.Update(map[string]string{"outbox.batch_size": "40"})
	assert.False(t, cfg.RequiresRestart(old))

	cfg.Update(map[string]string{"kafka.brokers": "broker-2:9092"})
	assert.True(t, cfg.RequiresRestart(old))
}
