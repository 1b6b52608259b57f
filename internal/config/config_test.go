package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
)

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /var/lib/sessions.db
log_format: json
limits:
  max_background_tasks: 3
  max_concurrent_tasks: 2
  max_task_runtime: 90s
  merge_strategy: replace
`), 0o600))

	t.Chdir(dir)
	t.Setenv("GO_SESSIONS_CONFIG", path)
	t.Setenv("GO_SESSIONS_MAX_CONCURRENT_TASKS", "4")
	t.Setenv("GO_SESSIONS_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/var/lib/sessions.db", cfg.DBPath)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3, cfg.Limits.MaxBackgroundTasks)
	require.Equal(t, 4, cfg.Limits.MaxConcurrentTasks)
	require.Equal(t, 90*time.Second, cfg.Limits.MaxTaskRuntime)

	sessCfg, err := cfg.Limits.SessionConfig()
	require.NoError(t, err)
	require.Equal(t, agentcontext.MergeReplace, sessCfg.DefaultMergeStrategy)
	require.Equal(t, 4, sessCfg.MaxConcurrentTasks)
}

func TestLoadDefaultsAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# local\nexport GO_SESSIONS_DATA_DIR=\"state\"\nGO_SESSIONS_MAX_TASK_RUNTIME=5s\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("GO_SESSIONS_CONFIG", "")
	t.Setenv("GO_SESSIONS_DATA_DIR", "")
	t.Setenv("GO_SESSIONS_MAX_TASK_RUNTIME", "")
	os.Unsetenv("GO_SESSIONS_DATA_DIR")
	os.Unsetenv("GO_SESSIONS_MAX_TASK_RUNTIME")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "state", cfg.DataDir)
	require.Equal(t, filepath.Join("state", "go-sessions.db"), cfg.DBPath)
	require.Equal(t, 5*time.Second, cfg.Limits.MaxTaskRuntime)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GO_SESSIONS_CONFIG", "")
	t.Setenv("GO_SESSIONS_MAX_TASKS", "many")
	_, err := Load()
	require.ErrorContains(t, err, "GO_SESSIONS_MAX_TASKS")

	_, err = Limits{MergeStrategy: "sideways"}.SessionConfig()
	require.Error(t, err)
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogLevel: "warn", LogFormat: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"k":"v"`)
}

func TestLoadQueueLimitsFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
limits:
  subscriber_queue_size: 16
  dedup_window: 8
  persist_queue_size: 64
  max_payload_bytes: 2048
`), 0o600))
	t.Chdir(dir)
	t.Setenv("GO_SESSIONS_CONFIG", path)
	t.Setenv("GO_SESSIONS_SUBSCRIBER_QUEUE_SIZE", "32")
	t.Setenv("GO_SESSIONS_DEDUP_WINDOW", "128")
	t.Setenv("GO_SESSIONS_PERSIST_QUEUE_SIZE", "4096")
	t.Setenv("GO_SESSIONS_MAX_PAYLOAD_BYTES", "8192")

	cfg, err := Load()
	require.NoError(t, err)

	sessCfg, err := cfg.Limits.SessionConfig()
	require.NoError(t, err)
	require.Equal(t, 32, sessCfg.SubscriberQueueSize)
	require.Equal(t, 128, sessCfg.DedupWindow)
	require.Equal(t, 4096, sessCfg.PersistQueueSize)
	require.Equal(t, 8192, sessCfg.PayloadLimits.MaxPayloadBytes)

	t.Setenv("GO_SESSIONS_DEDUP_WINDOW", "wide")
	_, err = Load()
	require.ErrorContains(t, err, "GO_SESSIONS_DEDUP_WINDOW")
}
