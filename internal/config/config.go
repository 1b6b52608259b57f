package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/session"
	"github.com/flitsinc/go-sessions/internal/steering"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Limits      Limits `yaml:"limits"`
}

// Limits mirrors session.Config in file form.
type Limits struct {
	MaxTasksPerSession  int           `yaml:"max_tasks_per_session"`
	MaxBackgroundTasks  int           `yaml:"max_background_tasks"`
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks"`
	MaxTaskRuntime      time.Duration `yaml:"max_task_runtime"`
	MaxPendingPatches   int           `yaml:"max_pending_patches"`
	InboxSize           int           `yaml:"inbox_size"`
	SubscriberQueueSize int           `yaml:"subscriber_queue_size"`
	DedupWindow         int           `yaml:"dedup_window"`
	PersistQueueSize    int           `yaml:"persist_queue_size"`
	MaxPayloadBytes     int           `yaml:"max_payload_bytes"`
	MergeStrategy       string        `yaml:"merge_strategy"`
}

// SessionConfig converts the limits into a session configuration. Unset
// values keep the session defaults.
func (l Limits) SessionConfig() (session.Config, error) {
	cfg := session.Config{
		MaxTasksPerSession:  l.MaxTasksPerSession,
		MaxBackgroundTasks:  l.MaxBackgroundTasks,
		MaxConcurrentTasks:  l.MaxConcurrentTasks,
		MaxTaskRuntime:      l.MaxTaskRuntime,
		MaxPendingPatches:   l.MaxPendingPatches,
		InboxSize:           l.InboxSize,
		SubscriberQueueSize: l.SubscriberQueueSize,
		DedupWindow:         l.DedupWindow,
		PersistQueueSize:    l.PersistQueueSize,
		PayloadLimits:       steering.Limits{MaxPayloadBytes: l.MaxPayloadBytes},
	}
	if l.MergeStrategy != "" {
		strategy, err := agentcontext.ParseMergeStrategy(l.MergeStrategy)
		if err != nil {
			return session.Config{}, fmt.Errorf("limits: %w", err)
		}
		cfg.DefaultMergeStrategy = strategy
	}
	return cfg, nil
}

// Load reads .env, then the optional YAML file named by GO_SESSIONS_CONFIG,
// then GO_SESSIONS_* variables, each layer overriding the previous one.
func Load() (Config, error) {
	loadDotEnv(".env")
	cfg := Config{
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
	if path := os.Getenv("GO_SESSIONS_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.DataDir = getEnv("GO_SESSIONS_DATA_DIR", cfg.DataDir)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "go-sessions.db")
	}
	cfg.DBPath = getEnv("GO_SESSIONS_DB_PATH", cfg.DBPath)
	cfg.MetricsAddr = getEnv("GO_SESSIONS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("GO_SESSIONS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GO_SESSIONS_LOG_FORMAT", cfg.LogFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{"GO_SESSIONS_MAX_TASKS", &cfg.Limits.MaxTasksPerSession},
		{"GO_SESSIONS_MAX_BACKGROUND_TASKS", &cfg.Limits.MaxBackgroundTasks},
		{"GO_SESSIONS_MAX_CONCURRENT_TASKS", &cfg.Limits.MaxConcurrentTasks},
		{"GO_SESSIONS_MAX_PENDING_PATCHES", &cfg.Limits.MaxPendingPatches},
		{"GO_SESSIONS_INBOX_SIZE", &cfg.Limits.InboxSize},
		{"GO_SESSIONS_SUBSCRIBER_QUEUE_SIZE", &cfg.Limits.SubscriberQueueSize},
		{"GO_SESSIONS_DEDUP_WINDOW", &cfg.Limits.DedupWindow},
		{"GO_SESSIONS_PERSIST_QUEUE_SIZE", &cfg.Limits.PersistQueueSize},
		{"GO_SESSIONS_MAX_PAYLOAD_BYTES", &cfg.Limits.MaxPayloadBytes},
	}
	for _, item := range ints {
		v, err := getEnvInt(item.key, *item.dst)
		if err != nil {
			return Config{}, err
		}
		*item.dst = v
	}
	runtime, err := getEnvDuration("GO_SESSIONS_MAX_TASK_RUNTIME", cfg.Limits.MaxTaskRuntime)
	if err != nil {
		return Config{}, err
	}
	cfg.Limits.MaxTaskRuntime = runtime
	cfg.Limits.MergeStrategy = getEnv("GO_SESSIONS_MERGE_STRATEGY", cfg.Limits.MergeStrategy)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"'`))
	}
}
