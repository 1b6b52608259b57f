package session

import (
	"log/slog"
	"time"

	"github.com/flitsinc/go-sessions/internal/agentcontext"
	"github.com/flitsinc/go-sessions/internal/steering"
	"github.com/flitsinc/go-sessions/internal/telemetry"
)

// Config holds per-session limits. Zero values fall back to DefaultConfig,
// except MaxConcurrentTasks and MaxTaskRuntime where zero disables the
// gate and the runtime bound.
type Config struct {
	MaxTasksPerSession   int
	MaxBackgroundTasks   int
	MaxConcurrentTasks   int
	MaxTaskRuntime       time.Duration
	MaxPendingPatches    int
	InboxSize            int
	SubscriberQueueSize  int
	DedupWindow          int
	PersistQueueSize     int
	PayloadLimits        steering.Limits
	DefaultMergeStrategy agentcontext.MergeStrategy
}

// DefaultConfig returns the limits used for any zero field of a Config.
func DefaultConfig() Config {
	return Config{
		MaxTasksPerSession:   64,
		MaxBackgroundTasks:   8,
		MaxPendingPatches:    16,
		InboxSize:            steering.DefaultInboxSize,
		SubscriberQueueSize:  256,
		DedupWindow:          steering.DefaultDedupWindow,
		PersistQueueSize:     1024,
		PayloadLimits:        steering.DefaultLimits(),
		DefaultMergeStrategy: agentcontext.MergeAppend,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTasksPerSession <= 0 {
		c.MaxTasksPerSession = d.MaxTasksPerSession
	}
	if c.MaxBackgroundTasks <= 0 {
		c.MaxBackgroundTasks = d.MaxBackgroundTasks
	}
	if c.MaxConcurrentTasks < 0 {
		c.MaxConcurrentTasks = 0
	}
	if c.MaxTaskRuntime < 0 {
		c.MaxTaskRuntime = 0
	}
	if c.MaxPendingPatches <= 0 {
		c.MaxPendingPatches = d.MaxPendingPatches
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.SubscriberQueueSize <= 0 {
		c.SubscriberQueueSize = d.SubscriberQueueSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.PersistQueueSize <= 0 {
		c.PersistQueueSize = d.PersistQueueSize
	}
	if c.DefaultMergeStrategy == "" {
		c.DefaultMergeStrategy = d.DefaultMergeStrategy
	}
	return c
}

// Option configures a Session or every session a Manager creates.
type Option func(*options)

type options struct {
	config    Config
	logger    *slog.Logger
	telemetry telemetry.Sink
	policy    ControlPolicy
	now       func() time.Time
	initial   agentcontext.Fields
}

func defaultOptions() options {
	return options{
		config:    DefaultConfig(),
		logger:    slog.Default(),
		telemetry: telemetry.Nop(),
		now:       time.Now,
	}
}

// WithConfig sets the session limits.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the base logger. Sessions add a session_id attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTelemetry sets the sink that receives spawn and terminal events.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.telemetry = sink
		}
	}
}

// WithPolicy installs the confirmation gate consulted for every steering
// event.
func WithPolicy(policy ControlPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithClock overrides time.Now for task timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithInitialContext seeds the live session context of new sessions.
func WithInitialContext(fields agentcontext.Fields) Option {
	return func(o *options) {
		o.initial = fields
	}
}
