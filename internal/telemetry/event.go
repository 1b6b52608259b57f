package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind is the lifecycle moment a telemetry event describes.
type Kind string

const (
	KindSpawn    Kind = "spawn"
	KindComplete Kind = "complete"
	KindFail     Kind = "fail"
	KindCancel   Kind = "cancel"
)

// Terminal reports whether the event closes a task's lifecycle.
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindFail || k == KindCancel
}

// Event is a structured task lifecycle record.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id"`
	TaskType  string         `json:"task_type"`
	TraceID   string         `json:"trace_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives telemetry events. Callers treat errors as best-effort.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }

// Nop discards every event.
func Nop() Sink { return nopSink{} }

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.String("session_id", ev.SessionID),
		slog.String("task_id", ev.TaskID),
		slog.String("task_type", ev.TaskType),
	}
	if ev.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ev.TraceID))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", ev.Status))
	}
	if ev.Kind.Terminal() {
		attrs = append(attrs, slog.Duration("duration", ev.Duration))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error), slog.String("error_type", ev.ErrorType))
	}
	s.logger.LogAttrs(ctx, s.level, "task telemetry", attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var filtered []Sink
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return multiSink(filtered)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
