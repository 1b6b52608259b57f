package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := MustNewPrometheusSink(reg)
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, Event{Kind: KindSpawn, TaskType: "background"}))
	require.NoError(t, sink.Emit(ctx, Event{Kind: KindSpawn, TaskType: "background"}))
	require.NoError(t, sink.Emit(ctx, Event{Kind: KindComplete, TaskType: "background", Status: "complete", Duration: time.Second}))

	require.Equal(t, 2.0, promtest.ToFloat64(sink.events.WithLabelValues("spawn", "background")))
	require.Equal(t, 1.0, promtest.ToFloat64(sink.events.WithLabelValues("complete", "background")))
	require.Equal(t, 1.0, promtest.ToFloat64(sink.active.WithLabelValues("background")))
	require.Equal(t, 1, promtest.CollectAndCount(sink.duration))
}

func TestPrometheusSinkReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewPrometheusSink(reg)
	second := MustNewPrometheusSink(reg)
	require.NoError(t, second.Emit(context.Background(), Event{Kind: KindFail, TaskType: "foreground", Status: "failed"}))
	require.Equal(t, 1.0, promtest.ToFloat64(first.events.WithLabelValues("fail", "foreground")))
}

func TestLogSinkWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger, slog.LevelInfo)
	require.NoError(t, sink.Emit(context.Background(), Event{Kind: KindFail, TaskID: "t1", Error: "boom", ErrorType: "error"}))
	require.Contains(t, buf.String(), `"task_id":"t1"`)
	require.Contains(t, buf.String(), `"error":"boom"`)
}

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	failing := SinkFunc(func(context.Context, Event) error {
		calls++
		return errors.New("sink down")
	})
	counting := SinkFunc(func(context.Context, Event) error {
		calls++
		return nil
	})
	err := Multi(failing, nil, counting, Nop()).Emit(context.Background(), Event{Kind: KindSpawn})
	require.EqualError(t, err, "sink down")
	require.Equal(t, 2, calls)
}
