package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink turns task lifecycle events into counters, a duration
// histogram and an active-task gauge.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   *prometheus.GaugeVec
}

// MustNewPrometheusSink registers the collectors with reg, reusing ones that
// are already registered under the same names. Other registration errors
// panic.
func MustNewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "go_sessions",
			Subsystem: "tasks",
			Name:      "events_total",
			Help:      "Task lifecycle events by kind and task type.",
		},
		[]string{"kind", "task_type"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "go_sessions",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Wall time from spawn to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type", "status"},
	)
	active := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "go_sessions",
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks spawned and not yet terminal.",
		},
		[]string{"task_type"},
	)

	if existing, err := register(reg, events); err == nil {
		events = existing.(*prometheus.CounterVec)
	} else {
		panic(err)
	}
	if existing, err := register(reg, duration); err == nil {
		duration = existing.(*prometheus.HistogramVec)
	} else {
		panic(err)
	}
	if existing, err := register(reg, active); err == nil {
		active = existing.(*prometheus.GaugeVec)
	} else {
		panic(err)
	}
	return &PrometheusSink{events: events, duration: duration, active: active}
}

func register(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

func (s *PrometheusSink) Emit(_ context.Context, ev Event) error {
	if s == nil {
		return nil
	}
	s.events.WithLabelValues(string(ev.Kind), ev.TaskType).Inc()
	switch {
	case ev.Kind == KindSpawn:
		s.active.WithLabelValues(ev.TaskType).Inc()
	case ev.Kind.Terminal():
		s.active.WithLabelValues(ev.TaskType).Dec()
		s.duration.WithLabelValues(ev.TaskType, ev.Status).Observe(ev.Duration.Seconds())
	}
	return nil
}
