package exporters

import (
	"context"
	"time"

	"github.com/smazurov/tgrelay/internal/authsvc"
	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/supervisor"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// Source produces one snapshot per worker.
type Source func(now time.Time) []events.WorkerMetricsEvent

// BotStatus is implemented by *supervisor.Supervisor.
type BotStatus interface {
	Status() supervisor.Status
}

// AuthStatus is implemented by *authsvc.Manager.
type AuthStatus interface {
	Status() authsvc.Status
}

// WorkerSource snapshots the bot worker and the auth service. Either may be nil.
func WorkerSource(bot BotStatus, auth AuthStatus) Source {
	return func(now time.Time) []events.WorkerMetricsEvent {
		var out []events.WorkerMetricsEvent
		ts := now.UTC().Format(time.RFC3339)
		if bot != nil {
			st := bot.Status()
			ev := events.WorkerMetricsEvent{
				Worker:        st.Name,
				State:         string(st.State),
				Attempts:      st.Attempts,
				RestartsTotal: st.RestartsTotal,
				Timestamp:     ts,
			}
			if st.State == supervisor.StateRunning && !st.StartedAt.IsZero() {
				ev.UptimeSeconds = now.Sub(st.StartedAt).Seconds()
			}
			out = append(out, ev)
		}
		if auth != nil {
			st := auth.Status()
			ev := events.WorkerMetricsEvent{
				Worker:    "auth",
				State:     string(st.State),
				Attempts:  st.Attempts,
				Timestamp: ts,
			}
			if st.State == authsvc.StateReady && !st.ReadyAt.IsZero() {
				ev.UptimeSeconds = now.Sub(st.ReadyAt).Seconds()
			}
			out = append(out, ev)
		}
		return out
	}
}

// SSEExporter periodically publishes worker snapshots for the dashboard.
type SSEExporter struct {
	eventBus EventPublisher
	source   Source
	interval time.Duration
	now      func() time.Time
}

// NewSSEExporter creates a new SSE exporter. interval defaults to 5s.
func NewSSEExporter(eventBus EventPublisher, source Source, interval time.Duration) *SSEExporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SSEExporter{
		eventBus: eventBus,
		source:   source,
		interval: interval,
		now:      time.Now,
	}
}

// Serve publishes until ctx is done.
func (s *SSEExporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publishMetrics()
		}
	}
}

func (s *SSEExporter) String() string {
	return "worker-metrics-exporter"
}

func (s *SSEExporter) publishMetrics() {
	if s.eventBus == nil || s.source == nil {
		return
	}
	for _, ev := range s.source(s.now()) {
		s.eventBus.Publish(ev)
	}
}

// GetEventTypes returns event types for SSE endpoint registration.
func GetEventTypes() map[string]any {
	return map[string]any{
		"worker-metrics": events.WorkerMetricsEvent{},
	}
}
