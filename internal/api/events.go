package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/metrics/exporters"
)

// eventTypes maps SSE event names to payload types.
func eventTypes() map[string]any {
	types := map[string]any{
		"worker-state-changed": events.WorkerStateChangedEvent{},
		"worker-exited":        events.WorkerExitedEvent{},
		"worker-exhausted":     events.WorkerExhaustedEvent{},
		"auth-state-changed":   events.AuthStateChangedEvent{},
		"login-step":           events.LoginStepEvent{},
	}
	for name, typ := range exporters.GetEventTypes() {
		types[name] = typ
	}
	return types
}

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time worker state, metrics and login events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, eventTypes(), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		if s.eventBus == nil {
			return
		}
		eventCh := make(chan any, 10)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.WorkerStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WorkerExitedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WorkerExhaustedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.AuthStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.LoginStepEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WorkerMetricsEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first so a fresh client does not wait for a transition
		now := time.Now().Format(time.RFC3339)
		bot := s.options.Bot.Status()
		if err := send.Data(events.WorkerStateChangedEvent{
			Worker:    bot.Name,
			State:     string(bot.State),
			PID:       bot.PID,
			Attempt:   bot.Attempts,
			Timestamp: now,
		}); err != nil {
			return
		}
		auth := s.options.Auth.Status()
		if err := send.Data(events.AuthStateChangedEvent{
			State:     string(auth.State),
			Error:     auth.LastError,
			Timestamp: now,
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
