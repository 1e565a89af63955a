package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// A nil bus drops the event so components can run without one.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case WorkerStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerExitedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerExhaustedEvent:
		event.Publish(b.dispatcher, e)
	case AuthStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case LoginStepEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case WorkerMetricsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler's parameter type selects the events it receives.
// Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e WorkerExitedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(WorkerStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerExitedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerExhaustedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(AuthStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LoginStepEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerMetricsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
