package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a lifecycle notice from a Handler, for logging and diagnostics.
// It never carries bus traffic.
type Event struct {
	Type      string // e.g. "worker.ready", "topic.published", "uplink.opened"
	Topic     string // topic concerned, if any
	Err       error  // set on failure events
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Well-known event types.
const (
	EventWorkerReady      = "worker.ready"
	EventWorkerFailed     = "worker.failed"
	EventWorkerLost       = "worker.lost"
	EventTopicPublished   = "topic.published"
	EventPublishFailed    = "topic.publish_failed"
	EventTopicUnpublished = "topic.unpublished"
	EventUplinkOpened     = "uplink.opened"
	EventUplinkFailed     = "uplink.failed"
)

// EventLog dispatches lifecycle events to handlers and keeps a bounded
// history of them.
type EventLog struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	seq        int
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventLog creates an EventLog remembering up to maxHistory events.
func NewEventLog(maxHistory int, logger *slog.Logger) *EventLog {
	if maxHistory <= 0 {
		maxHistory = 256
	}
	return &EventLog{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler for the given event type. Use "*" to listen to all
// events. Returns the handler ID for Off.
func (l *EventLog) On(eventType string, handler EventHandler) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := eventType + "-" + strconv.Itoa(l.seq)
	l.handlers[eventType] = append(l.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (l *EventLog) Off(eventType, handlerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	handlers := l.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			l.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls the matching handlers synchronously.
func (l *EventLog) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	if len(l.history) >= l.maxHistory {
		l.history = l.history[1:]
	}
	l.history = append(l.history, event)
	handlers := append([]namedHandler(nil), l.handlers[event.Type]...)
	handlers = append(handlers, l.handlers["*"]...)
	l.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns recorded events of the given type since the given time.
// Use "*" for all types.
func (l *EventLog) Replay(eventType string, since time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for _, e := range l.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}
