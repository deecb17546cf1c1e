package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventLog_EmitAndReceive(t *testing.T) {
	l := NewEventLog(0, testLogger())

	var received int32
	l.On(EventTopicPublished, func(e Event) {
		atomic.AddInt32(&received, 1)
		assert.Equal(t, "a.b", e.Topic)
	})

	l.Emit(Event{Type: EventTopicPublished, Topic: "a.b"})
	l.Emit(Event{Type: EventWorkerReady})

	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestEventLog_WildcardHandler(t *testing.T) {
	l := NewEventLog(0, testLogger())

	var count int32
	l.On("*", func(Event) { atomic.AddInt32(&count, 1) })

	l.Emit(Event{Type: EventWorkerReady})
	l.Emit(Event{Type: EventWorkerLost})

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestEventLog_Off(t *testing.T) {
	l := NewEventLog(0, testLogger())

	var count int32
	id := l.On(EventWorkerReady, func(Event) { atomic.AddInt32(&count, 1) })

	l.Emit(Event{Type: EventWorkerReady})
	l.Off(EventWorkerReady, id)
	l.Emit(Event{Type: EventWorkerReady})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestEventLog_PanicRecovery(t *testing.T) {
	l := NewEventLog(0, testLogger())

	var reached int32
	l.On(EventWorkerReady, func(Event) { panic("boom") })
	l.On(EventWorkerReady, func(Event) { atomic.AddInt32(&reached, 1) })

	require.NotPanics(t, func() { l.Emit(Event{Type: EventWorkerReady}) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&reached))
}

func TestEventLog_Replay(t *testing.T) {
	l := NewEventLog(3, testLogger())
	start := time.Now()

	l.Emit(Event{Type: EventTopicPublished, Topic: "a"})
	l.Emit(Event{Type: EventTopicPublished, Topic: "b"})
	l.Emit(Event{Type: EventWorkerReady})
	l.Emit(Event{Type: EventTopicPublished, Topic: "c"})

	all := l.Replay("*", start)
	require.Len(t, all, 3, "history is bounded")
	assert.Equal(t, "b", all[0].Topic)

	published := l.Replay(EventTopicPublished, start)
	require.Len(t, published, 2)
	assert.Equal(t, "c", published[1].Topic)

	assert.Empty(t, l.Replay("*", time.Now().Add(time.Hour)))
}
