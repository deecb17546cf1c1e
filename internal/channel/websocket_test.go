package channel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fluxbus/internal/bus"
	"fluxbus/internal/domain"
	"fluxbus/internal/stream"
	"fluxbus/internal/stream/streamtest"
	"fluxbus/internal/worker"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	host    *worker.Host
	handler *bus.Handler
	server  *SocketServer
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	opts := worker.Options{Logger: testLogger(), Timeout: time.Second}
	host := worker.NewHost(opts)
	t.Cleanup(host.Close)
	h := bus.New(bus.Config{Factory: worker.InProcess(host, opts), Logger: testLogger()})
	t.Cleanup(func() { h.Close() })

	s := NewSocketServer(SocketConfig{Bus: h, Worker: host, Logger: testLogger()})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{host: host, handler: h, server: s, http: srv}
}

func (f *fixture) url(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func (f *fixture) dial(t *testing.T, prefix string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/socket?topic="+prefix), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNotification(t *testing.T, conn *websocket.Conn) domain.Notification {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	var n domain.Notification
	require.NoError(t, conn.ReadJSON(&n))
	return n
}

func TestSocketStreamsObservedNotifications(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "room")

	_, err := f.handler.Set("room.a", stream.NewLatest("v"))
	require.NoError(t, err)

	n := readNotification(t, conn)
	assert.Equal(t, domain.NextOf("room.a", "v"), n)
}

func TestSocketPublishesClientFrames(t *testing.T) {
	f := newFixture(t)
	obs, err := f.handler.Observe("room")
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	sub := obs.Subscribe(rec)
	defer sub.Unsubscribe()

	conn := f.dial(t, "room")
	require.Eventually(t, func() bool { return f.server.Clients() == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(domain.NextOf("room.b", 1)))
	require.NoError(t, conn.WriteJSON(domain.NextOf("elsewhere.c", 2)))

	require.True(t, rec.WaitLen(1, wait))
	assert.Equal(t, domain.NextOf("room.b", float64(1)), rec.Values()[0])

	// The client observes its own topic too.
	assert.Equal(t, domain.NextOf("room.b", float64(1)), readNotification(t, conn))

	topics, err := f.handler.Topics(context.Background(), "elsewhere")
	require.NoError(t, err)
	assert.Empty(t, topics)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	require.True(t, rec.WaitLen(2, wait))
	assert.Equal(t, domain.CompleteOf("room.b"), rec.Values()[1])
	require.Eventually(t, func() bool { return f.server.Clients() == 0 }, wait, 5*time.Millisecond)
}

func TestSocketClientErrorEndsItsTopic(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "room")

	require.NoError(t, conn.WriteJSON(domain.NextOf("room.x", "first")))
	assert.Equal(t, domain.NextOf("room.x", "first"), readNotification(t, conn))

	require.NoError(t, conn.WriteJSON(domain.Notification{Handle: "room.x", Kind: domain.KindError, Error: "bad"}))
	n := readNotification(t, conn)
	assert.Equal(t, domain.KindError, n.Kind)
	assert.EqualError(t, n.Err(), "bad")
}

func TestSocketRequiresTopic(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"", "?topic=", "?topic=a..b"} {
		resp, err := http.Get(f.http.URL + "/socket" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestWorkerPathServesRemoteHandlers(t *testing.T) {
	f := newFixture(t)

	remote := bus.New(bus.Config{
		Factory: worker.Dial(f.url("/worker"), worker.Options{Logger: testLogger(), Timeout: time.Second}),
		Logger:  testLogger(),
	})
	defer remote.Close()

	rec := streamtest.NewRecorder()
	obs, err := f.handler.Observe("shared")
	require.NoError(t, err)
	sub := obs.Subscribe(rec)
	defer sub.Unsubscribe()

	confirm, err := remote.Set("shared.k", stream.NewLatest("from afar"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err = stream.ToSlice(ctx, confirm)
	require.NoError(t, err)

	require.True(t, rec.WaitLen(1, wait))
	assert.Equal(t, domain.NextOf("shared.k", "from afar"), rec.Values()[0])
	assert.Equal(t, 2, f.host.Peers())
}
