package uplink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fluxbus/internal/metrics"
	"fluxbus/internal/stream/streamtest"

	"github.com/gorilla/websocket"
	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOpenRejectsUnknownSchemes(t *testing.T) {
	for _, u := range []string{"http://example.com", "nats://localhost:4222", "::"} {
		_, err := Open(u, testOptions())
		assert.ErrorIs(t, err, ErrUnsupported, u)
	}
}

func TestWebSocketFramesBecomeValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(20 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`plain`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	}))
	defer srv.Close()

	m := metrics.New(nil)
	opts := testOptions()
	opts.Metrics = m
	s, err := Open(wsURL(srv), opts)
	require.NoError(t, err)

	rec := streamtest.NewRecorder()
	s.Subscribe(rec)
	require.True(t, rec.WaitLen(3, wait))
	assert.Equal(t, []streamtest.Event{
		{Kind: streamtest.Next, Value: map[string]any{"hello": "world"}},
		{Kind: streamtest.Next, Value: "plain"},
		{Kind: streamtest.Complete},
	}, rec.Events())
	expected := `
# HELP fluxbus_uplink_frames_total Frames received over uplink sockets
# TYPE fluxbus_uplink_frames_total counter
fluxbus_uplink_frames_total{scheme="ws"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fluxbus_uplink_frames_total"))
}

func TestWebSocketDropIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	s, err := Open(wsURL(srv), testOptions())
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	s.Subscribe(rec)

	require.True(t, rec.WaitLen(1, wait))
	assert.Error(t, rec.Err())
}

func TestWebSocketDialFailureIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	s, err := Open(url, testOptions())
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	s.Subscribe(rec)

	require.True(t, rec.WaitLen(1, wait))
	assert.Error(t, rec.Err())
}

func TestWebSocketUnsubscribeClosesSocket(t *testing.T) {
	gone := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`1`))
		_, _, err = conn.ReadMessage()
		gone <- err
	}))
	defer srv.Close()

	s, err := Open(wsURL(srv), testOptions())
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	sub := s.Subscribe(rec)
	require.True(t, rec.WaitLen(1, wait))

	sub.Unsubscribe()
	select {
	case err := <-gone:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(wait):
		t.Fatal("socket still open after unsubscribe")
	}
	assert.False(t, rec.Terminated())
}

func runNATS(t *testing.T) *natsd.Server {
	t.Helper()
	s, err := natsd.NewServer(&natsd.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSMessagesBecomeValues(t *testing.T) {
	server := runNATS(t)
	addr := server.Addr().String()
	base := server.NumSubscriptions()

	s, err := Open(fmt.Sprintf("nats://%s/feeds.prices", addr), testOptions())
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	sub := s.Subscribe(rec)
	require.Eventually(t, func() bool { return server.NumSubscriptions() == base+1 }, wait, 10*time.Millisecond)

	pub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("feeds.prices", []byte(`{"v":1}`)))
	require.NoError(t, pub.Publish("feeds.other", []byte(`{"v":2}`)))
	require.NoError(t, pub.Publish("feeds.prices", []byte(`raw`)))
	require.NoError(t, pub.Flush())

	require.True(t, rec.WaitLen(2, wait))
	assert.Equal(t, []any{map[string]any{"v": 1.0}, "raw"}, rec.Values())

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return server.NumSubscriptions() == base }, wait, 10*time.Millisecond)
	assert.False(t, rec.Terminated())
}

func TestNATSConnectFailureIsAnError(t *testing.T) {
	server := runNATS(t)
	addr := server.Addr().String()
	server.Shutdown()

	s, err := Open(fmt.Sprintf("nats://%s/feeds", addr), testOptions())
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	s.Subscribe(rec)

	require.True(t, rec.WaitLen(1, wait))
	assert.True(t, errors.Is(rec.Err(), nats.ErrNoServers), "got %v", rec.Err())
}
