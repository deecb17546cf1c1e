package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fluxbus/internal/stream"
	"fluxbus/internal/stream/streamtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPair(t *testing.T, root Callable, opts ...Option) (server, client *Conn) {
	t.Helper()
	a, b := Pipe()
	server = NewConn(a, append([]Option{WithRoot(root), WithLogger(quiet())}, opts...)...)
	client = NewConn(b, append([]Option{WithLogger(quiet())}, opts...)...)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestCallRoundTrip(t *testing.T) {
	_, client := newPair(t, Methods{
		"add": func(_ context.Context, args []any) (any, error) {
			a, err := Arg[int](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := Arg[int](args, 1)
			if err != nil {
				return nil, err
			}
			return a + b, nil
		},
		"fail": func(context.Context, []any) (any, error) {
			return nil, errors.New("boom")
		},
	})

	res, err := client.Root().Call(context.Background(), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, res)

	_, err = client.Root().Call(context.Background(), "fail")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)

	_, err = client.Root().Call(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestCallTimesOut(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	conn := NewConn(a, WithLogger(quiet()), WithTimeout(50*time.Millisecond))
	defer conn.Close()

	_, err := conn.Root().Call(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPendingCallFailsWhenChannelCloses(t *testing.T) {
	a, b := Pipe()
	conn := NewConn(a, WithLogger(quiet()))

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Root().Call(context.Background(), "anything")
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(wait):
		t.Fatal("call hung after close")
	}
	<-conn.Done()
	assert.ErrorIs(t, conn.Err(), ErrClosed)

	_, err := conn.Root().Call(context.Background(), "again")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamTransferSubscribesPerLocalSubscriber(t *testing.T) {
	subj := stream.NewSubject()
	var subscribes atomic.Int32
	src := stream.New(func(o stream.Observer) func() {
		subscribes.Add(1)
		return subj.Subscribe(o).Unsubscribe
	})
	server, client := newPair(t, Methods{
		"ticks": func(context.Context, []any) (any, error) { return src, nil },
	})

	res, err := client.Root().Call(context.Background(), "ticks")
	require.NoError(t, err)
	remote, ok := res.(*RemoteStream)
	require.True(t, ok, "got %T", res)
	assert.Equal(t, 1, server.ObjectCount())

	first, second := streamtest.NewRecorder(), streamtest.NewRecorder()
	sub1 := remote.Subscribe(first)
	sub2 := remote.Subscribe(second)
	require.Eventually(t, func() bool { return subj.Observers() == 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, int32(2), subscribes.Load())

	subj.Next("tick")
	require.True(t, first.WaitLen(1, wait))
	require.True(t, second.WaitLen(1, wait))
	assert.Equal(t, []any{"tick"}, first.Values())

	sub1.Unsubscribe()
	sub2.Unsubscribe()
	require.Eventually(t, func() bool {
		return subj.Observers() == 0 && server.ObjectCount() == 1 && client.ObjectCount() == 0
	}, wait, 5*time.Millisecond)

	remote.Release()
	require.Eventually(t, func() bool { return server.ObjectCount() == 0 }, wait, 5*time.Millisecond)
}

func TestImmediateUnsubscribeReleasesObserver(t *testing.T) {
	subj := stream.NewSubject()
	server, client := newPair(t, Methods{
		"ticks": func(context.Context, []any) (any, error) { return subj, nil },
	})

	res, err := client.Root().Call(context.Background(), "ticks")
	require.NoError(t, err)
	remote := res.(*RemoteStream)

	for range 20 {
		remote.Subscribe(streamtest.NewRecorder()).Unsubscribe()
	}
	require.Eventually(t, func() bool {
		return subj.Observers() == 0 && server.ObjectCount() == 1 && client.ObjectCount() == 0
	}, wait, 5*time.Millisecond)
	assert.Never(t, func() bool { return client.ObjectCount() != 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestStreamTransferForwardsTerminalNotifications(t *testing.T) {
	_, client := newPair(t, Methods{
		"done": func(context.Context, []any) (any, error) { return stream.Of("a", "b"), nil },
		"fail": func(context.Context, []any) (any, error) { return stream.Fail(errors.New("boom")), nil },
	})

	res, err := client.Root().Call(context.Background(), "done")
	require.NoError(t, err)
	values, err := stream.ToSlice(context.Background(), res.(stream.Stream))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, values)

	res, err = client.Root().Call(context.Background(), "fail")
	require.NoError(t, err)
	_, err = stream.ToSlice(context.Background(), res.(stream.Stream))
	require.EqualError(t, err, "boom")

	require.Eventually(t, func() bool { return client.ObjectCount() == 0 }, wait, 5*time.Millisecond)
}

func TestRemoteStreamErrorsWhenConnectionCloses(t *testing.T) {
	server, client := newPair(t, Methods{
		"forever": func(context.Context, []any) (any, error) { return stream.Never(), nil },
	})

	res, err := client.Root().Call(context.Background(), "forever")
	require.NoError(t, err)
	rec := streamtest.NewRecorder()
	res.(stream.Stream).Subscribe(rec)
	require.Eventually(t, func() bool { return server.ObjectCount() == 2 }, wait, 5*time.Millisecond)

	server.Close()

	require.True(t, rec.WaitLen(1, wait))
	assert.ErrorIs(t, rec.Err(), ErrClosed)
	assert.Equal(t, 0, server.ObjectCount())
}

func TestSubscriptionTransfer(t *testing.T) {
	_, client := newPair(t, Methods{
		"cancel": func(_ context.Context, args []any) (any, error) {
			sub, err := Arg[stream.Subscription](args, 0)
			if err != nil {
				return nil, err
			}
			sub.Unsubscribe()
			return nil, nil
		},
	})

	subj := stream.NewSubject()
	sub := subj.Subscribe(streamtest.NewRecorder())
	_, err := client.Root().Call(context.Background(), "cancel", sub)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return subj.Observers() == 0 && client.ObjectCount() == 0
	}, wait, 5*time.Millisecond)
}

func TestProxyRelease(t *testing.T) {
	var calls atomic.Int32
	obj := Proxy(Methods{
		"ping": func(context.Context, []any) (any, error) {
			calls.Add(1)
			return "pong", nil
		},
	})
	var held *Remote
	_, client := newPair(t, Methods{
		"hold": func(_ context.Context, args []any) (any, error) {
			r, err := Arg[*Remote](args, 0)
			held = r
			return nil, err
		},
	})

	_, err := client.Root().Call(context.Background(), "hold", obj)
	require.NoError(t, err)
	assert.Equal(t, 1, client.ObjectCount())
	require.NotNil(t, held)

	res, err := held.Call(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	obj.Release()
	assert.Equal(t, 0, client.ObjectCount())
	_, err = held.Call(context.Background(), "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown object")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebSocketEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep, err := Upgrade(w, r)
		if err != nil {
			return
		}
		conn := NewConn(ep, WithLogger(quiet()), WithRoot(Methods{
			"echo": func(_ context.Context, args []any) (any, error) { return args[0], nil },
			"feed": func(context.Context, []any) (any, error) { return stream.Of("x", 1.5), nil },
		}))
		<-conn.Done()
	}))
	defer srv.Close()

	ep, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	client := NewConn(ep, WithLogger(quiet()))
	defer client.Close()

	res, err := client.Root().Call(context.Background(), "echo", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, res)

	res, err = client.Root().Call(context.Background(), "feed")
	require.NoError(t, err)
	values, err := stream.ToSlice(context.Background(), res.(stream.Stream))
	require.NoError(t, err)
	assert.Equal(t, []any{"x", 1.5}, values)

	_, err = client.Root().Call(context.Background(), "nope")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestPipeDrainsBeforeEOF(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send(Message{Kind: KindNotify, Method: "one"}))
	require.NoError(t, a.Close())

	m, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one", m.Method)
	_, err = b.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Error(t, b.Send(Message{Kind: KindNotify}))
}

func TestGoSendsInOrder(t *testing.T) {
	var seen []int
	_, client := newPair(t, Methods{
		"push": func(_ context.Context, args []any) (any, error) {
			n, err := Arg[int](args, 0)
			seen = append(seen, n)
			return n, err
		},
	})

	var last *stream.Result
	for i := 0; i < 50; i++ {
		last = client.Root().Go(context.Background(), "push", i)
	}
	v, err := last.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 49, v)

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, seen)
}
