package rpc

import (
	"context"
	"fmt"
	"sync"

	"fluxbus/internal/stream"
)

// streamHandler sends a stream as a proxied object with a single method,
// subscribe(observer), where observer is itself a proxy with next, error
// and complete.
type streamHandler struct{}

func (streamHandler) Name() string { return "stream" }

func (streamHandler) CanHandle(v any) bool {
	_, ok := v.(stream.Stream)
	return ok
}

func (streamHandler) Serialize(c *Conn, v any) (any, error) {
	return proxyHandler{}.Serialize(c, Proxy(&streamObject{src: v.(stream.Stream), conn: c}))
}

func (streamHandler) Deserialize(c *Conn, data any) (any, error) {
	r, err := proxyHandler{}.Deserialize(c, data)
	if err != nil {
		return nil, err
	}
	return newRemoteStream(r.(*Remote)), nil
}

// subscriptionHandler sends a subscription as a proxied object with a single
// method, unsubscribe.
type subscriptionHandler struct{}

func (subscriptionHandler) Name() string { return "subscription" }

func (subscriptionHandler) CanHandle(v any) bool {
	_, ok := v.(stream.Subscription)
	return ok
}

func (subscriptionHandler) Serialize(c *Conn, v any) (any, error) {
	return proxyHandler{}.Serialize(c, Proxy(&subscriptionObject{sub: v.(stream.Subscription)}))
}

func (subscriptionHandler) Deserialize(c *Conn, data any) (any, error) {
	r, err := proxyHandler{}.Deserialize(c, data)
	if err != nil {
		return nil, err
	}
	return &remoteSubscription{r: r.(*Remote)}, nil
}

// streamObject is the exposed side of a sent stream.
type streamObject struct {
	src  stream.Stream
	conn *Conn
}

func (s *streamObject) Call(_ context.Context, method string, args []any) (any, error) {
	if method != "subscribe" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	obs, err := Arg[*Remote](args, 0)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return s.src.Subscribe(&remoteObserver{r: obs, conn: s.conn}), nil
}

// remoteObserver forwards notifications to an observer in the peer.
type remoteObserver struct {
	r    *Remote
	conn *Conn
}

func (o *remoteObserver) Next(v any)      { o.send("next", v) }
func (o *remoteObserver) Error(err error) { o.send("error", err) }
func (o *remoteObserver) Complete()       { o.send("complete") }

func (o *remoteObserver) send(method string, args ...any) {
	if err := o.r.Notify(method, args...); err != nil {
		o.conn.logger.Debug("remote observer unreachable", "method", method, "err", err)
	}
}

// observerObject is the exposed side of a local observer.
type observerObject struct {
	dst stream.Observer
}

func (o *observerObject) Call(_ context.Context, method string, args []any) (any, error) {
	switch method {
	case "next":
		var v any
		if len(args) > 0 {
			v = args[0]
		}
		o.dst.Next(v)
	case "error":
		err, aerr := Arg[error](args, 0)
		if aerr != nil {
			err = &RemoteError{Message: fmt.Sprint(args)}
		}
		o.dst.Error(err)
	case "complete":
		o.dst.Complete()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return nil, nil
}

// subscriptionObject is the exposed side of a sent subscription. Releasing
// it, explicitly or by the connection closing, also cancels it.
type subscriptionObject struct {
	sub stream.Subscription
}

func (s *subscriptionObject) Call(_ context.Context, method string, _ []any) (any, error) {
	if method != "unsubscribe" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	s.sub.Unsubscribe()
	return nil, nil
}

func (s *subscriptionObject) Release() { s.sub.Unsubscribe() }

// remoteSubscription cancels a subscription held by the peer.
type remoteSubscription struct {
	r    *Remote
	once sync.Once
}

func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.r.Notify("unsubscribe")
		s.r.Release()
	})
}

// RemoteStream is a stream that lives in the peer. Every Subscribe makes its
// own remote subscription; nothing is shared between local subscribers.
type RemoteStream struct {
	r *Remote
	stream.Stream
}

func newRemoteStream(r *Remote) *RemoteStream {
	rs := &RemoteStream{r: r}
	rs.Stream = stream.New(rs.produce)
	return rs
}

// Release drops the peer's reference to the stream. Active subscriptions
// are unaffected.
func (s *RemoteStream) Release() { s.r.Release() }

// Conn returns the connection the stream is reached through.
func (s *RemoteStream) Conn() *Conn { return s.r.conn }

func (s *RemoteStream) produce(o stream.Observer) func() {
	conn := s.r.conn
	obs := Proxy(&observerObject{dst: o})

	// Sending the call exposes obs, so it is on the connection before the
	// teardown can run.
	p, err := conn.start(s.r.ref, "subscribe", []any{obs})
	if err != nil {
		obs.Release()
		o.Error(fmt.Errorf("remote subscribe: %w", err))
		return nil
	}
	stopHook := conn.OnClose(func() {
		o.Error(fmt.Errorf("remote stream: %w", ErrClosed))
	})

	var (
		mu        sync.Mutex
		cancelled bool
		remote    stream.Subscription
	)
	// The subscribe call is not cancelled on teardown: a late reply still
	// has to be unsubscribed, or the peer keeps the subscription forever.
	go func() {
		res, err := conn.await(context.Background(), p)
		if err != nil {
			o.Error(fmt.Errorf("remote subscribe: %w", err))
			return
		}
		sub, _ := res.(stream.Subscription)
		mu.Lock()
		if cancelled {
			mu.Unlock()
			if sub != nil {
				sub.Unsubscribe()
			}
			return
		}
		remote = sub
		mu.Unlock()
	}()

	return func() {
		stopHook()
		mu.Lock()
		cancelled = true
		sub := remote
		mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		obs.Release()
	}
}
