// Package worker hosts the topic registry in its own execution context and
// hands out clients that reach it through rpc, in-process or over a
// websocket.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fluxbus/internal/metrics"
	"fluxbus/internal/registry"
	"fluxbus/internal/rpc"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
)

// Options are shared by hosts and the clients connecting to them.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration // per remote call; 0 means rpc.DefaultTimeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) connOptions() []rpc.Option {
	return []rpc.Option{
		rpc.WithLogger(o.logger()),
		rpc.WithMetrics(o.Metrics),
		rpc.WithTimeout(o.Timeout),
	}
}

// Host owns a registry and serves it to any number of connections.
type Host struct {
	opts   Options
	logger *slog.Logger
	reg    *registry.Registry

	mu    sync.Mutex
	conns map[*rpc.Conn]struct{}
}

// NewHost starts a host with an empty registry.
func NewHost(opts Options) *Host {
	logger := opts.logger().With("component", "worker")
	return &Host{
		opts:   opts,
		logger: logger,
		reg:    registry.New(registry.Config{Logger: logger, Metrics: opts.Metrics}),
		conns:  make(map[*rpc.Conn]struct{}),
	}
}

// Registry returns the hosted registry.
func (h *Host) Registry() *registry.Registry { return h.reg }

// Attach serves the registry over ep until the connection closes.
func (h *Host) Attach(ep rpc.Endpoint) *rpc.Conn {
	opts := append(h.opts.connOptions(), rpc.WithRoot(h.methods()))
	conn := rpc.NewConn(ep, opts...)

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.opts.Metrics.PeerAttached()
	h.logger.Debug("peer attached")

	conn.OnClose(func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.opts.Metrics.PeerDetached()
		h.logger.Debug("peer detached", "cause", conn.Err())
	})
	return conn
}

// ServeHTTP upgrades the request to a websocket and attaches it.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, err := rpc.Upgrade(w, r)
	if err != nil {
		h.logger.Error("worker upgrade failed", "err", err)
		return
	}
	h.Attach(ep)
}

// Peers returns the number of attached connections.
func (h *Host) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close detaches every peer and shuts the registry down.
func (h *Host) Close() {
	h.mu.Lock()
	conns := make([]*rpc.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	h.reg.Close()
}

func (h *Host) methods() rpc.Methods {
	return rpc.Methods{
		"register": func(_ context.Context, args []any) (any, error) {
			t, err := topicArg(args, 0)
			if err != nil {
				return nil, err
			}
			s, err := rpc.Arg[stream.Stream](args, 1)
			if err != nil {
				return nil, fmt.Errorf("register %s: %w", t, err)
			}
			replay, _ := rpc.Arg[bool](args, 2)
			if rs, ok := s.(*rpc.RemoteStream); ok {
				h.reg.RegisterUntil(t, s, replay, rs.Conn().Done(), fmt.Errorf("publisher: %w", rpc.ErrClosed))
				return nil, nil
			}
			h.reg.Register(t, s, replay)
			return nil, nil
		},
		"resolve": func(_ context.Context, args []any) (any, error) {
			t, err := prefixArg(args, 0)
			if err != nil {
				return nil, err
			}
			return h.reg.Resolve(t), nil
		},
		"unregister": func(_ context.Context, args []any) (any, error) {
			t, err := topicArg(args, 0)
			if err != nil {
				return nil, err
			}
			h.reg.Unregister(t)
			return nil, nil
		},
		"topics": func(ctx context.Context, args []any) (any, error) {
			t, err := prefixArg(args, 0)
			if err != nil {
				return nil, err
			}
			topics, err := h.reg.Topics(ctx, t)
			if err != nil {
				return nil, err
			}
			out := make([]string, len(topics))
			for i, tp := range topics {
				out[i] = string(tp)
			}
			return out, nil
		},
	}
}

func topicArg(args []any, i int) (topic.Topic, error) {
	s, err := rpc.Arg[string](args, i)
	if err != nil {
		return "", err
	}
	return topic.Parse(s)
}

// prefixArg is topicArg that also accepts the empty prefix.
func prefixArg(args []any, i int) (topic.Topic, error) {
	s, err := rpc.Arg[string](args, i)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	return topic.Parse(s)
}
