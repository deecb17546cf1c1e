// Package bus is the application-facing side of the message bus. A Handler
// owns the link to the worker hosting the topic registry, spawning it on
// first use, and exposes publish, observe and uplink on top of it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fluxbus/internal/domain"
	"fluxbus/internal/loop"
	"fluxbus/internal/metrics"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
	"fluxbus/internal/uplink"
	"fluxbus/internal/worker"

	"golang.org/x/sync/singleflight"
)

const defaultSpawnTimeout = 10 * time.Second

var (
	// ErrUsage is returned synchronously for calls that can never succeed,
	// such as a nil stream or an unusable uplink URL.
	ErrUsage = errors.New("bus: usage error")
	// ErrClosed is reported by operations on a closed Handler.
	ErrClosed = errors.New("bus: handler closed")
)

// State is the lifecycle state of a Handler's worker link.
type State int32

const (
	Uninitialized State = iota
	Spawning
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Spawning:
		return "spawning"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config configures a Handler.
type Config struct {
	Factory      worker.Factory // nil: a private in-process worker
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	SpawnTimeout time.Duration
	Uplink       uplink.Options // Logger and Metrics default to the handler's
}

// Handler coordinates one context's access to the worker-resident registry.
//
// Operations are issued in call order: a Set followed by a Get reaches the
// worker in that order.
type Handler struct {
	factory      worker.Factory
	logger       *slog.Logger
	metrics      *metrics.Metrics
	spawnTimeout time.Duration
	uplinkOpts   uplink.Options
	events       *EventLog
	local        *worker.Local // set when the handler runs its own worker

	ops   *loop.Loop
	group singleflight.Group

	mu     sync.Mutex
	state  State
	client *worker.Client
	closed bool
}

var _ domain.Bus = (*Handler)(nil)

// New creates a Handler. Nothing is spawned until the first operation.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaultSpawnTimeout
	}
	var local *worker.Local
	if cfg.Factory == nil {
		local = worker.NewLocal(worker.Options{Logger: cfg.Logger, Metrics: cfg.Metrics})
		cfg.Factory = local.Factory()
	}
	if cfg.Uplink.Logger == nil {
		cfg.Uplink.Logger = cfg.Logger
	}
	if cfg.Uplink.Metrics == nil {
		cfg.Uplink.Metrics = cfg.Metrics
	}
	logger := cfg.Logger.With("component", "bus")
	return &Handler{
		factory:      cfg.Factory,
		logger:       logger,
		metrics:      cfg.Metrics,
		spawnTimeout: cfg.SpawnTimeout,
		uplinkOpts:   cfg.Uplink,
		events:       NewEventLog(0, logger),
		local:        local,
		ops:          loop.New("bus", logger),
	}
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Events returns the handler's lifecycle event log.
func (h *Handler) Events() *EventLog { return h.events }

// Ready returns the worker client, spawning the worker if needed. Concurrent
// callers during a spawn share it. ctx bounds only the wait.
func (h *Handler) Ready(ctx context.Context) (*worker.Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.state == Ready {
		c := h.client
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	ch := h.group.DoChan("spawn", h.spawn)
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*worker.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) spawn() (any, error) {
	h.mu.Lock()
	if h.state == Ready {
		c := h.client
		h.mu.Unlock()
		return c, nil
	}
	h.state = Spawning
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.spawnTimeout)
	defer cancel()
	client, err := h.factory(ctx)

	h.mu.Lock()
	if err == nil && h.closed {
		err = ErrClosed
		client.Close()
	}
	if err != nil {
		h.state = Uninitialized
		h.mu.Unlock()
		h.metrics.Spawn("error")
		h.logger.Error("worker spawn failed", "err", err)
		h.events.Emit(Event{Type: EventWorkerFailed, Err: err})
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	h.state = Ready
	h.client = client
	h.mu.Unlock()

	h.metrics.Spawn("ok")
	h.logger.Debug("worker ready")
	h.events.Emit(Event{Type: EventWorkerReady})
	client.Conn().OnClose(func() { h.lost(client) })
	return client, nil
}

// lost returns the handler to Uninitialized once the worker link dies, so
// the next operation spawns afresh.
func (h *Handler) lost(client *worker.Client) {
	h.mu.Lock()
	if h.client != client {
		h.mu.Unlock()
		return
	}
	h.client = nil
	h.state = Uninitialized
	closed := h.closed
	h.mu.Unlock()

	if !closed {
		err := client.Conn().Err()
		h.logger.Warn("worker connection lost", "err", err)
		h.events.Emit(Event{Type: EventWorkerLost, Err: err})
	}
}

// Close drops the worker link. Streams obtained from the handler error or
// stop; later operations report ErrClosed.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	client := h.client
	h.mu.Unlock()

	h.ops.Close()
	var err error
	if client != nil {
		err = client.Close()
	}
	if h.local != nil {
		h.local.Close()
	}
	return err
}

// enqueue runs fn on the ops loop with a ready client, or reports why it
// cannot.
func (h *Handler) enqueue(fn func(*worker.Client), fail func(error)) {
	ok := h.ops.Post(func() {
		client, err := h.Ready(context.Background())
		if err != nil {
			fail(err)
			return
		}
		fn(client)
	})
	if !ok {
		fail(ErrClosed)
	}
}

func parseTopic(t string) (topic.Topic, error) {
	return topic.Parse(t)
}

// Set publishes s under t and returns a confirmation stream that emits t
// and completes once the worker holds the registration, or errors.
// Registration starts right away, whether or not the confirmation is
// subscribed.
//
// The registration ends when s completes or errors. When s replays its
// latest value (stream.Replayer), observers joining later get that value
// immediately.
func (h *Handler) Set(t string, s stream.Stream) (stream.Stream, error) {
	tp, err := parseTopic(t)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil stream for %s", ErrUsage, t)
	}
	replay := stream.IsReplayer(s)

	res := stream.NewResult()
	fail := func(err error) {
		h.logger.Warn("publish failed", "topic", t, "err", err)
		h.events.Emit(Event{Type: EventPublishFailed, Topic: t, Err: err})
		res.Reject(err)
	}
	h.enqueue(func(client *worker.Client) {
		call := client.RegisterAsync(context.Background(), tp, s, replay)
		go func() {
			if _, err := call.Wait(context.Background()); err != nil {
				fail(err)
				return
			}
			h.logger.Debug("topic published", "topic", t, "replay", replay)
			h.events.Emit(Event{Type: EventTopicPublished, Topic: t})
			res.Resolve(t)
		}()
	}, fail)
	return res, nil
}

// Publish is Set.
func (h *Handler) Publish(t string, s stream.Stream) (stream.Stream, error) {
	return h.Set(t, s)
}

// Unpublish ends the registration of t. Its observers see it complete.
// The returned stream confirms like Set's.
func (h *Handler) Unpublish(t string) (stream.Stream, error) {
	tp, err := parseTopic(t)
	if err != nil {
		return nil, err
	}
	res := stream.NewResult()
	h.enqueue(func(client *worker.Client) {
		call := client.UnregisterAsync(context.Background(), tp)
		go func() {
			if _, err := call.Wait(context.Background()); err != nil {
				res.Reject(err)
				return
			}
			h.events.Emit(Event{Type: EventTopicUnpublished, Topic: t})
			res.Resolve(t)
		}()
	}, res.Reject)
	return res, nil
}

// Observe streams every domain.Notification at or below t: values, and the
// completion or error of each registration. The stream itself never ends
// unless the worker link fails.
func (h *Handler) Observe(t string) (stream.Stream, error) {
	tp, err := parseTopic(t)
	if err != nil {
		return nil, err
	}
	return h.resolve(tp), nil
}

// Get streams the values published at or below t as domain.Message.
func (h *Handler) Get(t string) (stream.Stream, error) {
	s, err := h.Observe(t)
	if err != nil {
		return nil, err
	}
	return Values(s), nil
}

// Values keeps the value notifications of a notification stream and turns
// them into domain.Message.
func Values(notifications stream.Stream) stream.Stream {
	return stream.Map(
		stream.Filter(notifications, func(v any) bool {
			n, ok := v.(domain.Notification)
			return ok && n.Kind == domain.KindNext
		}),
		func(v any) any {
			n := v.(domain.Notification)
			return domain.Message{Topic: n.Handle, Value: n.Value}
		},
	)
}

// Uplink mirrors the socket at url under t.socket: every message received
// is published there as a value. The socket opens when the topic is first
// observed; a socket failure ends that registration with an error and
// leaves the handler usable.
func (h *Handler) Uplink(t, url string) (stream.Stream, error) {
	tp, err := parseTopic(t)
	if err != nil {
		return nil, err
	}
	src, err := uplink.Open(url, h.uplinkOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	target := tp.Child("socket")
	h.logger.Info("uplink configured", "topic", target, "url", url)
	h.events.Emit(Event{Type: EventUplinkOpened, Topic: string(target)})
	src = stream.Tap(src, stream.Funcs{
		OnError: func(err error) {
			h.logger.Warn("uplink failed", "topic", target, "url", url, "err", err)
			h.events.Emit(Event{Type: EventUplinkFailed, Topic: string(target), Err: err})
		},
	})
	return h.Set(string(target), src)
}

// Topics lists the live topics under prefix; "" lists all of them.
func (h *Handler) Topics(ctx context.Context, prefix string) ([]string, error) {
	tp := topic.Topic(prefix)
	if prefix != "" {
		var err error
		if tp, err = parseTopic(prefix); err != nil {
			return nil, err
		}
	}
	// Let earlier operations reach the worker first.
	if err := h.ops.Do(ctx, func() {}); err != nil {
		return nil, ErrClosed
	}
	client, err := h.Ready(ctx)
	if err != nil {
		return nil, err
	}
	topics, err := client.Topics(ctx, tp)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out, nil
}

// resolve is a cold stream over the worker's resolve(prefix). Each
// subscriber gets its own remote subscription, dropped and released when it
// unsubscribes.
func (h *Handler) resolve(prefix topic.Topic) stream.Stream {
	return stream.New(func(o stream.Observer) func() {
		var (
			mu        sync.Mutex
			cancelled bool
			sub       stream.Subscription
			remote    stream.Stream
		)
		attach := func(rs stream.Stream) {
			mu.Lock()
			gone := cancelled
			mu.Unlock()
			if gone {
				stream.Release(rs)
				return
			}
			s := rs.Subscribe(o)
			mu.Lock()
			if cancelled {
				mu.Unlock()
				s.Unsubscribe()
				stream.Release(rs)
				return
			}
			sub, remote = s, rs
			mu.Unlock()
		}

		h.enqueue(func(client *worker.Client) {
			call := client.ResolveAsync(context.Background(), prefix)
			go func() {
				v, err := call.Wait(context.Background())
				if err != nil {
					o.Error(err)
					return
				}
				attach(v.(stream.Stream))
			}()
		}, o.Error)

		return func() {
			mu.Lock()
			cancelled = true
			s, rs := sub, remote
			mu.Unlock()
			if s != nil {
				s.Unsubscribe()
			}
			if rs != nil {
				stream.Release(rs)
			}
		}
	})
}
