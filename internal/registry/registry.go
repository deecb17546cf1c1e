// Package registry keeps track of which stream currently answers which topic
// inside one execution context, and serves prefix queries as live merged
// streams.
//
// All registry state lives on a single loop. Public methods only post work
// to it, so they never block and may be called from any goroutine.
package registry

import (
	"context"
	"log/slog"

	"fluxbus/internal/domain"
	"fluxbus/internal/loop"
	"fluxbus/internal/metrics"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
)

// Config configures a Registry.
type Config struct {
	Logger  *slog.Logger
	Loop    *loop.Loop // nil: the registry starts and owns its own loop
	Metrics *metrics.Metrics
}

// Registry maps topics to their live streams.
type Registry struct {
	loop     *loop.Loop
	ownsLoop bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Owned by the loop.
	index     *topic.Index
	entries   map[topic.Topic]*entry
	resolvers map[*resolver]struct{}
	seq       uint64

	changes *stream.Latest
}

// hub fans the notifications of one registration out to every resolver
// that currently matches it.
type hub interface {
	stream.Stream
	stream.Observer
}

type entry struct {
	id        uint64
	topic     topic.Topic
	source    stream.Stream
	replay    bool
	hub       hub
	sub       stream.Subscription
	connected bool
	removed   bool
	done      chan struct{} // closed on detach
}

// New creates a registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		loop:      cfg.Loop,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		index:     topic.NewIndex(),
		entries:   make(map[topic.Topic]*entry),
		resolvers: make(map[*resolver]struct{}),
		changes:   stream.NewLatest([]string{}),
	}
	if r.loop == nil {
		r.loop = loop.New("registry", cfg.Logger)
		r.ownsLoop = true
	}
	return r
}

// Loop returns the loop the registry state is confined to.
func (r *Registry) Loop() *loop.Loop { return r.loop }

// Register stores s under t, superseding any previous registration of t.
// When replay is set, resolvers joining later receive the latest value of s
// immediately. The registration ends when s completes or errors.
func (r *Registry) Register(t topic.Topic, s stream.Stream, replay bool) {
	r.loop.Post(func() { r.register(t, s, replay) })
}

// RegisterUntil is Register for a source that cannot outlive its transport.
// Once gone is closed the registration ends with an error wrapping cause,
// unless it was superseded or ended before.
func (r *Registry) RegisterUntil(t topic.Topic, s stream.Stream, replay bool, gone <-chan struct{}, cause error) {
	r.loop.Post(func() {
		e := r.register(t, s, replay)
		go func() {
			select {
			case <-gone:
				r.loop.Post(func() {
					if !e.removed {
						r.logger.Debug("publisher gone", "topic", t, "id", e.id)
						r.finish(e, domain.ErrorOf(string(t), cause))
					}
				})
			case <-e.done:
			}
		}()
	})
}

// Unregister removes the registration of t, if any. Observers see it complete.
func (r *Registry) Unregister(t topic.Topic) {
	r.loop.Post(func() {
		if e := r.entries[t]; e != nil {
			r.finish(e, domain.CompleteOf(string(t)))
		}
	})
}

// Topics returns the registered topics under prefix.
func (r *Registry) Topics(ctx context.Context, prefix topic.Topic) ([]topic.Topic, error) {
	var out []topic.Topic
	err := r.loop.Do(ctx, func() { out = r.index.Under(prefix) })
	return out, err
}

// Changes emits the sorted list of registered topics after every change,
// starting with the current one.
func (r *Registry) Changes() stream.Stream {
	return r.changes
}

// Close ends every registration and resolver and stops an owned loop.
func (r *Registry) Close() {
	r.loop.Post(func() {
		for _, e := range r.entries {
			r.detach(e)
		}
		for res := range r.resolvers {
			r.dropResolver(res)
			res.obs.Complete()
		}
		r.changes.Complete()
	})
	if r.ownsLoop {
		r.loop.Close()
	}
}

func (r *Registry) register(t topic.Topic, s stream.Stream, replay bool) *entry {
	if old := r.entries[t]; old != nil {
		r.logger.Debug("registration superseded", "topic", t, "old", old.id)
		r.detach(old)
	} else {
		r.index.Insert(t)
		r.metrics.RegistrationAdded()
	}

	r.seq++
	e := &entry{id: r.seq, topic: t, source: s, replay: replay, done: make(chan struct{})}
	if replay {
		e.hub = stream.NewLatest()
	} else {
		e.hub = stream.NewSubject()
	}
	r.entries[t] = e
	r.logger.Debug("topic registered", "topic", t, "id", e.id, "replay", replay)
	r.changed()
	return e
}

// connect subscribes to the registration's source. Sources start lazily,
// when the first resolver matches them.
func (r *Registry) connect(e *entry) {
	if e.connected || e.removed {
		return
	}
	e.connected = true
	handle := string(e.topic)
	e.sub = e.source.Subscribe(stream.Funcs{
		OnNext: func(v any) {
			r.loop.Post(func() { r.deliver(e, domain.NextOf(handle, v)) })
		},
		OnError: func(err error) {
			r.loop.Post(func() {
				r.logger.Warn("published stream failed", "topic", handle, "err", err)
				r.finish(e, domain.ErrorOf(handle, err))
			})
		},
		OnComplete: func() {
			r.loop.Post(func() { r.finish(e, domain.CompleteOf(handle)) })
		},
	})
}

func (r *Registry) deliver(e *entry, n domain.Notification) {
	if e.removed {
		return
	}
	r.metrics.Notification(string(n.Kind))
	e.hub.Next(n)
}

// finish delivers a terminal notification and deregisters the entry.
func (r *Registry) finish(e *entry, n domain.Notification) {
	if e.removed {
		return
	}
	r.deliver(e, n)
	r.detach(e)
	if r.entries[e.topic] == e {
		delete(r.entries, e.topic)
		r.index.Delete(e.topic)
		r.metrics.RegistrationRemoved()
	}
	r.logger.Debug("topic deregistered", "topic", e.topic, "id", e.id, "kind", n.Kind)
	r.changed()
}

// detach stops an entry without notifying its observers.
func (r *Registry) detach(e *entry) {
	if e.removed {
		return
	}
	e.removed = true
	close(e.done)
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	stream.Release(e.source)
	e.hub.Complete()
}

// changed re-targets every resolver and publishes the new topic list.
func (r *Registry) changed() {
	for res := range r.resolvers {
		r.sync(res)
	}
	topics := r.index.Under("")
	snapshot := make([]string, len(topics))
	for i, t := range topics {
		snapshot[i] = string(t)
	}
	r.changes.Next(snapshot)
}
