package registry

import (
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
)

// resolver is one subscriber of Resolve. Its children are the hubs of the
// registrations currently under its prefix.
type resolver struct {
	prefix   topic.Topic
	obs      stream.Observer
	children map[*entry]stream.Subscription
}

// Resolve returns a stream of domain.Notification values for every
// registration at or below prefix. The set of merged registrations follows
// the registry as topics come and go; a registration joining later is heard
// from that moment on, or from its latest value if it was registered with
// replay. A registration ending removes only itself: the merged stream never
// terminates on its own.
func (r *Registry) Resolve(prefix topic.Topic) stream.Stream {
	return stream.New(func(o stream.Observer) func() {
		res := &resolver{
			prefix:   prefix,
			obs:      o,
			children: make(map[*entry]stream.Subscription),
		}
		r.loop.Post(func() {
			r.resolvers[res] = struct{}{}
			r.metrics.ResolverAdded()
			r.sync(res)
		})
		return func() {
			r.loop.Post(func() { r.dropResolver(res) })
		}
	})
}

// sync brings a resolver's children in line with the registry.
func (r *Registry) sync(res *resolver) {
	want := make(map[*entry]struct{})
	for _, t := range r.index.Under(res.prefix) {
		if e := r.entries[t]; e != nil && !e.removed {
			want[e] = struct{}{}
		}
	}

	for e, sub := range res.children {
		if _, ok := want[e]; !ok {
			sub.Unsubscribe()
			delete(res.children, e)
		}
	}

	// Subscribe in topic order so simultaneous joins are heard deterministically.
	for _, t := range r.index.Under(res.prefix) {
		e := r.entries[t]
		if e == nil || e.removed {
			continue
		}
		if _, ok := res.children[e]; ok {
			continue
		}
		res.children[e] = e.hub.Subscribe(stream.Funcs{OnNext: res.obs.Next})
		r.connect(e)
	}
}

func (r *Registry) dropResolver(res *resolver) {
	if _, ok := r.resolvers[res]; !ok {
		return
	}
	delete(r.resolvers, res)
	r.metrics.ResolverRemoved()
	for e, sub := range res.children {
		sub.Unsubscribe()
		delete(res.children, e)
	}
}
