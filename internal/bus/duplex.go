package bus

import (
	"sync"

	"fluxbus/internal/domain"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
)

// Duplex is a two-way channel scoped beneath a root topic. Values pushed
// with Next are published under root.stream; subscribers receive the values
// published anywhere under root, their own included.
//
// Duplex is itself a replay-latest stream: a subscriber joining mid-stream
// first gets the most recently observed value.
type Duplex struct {
	h    *Handler
	root topic.Topic

	mu      sync.Mutex
	out     *stream.Latest
	confirm stream.Stream
	in      *stream.Latest
	inSub   stream.Subscription
	refs    int
	closed  bool
}

var _ stream.Replayer = (*Duplex)(nil)

// NewDuplex opens a duplex channel under root. Nothing is published or
// observed until the first Next or Subscribe.
func NewDuplex(h *Handler, root string) (*Duplex, error) {
	t, err := parseTopic(root)
	if err != nil {
		return nil, err
	}
	return &Duplex{h: h, root: t, in: stream.NewLatest()}, nil
}

// Topic returns the root topic.
func (d *Duplex) Topic() string { return string(d.root) }

// Next publishes v under root.stream. The outbound registration is made on
// the first call and replays its latest value to late observers.
func (d *Duplex) Next(v any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.out == nil {
		d.out = stream.NewLatest()
		confirm, err := d.h.Set(string(d.root.Child("stream")), d.out)
		if err != nil {
			// Unreachable for a parsed root; keep the channel usable locally.
			confirm = stream.Fail(err)
		}
		d.confirm = confirm
	}
	out := d.out
	d.mu.Unlock()
	out.Next(v)
}

// Confirmation returns the confirmation of the outbound registration, or
// nil before the first Next.
func (d *Duplex) Confirmation() stream.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirm
}

// Subscribe receives the values published under root. All subscribers share
// one observation, dropped when the last of them unsubscribes.
func (d *Duplex) Subscribe(o stream.Observer) stream.Subscription {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		o.Complete()
		return stream.Once(func() {})
	}
	if d.refs == 0 {
		d.connect()
	}
	d.refs++
	in := d.in
	d.mu.Unlock()

	sub := in.Subscribe(o)
	return stream.Once(func() {
		sub.Unsubscribe()
		d.unref()
	})
}

// connect starts the shared inbound observation. Called with d.mu held.
func (d *Duplex) connect() {
	if d.in.Closed() {
		d.in = stream.NewLatest()
	}
	in := d.in
	values, err := d.h.Get(string(d.root))
	if err != nil {
		in.Error(err)
		return
	}
	d.inSub = values.Subscribe(stream.Funcs{
		OnNext: func(v any) {
			in.Next(v.(domain.Message).Value)
		},
		OnError: in.Error,
	})
}

func (d *Duplex) unref() {
	d.mu.Lock()
	d.refs--
	var sub stream.Subscription
	if d.refs == 0 {
		sub, d.inSub = d.inSub, nil
	}
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Value returns the most recently observed value.
func (d *Duplex) Value() (any, bool) {
	d.mu.Lock()
	in := d.in
	d.mu.Unlock()
	return in.Value()
}

// Close completes the outbound registration and every subscriber.
func (d *Duplex) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	out, in, sub := d.out, d.in, d.inSub
	d.inSub = nil
	d.mu.Unlock()

	if out != nil {
		out.Complete()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	in.Complete()
}
