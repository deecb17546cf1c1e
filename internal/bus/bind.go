package bus

import (
	"sync"

	"fluxbus/internal/domain"
	"fluxbus/internal/stream"
)

// PublishField creates a replay-latest stream published under t, for use as
// a struct field: pushing into it publishes, and late observers see its
// current value. The confirmation of the registration is returned alongside.
func PublishField(h *Handler, t string, initial ...any) (*stream.Latest, stream.Stream, error) {
	l := stream.NewLatest(initial...)
	confirm, err := h.Set(t, l)
	if err != nil {
		return nil, nil, err
	}
	return l, confirm, nil
}

// Field is a bus-backed stream built once, on first access.
type Field struct {
	once  sync.Once
	build func() (stream.Stream, error)
	s     stream.Stream
	err   error
}

// Stream returns the field's stream, building it on the first call.
func (f *Field) Stream() (stream.Stream, error) {
	f.once.Do(func() { f.s, f.err = f.build() })
	return f.s, f.err
}

// ObserveField is a Field holding the values published at or below t.
func ObserveField(h *Handler, t string) *Field {
	return &Field{build: func() (stream.Stream, error) {
		s, err := h.Get(t)
		if err != nil {
			return nil, err
		}
		return stream.Map(s, func(v any) any { return v.(domain.Message).Value }), nil
	}}
}

// SubscribeField calls fn with every value published at or below t until
// the returned subscription is cancelled.
func SubscribeField(h *Handler, t string, fn func(topic string, v any)) (stream.Subscription, error) {
	s, err := h.Get(t)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(stream.Funcs{
		OnNext: func(v any) {
			m := v.(domain.Message)
			fn(m.Topic, m.Value)
		},
		OnError: func(err error) {
			h.logger.Warn("field subscription failed", "topic", t, "err", err)
		},
	}), nil
}
