package stream

import (
	"context"
	"sync"
)

// Of emits each value in order, then completes.
func Of(values ...any) Stream {
	return New(func(o Observer) func() {
		sub, _ := o.(*subscriber)
		for _, v := range values {
			if sub != nil && sub.closed() {
				return nil
			}
			o.Next(v)
		}
		o.Complete()
		return nil
	})
}

// Fail errors immediately with err.
func Fail(err error) Stream {
	return New(func(o Observer) func() {
		o.Error(err)
		return nil
	})
}

// Empty completes immediately.
func Empty() Stream {
	return New(func(o Observer) func() {
		o.Complete()
		return nil
	})
}

// Never emits nothing and never terminates.
func Never() Stream {
	return New(func(Observer) func() { return nil })
}

// Map transforms each value with fn.
func Map(s Stream, fn func(v any) any) Stream {
	return New(func(o Observer) func() {
		return s.Subscribe(Funcs{
			OnNext:     func(v any) { o.Next(fn(v)) },
			OnError:    o.Error,
			OnComplete: o.Complete,
		}).Unsubscribe
	})
}

// Filter forwards only the values keep returns true for.
func Filter(s Stream, keep func(v any) bool) Stream {
	return New(func(o Observer) func() {
		return s.Subscribe(Funcs{
			OnNext: func(v any) {
				if keep(v) {
					o.Next(v)
				}
			},
			OnError:    o.Error,
			OnComplete: o.Complete,
		}).Unsubscribe
	})
}

// Tap calls the side-effect observer before forwarding each notification.
func Tap(s Stream, side Funcs) Stream {
	return New(func(o Observer) func() {
		return s.Subscribe(Funcs{
			OnNext: func(v any) {
				side.Next(v)
				o.Next(v)
			},
			OnError: func(err error) {
				side.Error(err)
				o.Error(err)
			},
			OnComplete: func() {
				side.Complete()
				o.Complete()
			},
		}).Unsubscribe
	})
}

// Finalize runs fn once per subscription, after it ends for any reason.
func Finalize(s Stream, fn func()) Stream {
	return New(func(o Observer) func() {
		sub := s.Subscribe(o)
		return func() {
			sub.Unsubscribe()
			fn()
		}
	})
}

// ToSlice subscribes to s and collects its values until it completes.
// It returns early with ctx.Err() if ctx ends first.
func ToSlice(ctx context.Context, s Stream) ([]any, error) {
	var (
		mu     sync.Mutex
		values []any
		done   = make(chan error, 1)
	)
	sub := s.Subscribe(Funcs{
		OnNext: func(v any) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
		OnError:    func(err error) { done <- err },
		OnComplete: func() { done <- nil },
	})
	defer sub.Unsubscribe()

	select {
	case err := <-done:
		mu.Lock()
		defer mu.Unlock()
		return values, err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return values, ctx.Err()
	}
}
