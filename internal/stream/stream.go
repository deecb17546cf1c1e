// Package stream implements push-based, multi-value streams with
// next/error/complete notifications.
//
// A Stream produces nothing until subscribed. Streams built with New are cold:
// each Subscribe runs the producer again. Subject and Latest are hot: they
// multicast to whoever is subscribed at the time a value is pushed, and
// Latest additionally hands its current value to every new subscriber.
//
// Every subscription is released exactly once, whichever happens first:
// Unsubscribe, an error, or completion. Nothing is delivered afterwards.
package stream

import "sync"

// Observer receives the notifications of a stream.
type Observer interface {
	Next(v any)
	Error(err error)
	Complete()
}

// Subscription cancels an active subscription. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Stream is a push-based source of notifications.
type Stream interface {
	Subscribe(o Observer) Subscription
}

// Replayer is implemented by replay-latest streams, which deliver their
// current value to every new subscriber. Consumers use it to tell hot,
// resettable sources apart from cold, one-shot ones.
type Replayer interface {
	Stream
	Value() (any, bool)
}

// IsReplayer reports whether s replays its latest value to new subscribers.
func IsReplayer(s Stream) bool {
	_, ok := s.(Replayer)
	return ok
}

// Releaser is implemented by streams that hold resources beyond their
// subscriptions, such as a proxy for a stream living in another context.
type Releaser interface {
	Release()
}

// Release frees the resources of s if it holds any.
func Release(s Stream) {
	if r, ok := s.(Releaser); ok {
		r.Release()
	}
}

// Funcs adapts plain functions to an Observer. Nil fields are ignored.
type Funcs struct {
	OnNext     func(v any)
	OnError    func(err error)
	OnComplete func()
}

func (f Funcs) Next(v any) {
	if f.OnNext != nil {
		f.OnNext(v)
	}
}

func (f Funcs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

func (f Funcs) Complete() {
	if f.OnComplete != nil {
		f.OnComplete()
	}
}

// SubscriptionFunc adapts a function to a Subscription. It is not idempotent
// on its own; wrap it with Once when that matters.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Once returns a Subscription that runs fn at most once.
func Once(fn func()) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			if fn != nil {
				fn()
			}
		})
	})
}

// Nop is a Subscription that does nothing.
var Nop Subscription = SubscriptionFunc(nil)

// Producer starts producing into o and returns a teardown run on release.
// The teardown may be nil.
type Producer func(o Observer) (teardown func())

// New returns a cold stream that runs produce once per subscriber.
func New(produce Producer) Stream {
	return producerStream(produce)
}

type producerStream Producer

func (p producerStream) Subscribe(o Observer) Subscription {
	s := &subscriber{dst: o}
	s.setTeardown(p(s))
	return s
}

// subscriber guards an observer: it drops notifications after the first
// terminal one or after Unsubscribe, and runs the teardown exactly once.
type subscriber struct {
	dst Observer

	mu       sync.Mutex
	stopped  bool
	released bool
	teardown func()
}

func (s *subscriber) Next(v any) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if !stopped {
		s.dst.Next(v)
	}
}

func (s *subscriber) Error(err error) {
	if !s.stop() {
		return
	}
	s.dst.Error(err)
	s.release()
}

func (s *subscriber) Complete() {
	if !s.stop() {
		return
	}
	s.dst.Complete()
	s.release()
}

func (s *subscriber) Unsubscribe() {
	if s.stop() {
		s.release()
	}
}

func (s *subscriber) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *subscriber) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

func (s *subscriber) release() {
	s.mu.Lock()
	td := s.teardown
	s.teardown = nil
	s.released = true
	s.mu.Unlock()
	if td != nil {
		td()
	}
}

// setTeardown installs td, or runs it right away when the subscriber was
// released while the producer was still starting.
func (s *subscriber) setTeardown(td func()) {
	if td == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		td()
		return
	}
	s.teardown = td
	s.mu.Unlock()
}
