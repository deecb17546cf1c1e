package stream

import (
	"context"
	"sync"
)

// Subject is a hot stream: values pushed with Next are multicast to the
// observers subscribed at that moment. Subscribers arriving after a terminal
// notification receive that terminal notification immediately.
type Subject struct {
	mu     sync.Mutex
	subs   []subjectEntry
	seq    uint64
	done   bool
	err    error
	replay bool
	has    bool
	value  any
}

type subjectEntry struct {
	id  uint64
	sub *subscriber
}

// NewSubject creates a Subject with no subscribers.
func NewSubject() *Subject {
	return &Subject{}
}

// Subscribe adds o to the multicast set.
func (s *Subject) Subscribe(o Observer) Subscription {
	sub := &subscriber{dst: o}

	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			sub.Error(err)
		} else {
			sub.Complete()
		}
		return sub
	}
	s.seq++
	id := s.seq
	s.subs = append(s.subs, subjectEntry{id: id, sub: sub})
	v, replay := s.value, s.replay && s.has
	s.mu.Unlock()

	sub.setTeardown(func() { s.remove(id) })
	if replay {
		sub.Next(v)
	}
	return sub
}

// Next pushes v to every current subscriber.
func (s *Subject) Next(v any) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if s.replay {
		s.value, s.has = v, true
	}
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Next(v)
	}
}

// Error terminates the subject with err.
func (s *Subject) Error(err error) {
	for _, sub := range s.terminate(err) {
		sub.Error(err)
	}
}

// Complete terminates the subject normally.
func (s *Subject) Complete() {
	for _, sub := range s.terminate(nil) {
		sub.Complete()
	}
}

// Closed reports whether a terminal notification was pushed.
func (s *Subject) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Observers returns the number of active subscribers.
func (s *Subject) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Subject) terminate(err error) []*subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done, s.err = true, err
	subs := s.snapshot()
	s.subs = nil
	return subs
}

func (s *Subject) snapshot() []*subscriber {
	out := make([]*subscriber, len(s.subs))
	for i, e := range s.subs {
		out[i] = e.sub
	}
	return out
}

func (s *Subject) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// Latest is a replay-latest Subject: it keeps the most recent value and
// delivers it to each new subscriber before any later value.
type Latest struct {
	*Subject
}

// NewLatest creates a Latest, optionally seeded with an initial value.
func NewLatest(initial ...any) *Latest {
	s := &Subject{replay: true}
	if len(initial) > 0 {
		s.value, s.has = initial[0], true
	}
	return &Latest{Subject: s}
}

// Value returns the current value, if any.
func (l *Latest) Value() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.has
}

// Result is a one-shot stream settled once with a value or an error. Every
// subscriber, before or after settlement, sees the same outcome.
type Result struct {
	mu      sync.Mutex
	settled bool
	value   any
	err     error
	waiting []*subscriber
	ready   chan struct{}
}

// NewResult creates an unsettled Result.
func NewResult() *Result {
	return &Result{ready: make(chan struct{})}
}

// Resolve settles the result with v. Later calls are ignored.
func (r *Result) Resolve(v any) {
	r.settle(v, nil)
}

// Reject settles the result with err. Later calls are ignored.
func (r *Result) Reject(err error) {
	r.settle(nil, err)
}

// Done is closed once the result is settled.
func (r *Result) Done() <-chan struct{} { return r.ready }

// Err returns the rejection error, or nil.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the result settles or ctx ends.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

func (r *Result) Subscribe(o Observer) Subscription {
	sub := &subscriber{dst: o}
	r.mu.Lock()
	if !r.settled {
		r.waiting = append(r.waiting, sub)
		r.mu.Unlock()
		sub.setTeardown(func() { r.drop(sub) })
		return sub
	}
	v, err := r.value, r.err
	r.mu.Unlock()
	deliver(sub, v, err)
	return sub
}

// drop forgets a subscriber that left before settlement.
func (r *Result) drop(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiting {
		if w == sub {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return
		}
	}
}

// Waiting returns the number of subscribers waiting for settlement.
func (r *Result) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}

func (r *Result) settle(v any, err error) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled, r.value, r.err = true, v, err
	waiting := r.waiting
	r.waiting = nil
	close(r.ready)
	r.mu.Unlock()

	for _, sub := range waiting {
		deliver(sub, v, err)
	}
}

func deliver(sub *subscriber, v any, err error) {
	if err != nil {
		sub.Error(err)
		return
	}
	sub.Next(v)
	sub.Complete()
}
