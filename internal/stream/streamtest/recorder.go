// Package streamtest provides an Observer that records notifications for
// assertions in tests.
package streamtest

import (
	"sync"
	"time"
)

// Kind tags a recorded notification.
type Kind string

const (
	Next     Kind = "N"
	Error    Kind = "E"
	Complete Kind = "C"
)

// Event is one recorded notification.
type Event struct {
	Kind  Kind
	Value any
	Err   error
}

// Recorder is an Observer that appends every notification it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Next(v any)      { r.add(Event{Kind: Next, Value: v}) }
func (r *Recorder) Error(err error) { r.add(Event{Kind: Error, Err: err}) }
func (r *Recorder) Complete()       { r.add(Event{Kind: Complete}) }

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Values returns the recorded Next values.
func (r *Recorder) Values() []any {
	var out []any
	for _, e := range r.Events() {
		if e.Kind == Next {
			out = append(out, e.Value)
		}
	}
	return out
}

// Len returns the number of recorded notifications.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Terminated reports whether an error or completion was recorded.
func (r *Recorder) Terminated() bool {
	for _, e := range r.Events() {
		if e.Kind != Next {
			return true
		}
	}
	return false
}

// Err returns the first recorded error, if any.
func (r *Recorder) Err() error {
	for _, e := range r.Events() {
		if e.Kind == Error {
			return e.Err
		}
	}
	return nil
}

// WaitLen polls until at least n notifications are recorded or timeout passes.
func (r *Recorder) WaitLen(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Len() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
