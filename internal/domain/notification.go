package domain

import (
	"errors"
	"fmt"
)

// Kind tags a Notification.
type Kind string

const (
	KindNext     Kind = "N"
	KindError    Kind = "E"
	KindComplete Kind = "C"
)

// Valid reports whether k is one of the three notification kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindNext, KindError, KindComplete:
		return true
	}
	return false
}

// Notification is one event of a topic's stream. It is both the unit the
// registry multiplexes and the JSON shape sent over sockets.
type Notification struct {
	Handle string `json:"handle"`
	Kind   Kind   `json:"kind"`
	Value  any    `json:"value,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// NextOf builds a value notification.
func NextOf(handle string, v any) Notification {
	return Notification{Handle: handle, Kind: KindNext, Value: v}
}

// ErrorOf builds an error notification. The cause is carried as its message
// so the notification stays serialisable.
func ErrorOf(handle string, err error) Notification {
	var cause any
	if err != nil {
		cause = err.Error()
	}
	return Notification{Handle: handle, Kind: KindError, Error: cause}
}

// CompleteOf builds a completion notification.
func CompleteOf(handle string) Notification {
	return Notification{Handle: handle, Kind: KindComplete}
}

// Err returns the cause of an error notification as an error, nil otherwise.
func (n Notification) Err() error {
	if n.Kind != KindError {
		return nil
	}
	switch e := n.Error.(type) {
	case nil:
		return errors.New("unknown error")
	case error:
		return e
	case string:
		return errors.New(e)
	default:
		return fmt.Errorf("%v", e)
	}
}

// Message is a value published under a topic, as delivered by Get.
type Message struct {
	Topic string `json:"topic"`
	Value any    `json:"value"`
}
