// Package rpc is a small remote-object-proxy layer over an ordered,
// bidirectional message channel. Objects are exposed to the peer by
// reference and called asynchronously. Transfer handlers decide how values
// cross the channel, which is how live streams and subscriptions travel as
// ordinary call arguments.
package rpc

import "errors"

var (
	// ErrClosed is returned by calls on a connection that has shut down,
	// including calls still in flight when it did.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrTimeout is returned when a call outlives the connection's deadline.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrUnknownObject is returned for calls on a reference the peer never
	// exposed or has already released.
	ErrUnknownObject = errors.New("rpc: unknown object")
	// ErrUnknownMethod is returned by Methods for a name it does not define.
	ErrUnknownMethod = errors.New("rpc: unknown method")
)

// MessageKind tags a Message.
type MessageKind string

const (
	KindCall    MessageKind = "call"
	KindNotify  MessageKind = "notify"
	KindReply   MessageKind = "reply"
	KindRelease MessageKind = "release"
)

// Message is the unit sent over an Endpoint.
type Message struct {
	Kind   MessageKind `json:"kind"`
	ID     string      `json:"id,omitempty"`
	Target string      `json:"target,omitempty"`
	Method string      `json:"method,omitempty"`
	Args   []WireValue `json:"args,omitempty"`
	Result *WireValue  `json:"result,omitempty"`
	Error  *WireValue  `json:"error,omitempty"`
}

// WireValue is one encoded value. Handler names the transfer handler that
// produced it; an empty Handler means the value crosses as plain data.
type WireValue struct {
	Handler string `json:"handler,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// RemoteError is an error raised on the other side of a connection.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
