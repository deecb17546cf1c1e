package rpc

import (
	"context"
	"fmt"
	"sync"

	"fluxbus/internal/stream"
)

// Callable is an object living in this context that a peer may call.
// Calls run on the connection's loop, one at a time and in arrival order,
// so a Callable must not block on remote calls of its own.
type Callable interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Method implements one method of a Methods object.
type Method func(ctx context.Context, args []any) (any, error)

// Methods is a Callable built from a table of named methods.
type Methods map[string]Method

func (m Methods) Call(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return fn(ctx, args)
}

// Arg returns args[i] as a T.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("missing argument %d", i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d: unexpected %T", i, args[i])
	}
	return v, nil
}

// Proxied marks a Callable to be passed to the peer by reference instead of
// by value. The object stays exposed until either side releases it or the
// connection closes.
type Proxied struct {
	obj Callable

	mu   sync.Mutex
	conn *Conn
	ref  string
}

// Proxy wraps obj so that sending it exposes it to the peer.
func Proxy(obj Callable) *Proxied {
	return &Proxied{obj: obj}
}

// Release withdraws the object from the peer. Safe before it was ever sent.
func (p *Proxied) Release() {
	p.mu.Lock()
	conn, ref := p.conn, p.ref
	p.conn, p.ref = nil, ""
	p.mu.Unlock()
	if conn != nil {
		conn.unexpose(ref)
	}
}

func (p *Proxied) refOn(c *Conn) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == c && p.ref != "" {
		return p.ref
	}
	p.conn, p.ref = c, c.expose(p.obj)
	return p.ref
}

// Remote is a handle on an object exposed by the peer. Every operation is a
// message round trip or a fire-and-forget send; nothing on it is a local
// call.
type Remote struct {
	conn *Conn
	ref  string
	once sync.Once
}

// Call invokes method on the remote object and waits for its reply, the
// connection's deadline, ctx or the connection closing, whichever is first.
func (r *Remote) Call(ctx context.Context, method string, args ...any) (any, error) {
	return r.conn.call(ctx, r.ref, method, args)
}

// Go sends the call before returning and settles the result with the reply
// later. Calls made with Go from one goroutine reach the peer in order.
func (r *Remote) Go(ctx context.Context, method string, args ...any) *stream.Result {
	res := stream.NewResult()
	p, err := r.conn.start(r.ref, method, args)
	if err != nil {
		res.Reject(err)
		return res
	}
	go func() {
		v, err := r.conn.await(ctx, p)
		if err != nil {
			res.Reject(err)
			return
		}
		res.Resolve(v)
	}()
	return res
}

// Notify invokes method without waiting for, or receiving, a reply.
func (r *Remote) Notify(method string, args ...any) error {
	return r.conn.notify(r.ref, method, args)
}

// Release tells the peer this handle is no longer used. Idempotent.
func (r *Remote) Release() {
	if r.ref == "" {
		return
	}
	r.once.Do(func() { r.conn.release(r.ref) })
}

// Conn returns the connection the remote object is reached through.
func (r *Remote) Conn() *Conn { return r.conn }
