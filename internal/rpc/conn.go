package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"fluxbus/internal/loop"
	"fluxbus/internal/metrics"

	"github.com/google/uuid"
)

// DefaultTimeout bounds every remote call unless WithTimeout says otherwise.
const DefaultTimeout = 30 * time.Second

// Option configures a Conn.
type Option func(*Conn)

// WithLoop dispatches incoming calls on l instead of a loop owned by the Conn.
func WithLoop(l *loop.Loop) Option {
	return func(c *Conn) { c.loop = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithTimeout sets the deadline applied to every outgoing call.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRoot exposes obj as the connection's root object, the one a peer
// reaches through Root without having been handed a reference.
func WithRoot(obj Callable) Option {
	return func(c *Conn) { c.root = obj }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// Conn multiplexes object calls over an Endpoint.
//
// Replies are matched on the reading goroutine. Calls, notifications and
// releases are dispatched on the loop in arrival order.
type Conn struct {
	ep       Endpoint
	loop     *loop.Loop
	ownsLoop bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	root     Callable

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	objects  map[string]Callable
	pending  map[string]chan Message
	hooks    map[uint64]func()
	hookSeq  uint64
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewConn starts serving ep.
func NewConn(ep Endpoint, opts ...Option) *Conn {
	c := &Conn{
		ep:      ep,
		timeout: DefaultTimeout,
		objects: make(map[string]Callable),
		pending: make(map[string]chan Message),
		hooks:   make(map[uint64]func()),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.loop == nil {
		c.loop = loop.New("rpc", c.logger)
		c.ownsLoop = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c
}

// Root returns a handle on the peer's root object.
func (c *Conn) Root() *Remote {
	return &Remote{conn: c}
}

// Loop returns the loop incoming calls are dispatched on.
func (c *Conn) Loop() *loop.Loop { return c.loop }

// ObjectCount returns the number of objects currently exposed to the peer,
// not counting the root.
func (c *Conn) ObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection shut down, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose registers fn to run once when the connection shuts down. If it
// already has, fn runs right away. The returned func unregisters fn.
func (c *Conn) OnClose(fn func()) (cancel func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return func() {}
	}
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Close shuts the connection down. Outstanding calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) readLoop() {
	for {
		m, err := c.ep.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}
		switch m.Kind {
		case KindReply:
			c.mu.Lock()
			ch := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- m
			}
		case KindCall, KindNotify, KindRelease:
			if !c.loop.Post(func() { c.dispatch(m) }) {
				c.shutdown(ErrClosed)
				return
			}
		default:
			c.logger.Warn("rpc message dropped", "kind", m.Kind)
		}
	}
}

func (c *Conn) dispatch(m Message) {
	if m.Kind == KindRelease {
		c.unexpose(m.Target)
		return
	}

	result, err := c.invoke(m)
	if m.Kind == KindNotify {
		if err != nil {
			c.logger.Debug("rpc notify failed", "method", m.Method, "err", err)
		}
		return
	}

	reply := Message{Kind: KindReply, ID: m.ID}
	if err == nil {
		var w WireValue
		if w, err = c.encode(result); err == nil {
			reply.Result = &w
		}
	}
	if err != nil {
		w, _ := c.encode(err)
		reply.Error = &w
	}
	if err := c.ep.Send(reply); err != nil {
		c.logger.Debug("rpc reply not sent", "method", m.Method, "err", err)
	}
}

func (c *Conn) invoke(m Message) (any, error) {
	obj := c.lookup(m.Target)
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, m.Target)
	}
	args := make([]any, len(m.Args))
	for i, w := range m.Args {
		v, err := c.decode(w)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", m.Method, i, err)
		}
		args[i] = v
	}
	return obj.Call(c.ctx, m.Method, args)
}

func (c *Conn) call(ctx context.Context, ref, method string, args []any) (any, error) {
	p, err := c.start(ref, method, args)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// pendingCall is a call that has been sent and awaits its reply.
type pendingCall struct {
	id     string
	method string
	reply  chan Message
}

// start sends a call. Calls started one after another reach the peer in
// that order.
func (c *Conn) start(ref, method string, args []any) (*pendingCall, error) {
	wargs, err := c.encodeAll(args)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{id: uuid.NewString(), method: method, reply: make(chan Message, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.metrics.RPCCall("closed")
		return nil, ErrClosed
	}
	c.pending[p.id] = p.reply
	c.mu.Unlock()

	if err := c.ep.Send(Message{Kind: KindCall, ID: p.id, Target: ref, Method: method, Args: wargs}); err != nil {
		c.forget(p)
		c.metrics.RPCCall("closed")
		return nil, fmt.Errorf("%w: send %s: %v", ErrClosed, method, err)
	}
	return p, nil
}

func (c *Conn) await(ctx context.Context, p *pendingCall) (any, error) {
	defer c.forget(p)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply := <-p.reply:
		if reply.Error != nil {
			c.metrics.RPCCall("error")
			v, _ := c.decode(*reply.Error)
			if e, ok := v.(error); ok {
				return nil, e
			}
			return nil, &RemoteError{Message: fmt.Sprint(v)}
		}
		c.metrics.RPCCall("ok")
		if reply.Result == nil {
			return nil, nil
		}
		return c.decode(*reply.Result)
	case <-c.done:
		c.metrics.RPCCall("closed")
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.metrics.RPCCall("timeout")
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, p.method, c.timeout)
		}
		c.metrics.RPCCall("error")
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(p *pendingCall) {
	c.mu.Lock()
	delete(c.pending, p.id)
	c.mu.Unlock()
}

func (c *Conn) notify(ref, method string, args []any) error {
	wargs, err := c.encodeAll(args)
	if err != nil {
		return err
	}
	if err := c.ep.Send(Message{Kind: KindNotify, Target: ref, Method: method, Args: wargs}); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *Conn) release(ref string) {
	_ = c.ep.Send(Message{Kind: KindRelease, Target: ref})
}

func (c *Conn) lookup(ref string) Callable {
	if ref == "" {
		return c.root
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects[ref]
}

func (c *Conn) expose(obj Callable) string {
	ref := uuid.NewString()
	c.mu.Lock()
	c.objects[ref] = obj
	c.mu.Unlock()
	c.metrics.ObjectExposed()
	return ref
}

func (c *Conn) unexpose(ref string) {
	c.mu.Lock()
	obj, ok := c.objects[ref]
	delete(c.objects, ref)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.metrics.ObjectReleased()
	if r, ok := obj.(interface{ Release() }); ok {
		r.Release()
	}
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	objects := c.objects
	c.objects = make(map[string]Callable)
	hooks := c.hooks
	c.hooks = nil
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	_ = c.ep.Close()
	c.logger.Debug("rpc connection closed", "cause", cause, "objects", len(objects))

	for _, obj := range objects {
		c.metrics.ObjectReleased()
		if r, ok := obj.(interface{ Release() }); ok {
			r.Release()
		}
	}
	for _, fn := range hooks {
		fn()
	}
	if c.ownsLoop {
		c.loop.Close()
	}
}
