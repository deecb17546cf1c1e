package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"fluxbus/internal/rpc"
)

// Factory bootstraps a connection to a worker.
type Factory func(ctx context.Context) (*Client, error)

// InProcess attaches to host through an in-process pipe.
func InProcess(host *Host, opts Options) Factory {
	return func(ctx context.Context) (*Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, b := rpc.Pipe()
		host.Attach(a)
		return NewClient(rpc.NewConn(b, opts.connOptions()...)), nil
	}
}

// Dial connects to a host served over websocket at url.
func Dial(url string, opts Options) Factory {
	return func(ctx context.Context) (*Client, error) {
		ep, err := rpc.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		return NewClient(rpc.NewConn(ep, opts.connOptions()...)), nil
	}
}

// FromURL picks a factory by URL. An empty URL or the inproc scheme starts
// a private Host on first use and reuses it afterwards; ws and wss dial a
// remote host.
func FromURL(rawURL string, opts Options) (Factory, error) {
	if rawURL == "" {
		return lazyInProcess(opts), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("worker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "inproc":
		return lazyInProcess(opts), nil
	case "ws", "wss":
		return Dial(rawURL, opts), nil
	default:
		return nil, fmt.Errorf("worker url %q: unsupported scheme %q", rawURL, u.Scheme)
	}
}

func lazyInProcess(opts Options) Factory {
	return NewLocal(opts).Factory()
}

// Local is an in-process worker whose Host is started on first use.
type Local struct {
	opts Options

	mu     sync.Mutex
	host   *Host
	closed bool
}

// NewLocal returns a Local; no host runs until its factory is first called.
func NewLocal(opts Options) *Local {
	return &Local{opts: opts}
}

// Factory attaches to the local host, starting it if needed.
func (l *Local) Factory() Factory {
	return func(ctx context.Context) (*Client, error) {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, fmt.Errorf("worker: %w", rpc.ErrClosed)
		}
		if l.host == nil {
			l.host = NewHost(l.opts)
		}
		host := l.host
		l.mu.Unlock()
		return InProcess(host, l.opts)(ctx)
	}
}

// Started reports whether the host has been started.
func (l *Local) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.host != nil
}

// Close stops the host, if it was started. Later factory calls fail.
func (l *Local) Close() {
	l.mu.Lock()
	host := l.host
	l.closed = true
	l.mu.Unlock()
	if host != nil {
		host.Close()
	}
}
