package worker

import (
	"context"
	"fmt"

	"fluxbus/internal/rpc"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"
)

// Client calls a Host's registry through an rpc connection. Every method is
// a round trip.
type Client struct {
	conn *rpc.Conn
	root *rpc.Remote
}

// NewClient wraps a connection whose peer is a Host.
func NewClient(conn *rpc.Conn) *Client {
	return &Client{conn: conn, root: conn.Root()}
}

// Conn returns the underlying connection.
func (c *Client) Conn() *rpc.Conn { return c.conn }

// Register hands s to the worker under t. The worker subscribes to s only
// once somebody resolves a prefix of t.
func (c *Client) Register(ctx context.Context, t topic.Topic, s stream.Stream, replay bool) error {
	_, err := c.RegisterAsync(ctx, t, s, replay).Wait(ctx)
	return err
}

// RegisterAsync sends the registration before returning. The result settles
// once the worker has accepted it.
func (c *Client) RegisterAsync(ctx context.Context, t topic.Topic, s stream.Stream, replay bool) *stream.Result {
	return c.async(ctx, "register "+string(t), "register", string(t), s, replay)
}

// Resolve returns the worker's merged notification stream for prefix. The
// caller releases it with stream.Release once done subscribing.
func (c *Client) Resolve(ctx context.Context, prefix topic.Topic) (stream.Stream, error) {
	call := c.ResolveAsync(ctx, prefix)
	v, err := call.Wait(ctx)
	if ctx.Err() != nil {
		// The reply may still come; its stream must not stay exposed.
		go func() {
			if v, err := call.Wait(context.Background()); err == nil {
				stream.Release(v.(stream.Stream))
			}
		}()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return v.(stream.Stream), nil
}

// ResolveAsync sends the resolve request before returning. The result
// settles with a stream.Stream.
func (c *Client) ResolveAsync(ctx context.Context, prefix topic.Topic) *stream.Result {
	return c.async(ctx, "resolve "+string(prefix), "resolve", string(prefix))
}

func (c *Client) Unregister(ctx context.Context, t topic.Topic) error {
	_, err := c.UnregisterAsync(ctx, t).Wait(ctx)
	return err
}

func (c *Client) UnregisterAsync(ctx context.Context, t topic.Topic) *stream.Result {
	return c.async(ctx, "unregister "+string(t), "unregister", string(t))
}

// Topics lists the topics registered under prefix.
func (c *Client) Topics(ctx context.Context, prefix topic.Topic) ([]topic.Topic, error) {
	res, err := c.root.Call(ctx, "topics", string(prefix))
	if err != nil {
		return nil, fmt.Errorf("topics %s: %w", prefix, err)
	}
	var out []topic.Topic
	switch list := res.(type) {
	case []string:
		for _, s := range list {
			out = append(out, topic.Topic(s))
		}
	case []any:
		for _, v := range list {
			out = append(out, topic.Topic(fmt.Sprint(v)))
		}
	case nil:
	default:
		return nil, fmt.Errorf("topics %s: unexpected %T", prefix, res)
	}
	return out, nil
}

// async issues a call whose failure is reported prefixed with what.
func (c *Client) async(ctx context.Context, what, method string, args ...any) *stream.Result {
	res := stream.NewResult()
	call := c.root.Go(ctx, method, args...)
	go func() {
		v, err := call.Wait(context.Background())
		if err != nil {
			res.Reject(fmt.Errorf("%s: %w", what, err))
			return
		}
		if method == "resolve" {
			if _, ok := v.(stream.Stream); !ok {
				res.Reject(fmt.Errorf("%s: unexpected %T", what, v))
				return
			}
		}
		res.Resolve(v)
	}()
	return res
}

func (c *Client) Close() error {
	return c.conn.Close()
}
