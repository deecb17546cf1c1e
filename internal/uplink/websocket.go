package uplink

import (
	"context"
	"sync"
	"time"

	"fluxbus/internal/stream"

	"github.com/gorilla/websocket"
)

func openWebSocket(rawURL string, opts Options) stream.Stream {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger.With("uplink", rawURL)

	return stream.New(func(o stream.Observer) func() {
		ctx, cancel := context.WithCancel(context.Background())
		var (
			mu     sync.Mutex
			conn   *websocket.Conn
			closed bool
		)

		go func() {
			c, _, err := dialer.DialContext(ctx, rawURL, nil)
			if err != nil {
				o.Error(err)
				return
			}
			mu.Lock()
			if closed {
				mu.Unlock()
				c.Close()
				return
			}
			conn = c
			mu.Unlock()
			logger.Info("uplink connected")

			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					mu.Lock()
					stopped := closed
					mu.Unlock()
					switch {
					case stopped:
					case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
						logger.Info("uplink closed by peer")
						o.Complete()
					default:
						logger.Warn("uplink read failed", "err", err)
						o.Error(err)
					}
					return
				}
				opts.Metrics.UplinkFrame("ws")
				o.Next(decode(data))
			}
		}()

		return func() {
			cancel()
			mu.Lock()
			closed = true
			c := conn
			mu.Unlock()
			if c != nil {
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.Close()
			}
		}
	})
}
