package uplink

import (
	"fmt"
	"sync"

	"fluxbus/internal/stream"

	"github.com/nats-io/nats.go"
)

func openNATS(server, subject string, opts Options) stream.Stream {
	logger := opts.Logger.With("uplink", server, "subject", subject)

	return stream.New(func(o stream.Observer) func() {
		var (
			mu     sync.Mutex
			nc     *nats.Conn
			closed bool
		)

		go func() {
			c, err := nats.Connect(server,
				nats.Name("fluxbus-uplink"),
				nats.ClosedHandler(func(*nats.Conn) { o.Complete() }),
				nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
					logger.Warn("uplink error", "err", err)
					o.Error(err)
				}),
			)
			if err != nil {
				o.Error(fmt.Errorf("nats connect: %w", err))
				return
			}
			if _, err := c.Subscribe(subject, func(m *nats.Msg) {
				opts.Metrics.UplinkFrame("nats")
				o.Next(decode(m.Data))
			}); err != nil {
				c.Close()
				o.Error(fmt.Errorf("nats subscribe %s: %w", subject, err))
				return
			}
			if err := c.Flush(); err != nil {
				logger.Warn("uplink flush failed", "err", err)
			}

			mu.Lock()
			if closed {
				mu.Unlock()
				c.Close()
				return
			}
			nc = c
			mu.Unlock()
			logger.Info("uplink connected")
		}()

		return func() {
			mu.Lock()
			closed = true
			c := nc
			mu.Unlock()
			if c != nil {
				c.Close()
			}
		}
	})
}
