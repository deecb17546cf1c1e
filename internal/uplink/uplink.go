// Package uplink turns a remote socket into a stream: every message received
// becomes one value. Unsubscribing closes the socket.
package uplink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"fluxbus/internal/metrics"
	"fluxbus/internal/stream"

	"github.com/gorilla/websocket"
)

// ErrUnsupported is returned for URLs no transport can open.
var ErrUnsupported = errors.New("unsupported uplink url")

// Options configure the transports.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Dialer  *websocket.Dialer // nil: websocket.DefaultDialer
}

// Open returns a cold stream over the socket at rawURL. Supported schemes:
// ws and wss (one value per text frame) and nats, as
// nats://host:port/subject (one value per message on subject).
// Nothing connects until the stream is subscribed.
func Open(rawURL string, opts Options) (stream.Stream, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return openWebSocket(rawURL, opts), nil
	case "nats":
		subject := strings.TrimPrefix(u.Path, "/")
		if subject == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: %q needs nats://host:port/subject", ErrUnsupported, rawURL)
		}
		server := (&url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User}).String()
		return openNATS(server, subject, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, rawURL)
	}
}

// decode parses a frame as JSON, falling back to the raw text.
func decode(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
