package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket wraps an established websocket connection as an Endpoint.
// Every message travels as one JSON text frame.
func WebSocket(conn *websocket.Conn) Endpoint {
	return &wsEndpoint{conn: conn}
}

// Upgrade upgrades an HTTP request and returns the websocket as an Endpoint.
func Upgrade(w http.ResponseWriter, r *http.Request) (Endpoint, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return WebSocket(conn), nil
}

// Dial connects to a websocket URL and returns it as an Endpoint.
func Dial(ctx context.Context, url string) (Endpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return WebSocket(conn), nil
}

type wsEndpoint struct {
	conn *websocket.Conn

	wmu    sync.Mutex
	closed bool
}

func (e *wsEndpoint) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed {
		return io.ErrClosedPipe
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *wsEndpoint) Recv() (Message, error) {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				return Message{}, io.EOF
			}
			return Message{}, err
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			// Malformed frames are dropped; the channel itself is still fine.
			continue
		}
		return m, nil
	}
}

func (e *wsEndpoint) Close() error {
	e.wmu.Lock()
	if e.closed {
		e.wmu.Unlock()
		return nil
	}
	e.closed = true
	_ = e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	e.wmu.Unlock()
	return e.conn.Close()
}
