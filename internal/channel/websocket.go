// Package channel serves a bus subtree to other processes over websocket.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fluxbus/internal/domain"
	"fluxbus/internal/stream"
	"fluxbus/internal/topic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// SocketConfig configures the socket server.
type SocketConfig struct {
	Host        string
	Port        int
	SocketPath  string       // default: /socket
	WorkerPath  string       // default: /worker
	MetricsPath string       // served only when Metrics is set
	Bus         domain.Bus   // required
	Worker      http.Handler // attaches remote handlers to the local worker; optional
	Metrics     http.Handler
	Logger      *slog.Logger
}

// SocketServer exposes a bus over websocket.
//
// GET <SocketPath>?topic=a.b streams every notification under a.b to the
// client as JSON frames in the notification wire shape. Frames the client
// sends in the same shape, with a handle under a.b, are published into the
// bus: one replay-latest stream per handle, completed when the client sends
// "C" for it or disconnects.
type SocketServer struct {
	addr   string
	bus    domain.Bus
	logger *slog.Logger
	mux    *http.ServeMux
	server *http.Server

	mu      sync.RWMutex
	clients map[string]*socketClient
}

// socketClient tracks one connected client.
type socketClient struct {
	id     string
	conn   *websocket.Conn
	prefix topic.Topic
	mu     sync.Mutex

	// handles published by this client; only the read loop touches it.
	published map[string]*stream.Latest
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // uplinked endpoints are not authenticated
	},
}

// NewSocketServer creates a socket server. Nothing listens until Start; the
// routes are available right away through Handler.
func NewSocketServer(cfg SocketConfig) *SocketServer {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/socket"
	}
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = "/worker"
	}
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &SocketServer{
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("component", "socket"),
		mux:     http.NewServeMux(),
		clients: make(map[string]*socketClient),
	}
	s.mux.HandleFunc(cfg.SocketPath, s.handleSocket)
	if cfg.Worker != nil {
		s.mux.Handle(cfg.WorkerPath, cfg.Worker)
	}
	if cfg.Metrics != nil && cfg.MetricsPath != "" {
		s.mux.Handle(cfg.MetricsPath, cfg.Metrics)
	}
	return s
}

// Handler returns the server's routes.
func (s *SocketServer) Handler() http.Handler { return s.mux }

// Addr returns the listen address.
func (s *SocketServer) Addr() string { return s.addr }

// Clients returns the number of connected socket clients.
func (s *SocketServer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Start listens until ctx is cancelled, then disconnects every client and
// shuts down.
func (s *SocketServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("socket server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *SocketServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	prefix, err := topic.Parse(r.URL.Query().Get("topic"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	observed, err := s.bus.Observe(string(prefix))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &socketClient{
		id:        uuid.NewString(),
		conn:      conn,
		prefix:    prefix,
		published: make(map[string]*stream.Latest),
	}
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()

	logger := s.logger.With("client_id", client.id, "topic", prefix)
	logger.Info("socket client connected")

	sub := observed.Subscribe(stream.Funcs{
		OnNext: func(v any) {
			if err := client.send(v); err != nil {
				logger.Debug("socket write failed", "err", err)
			}
		},
		OnError: func(err error) {
			logger.Warn("socket observation failed", "err", err)
			client.close(websocket.CloseInternalServerErr, "bus unavailable")
		},
	})

	defer func() {
		sub.Unsubscribe()
		for handle, l := range client.published {
			l.Complete()
			delete(client.published, handle)
		}
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		conn.Close()
		logger.Info("socket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("websocket read error", "err", err)
			}
			return
		}

		var n domain.Notification
		if err := json.Unmarshal(message, &n); err != nil {
			logger.Warn("invalid socket message", "err", err)
			continue
		}
		if err := s.publish(client, n); err != nil {
			logger.Warn("socket message dropped", "handle", n.Handle, "err", err)
		}
	}
}

// publish feeds one client notification into the bus.
func (s *SocketServer) publish(c *socketClient, n domain.Notification) error {
	handle, err := topic.Parse(n.Handle)
	if err != nil {
		return err
	}
	if !handle.HasPrefix(c.prefix) {
		return fmt.Errorf("handle outside %s", c.prefix)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", n.Kind)
	}

	l, ok := c.published[n.Handle]
	if !ok {
		if n.Kind != domain.KindNext {
			return nil
		}
		l = stream.NewLatest()
		if _, err := s.bus.Publish(n.Handle, l); err != nil {
			return err
		}
		c.published[n.Handle] = l
	}

	switch n.Kind {
	case domain.KindNext:
		l.Next(n.Value)
	case domain.KindError:
		delete(c.published, n.Handle)
		l.Error(n.Err())
	case domain.KindComplete:
		delete(c.published, n.Handle)
		l.Complete()
	}
	return nil
}

func (c *socketClient) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *socketClient) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.conn.Close()
}

func (s *SocketServer) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, client := range s.clients {
		client.close(websocket.CloseGoingAway, "server shutting down")
		delete(s.clients, id)
	}
}
