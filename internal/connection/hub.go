// Package connection pushes lifecycle status changes to connection-manager
// clients over websockets.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvandessel/simcore/internal/logging"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second

	// Path is where the hub accepts websocket connections.
	Path = "/ws"
)

// StatusMessage is sent to every client on each external status change, and
// once to each client when it connects.
type StatusMessage struct {
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	SimulationID string    `json:"simulation_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Options configures a Hub.
type Options struct {
	Logger *slog.Logger
	// Offline forces Online to report false regardless of clients.
	Offline bool
	// RequireClients makes Online false while no client is attached.
	RequireClients bool
}

// Hub tracks connected clients and broadcasts status messages to them.
// It implements lifecycle.Notifier.
type Hub struct {
	logger         *slog.Logger
	offline        bool
	requireClients bool
	upgrader       websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	last    StatusMessage
}

// NewHub creates a hub that reports Idle until the first notification.
func NewHub(opts Options) *Hub {
	h := &Hub{
		logger:         logging.OrDiscard(opts.Logger),
		offline:        opts.Offline,
		requireClients: opts.RequireClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	h.last = StatusMessage{Type: "status", Status: "Idle", Time: h.now().UTC()}
	return h
}

// Notify broadcasts a status change. Clients whose write fails are dropped.
func (h *Hub) Notify(status, simulationID, message string) {
	h.broadcast(StatusMessage{
		Type:         "status",
		Status:       status,
		SimulationID: simulationID,
		Message:      message,
		Time:         h.now().UTC(),
	}, true)
}

// Attention asks attached connection managers to bring the simulator to
// the operator's notice. The remembered status is left unchanged.
func (h *Hub) Attention(simulationID string) {
	last := h.Last()
	h.broadcast(StatusMessage{
		Type:         "attention",
		Status:       last.Status,
		SimulationID: simulationID,
		Time:         h.now().UTC(),
	}, false)
}

func (h *Hub) broadcast(msg StatusMessage, remember bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal status message", "type", msg.Type, "error", err)
		return
	}

	h.mu.Lock()
	if remember {
		h.last = msg
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.logger.Warn("failed to send status", "remote", c.conn.RemoteAddr().String(), "error", err)
			h.remove(c)
		}
	}
}

// Online reports whether UI-facing work such as the home-scene reload
// should run. It is false when forced offline, and with RequireClients set
// it is also false until a connection manager attaches.
func (h *Hub) Online() bool {
	if h.offline {
		return false
	}
	if h.requireClients {
		return h.Clients() > 0
	}
	return true
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Last returns the most recent status message.
func (h *Hub) Last() StatusMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Messages from clients are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	last := h.last
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("connection manager attached", "remote", r.RemoteAddr)

	if data, err := json.Marshal(last); err == nil {
		if err := c.write(data); err != nil {
			h.remove(c)
			return
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			h.logger.Info("connection manager detached", "remote", r.RemoteAddr)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.conn.Close()
	}
}

// ListenAndServe serves the hub on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	h.logger.Info("status websocket listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
