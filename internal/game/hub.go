package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	writeWait      = 10 * time.Second
	clientQueueLen = 64
	broadcastLen   = 256
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connected websocket. Messages are queued and written in
// order by the client's own writer goroutine.
type Client struct {
	conn     Conn
	username string
	queue    chan []byte
	done     chan struct{}
	once     sync.Once
	log      *slog.Logger
}

func (c *Client) Username() string {
	return c.username
}

// Send marshals v and queues it for this client only.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Write failed", "user", c.username, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub broadcasts engine events to every connected websocket client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastLen),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.With("component", "hub"),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", "user", client.username, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", "user", client.username, "total", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.enqueue(message) {
					h.log.Warn("Client queue full, dropping message", "user", client.username)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish implements Publisher. It never blocks the engine; events are
// dropped when the broadcast queue is full.
func (h *Hub) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("Failed to marshal event", "type", evt.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", evt.Type)
	}
}

// Register adds conn to the hub and starts its writer.
func (h *Hub) Register(ctx context.Context, conn Conn, username string) *Client {
	client := &Client{
		conn:     conn,
		username: username,
		queue:    make(chan []byte, clientQueueLen),
		done:     make(chan struct{}),
		log:      h.log,
	}
	go client.writePump()
	select {
	case h.register <- client:
	case <-ctx.Done():
		client.close()
	case <-h.done:
		client.close()
	}
	return client
}

func (h *Hub) Unregister(ctx context.Context, client *Client) {
	select {
	case h.unregister <- client:
	case <-ctx.Done():
		client.close()
	case <-h.done:
		client.close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
