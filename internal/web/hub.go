package web

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"airdata-ng/internal/airdata"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 8
	writeWait         = 2 * time.Second
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Hub fans air-data snapshots out to websocket clients. It keeps the most
// recent message so a new client gets a sample immediately. Slow clients miss
// messages rather than blocking Publish.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	last    []byte
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish encodes snap as JSON and queues it for every client.
func (h *Hub) Publish(snap airdata.Snapshot) {
	if h == nil {
		return
	}
	msg, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Printf("web: websocket upgrade failed: %v", err)
		return
	}
	c := &client{socket: socket, send: make(chan []byte, messageBufferSize)}
	h.join(c)
	go c.write()
	c.read()
	h.leave(c)
}

// read discards client messages and returns when the connection closes.
func (c *client) read() {
	defer c.socket.Close()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
