// Package monitor streams live training and prediction events to
// websocket subscribers.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"recordlink/logging"
	"recordlink/ml"
)

// MessageType tags a hub message.
type MessageType string

const (
	TrainingProgress MessageType = "training_progress"
	TrainingComplete MessageType = "training_complete"
	PredictionEvent  MessageType = "prediction"
	SystemStatus     MessageType = "system_status"
	Heartbeat        MessageType = "heartbeat"
)

// Message is the envelope every subscriber receives.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Client is one websocket subscriber.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

// Hub fans out messages to all connected clients. Slow clients get
// disconnected instead of blocking the broadcast loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub builds a hub; call Run in a goroutine to start it.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Infof("monitor client connected: %s (total: %d)", client.clientID, total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Infof("monitor client disconnected: %s (total: %d)", client.clientID, total)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			logging.Infof("monitor hub stopped")
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an HTTP request into a hub subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		clientID: fmt.Sprintf("client_%d", time.Now().UnixNano()),
	}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

// Broadcast queues raw bytes for every client, dropping the message when
// the queue is full.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		logging.Warnf("monitor broadcast queue is full, dropping message")
	}
}

// Publish wraps a payload in a typed envelope and broadcasts it.
func (h *Hub) Publish(messageType MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	envelope, err := json.Marshal(Message{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return err
	}
	h.Broadcast(envelope)
	return nil
}

// PublishTrainingProgress streams one training iteration to subscribers.
func (h *Hub) PublishTrainingProgress(metrics ml.IterationMetrics) {
	if err := h.Publish(TrainingProgress, metrics); err != nil {
		logging.Warnf("publish training progress: %v", err)
	}
}

// PublishTrainingComplete streams the final training result.
func (h *Hub) PublishTrainingComplete(result ml.TrainingResult) {
	// History can run to thousands of iterations; subscribers who want
	// it can query the training log instead.
	trimmed := result
	trimmed.History = nil
	if err := h.Publish(TrainingComplete, trimmed); err != nil {
		logging.Warnf("publish training complete: %v", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warnf("websocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		// After Stop nothing drains the unregister channel; the done
		// branch keeps disconnecting clients from leaking this goroutine.
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warnf("websocket read error: %v", err)
			}
			return
		}
	}
}
