package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
)

// Client is one websocket subscriber to a job or pipeline id.
type Client struct {
	ID      string
	OwnerID string
	Send    chan []byte
}

// BroadcastMessage is a serialized update addressed to subscribers of ID.
type BroadcastMessage struct {
	ID      string
	OwnerID string
	Message []byte
}

// Hub fans change events out to the websocket clients subscribed to them.
type Hub struct {
	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	done chan struct{}

	mu  sync.RWMutex
	log *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, sendBuffer),
		done:       make(chan struct{}),
		log:        log.With("component", "Hub"),
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ID] == nil {
				h.clients[client.ID] = make(map[*Client]bool)
			}
			h.clients[client.ID][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "id", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.Debug("client unregistered", "id", client.ID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.ID] {
				if msg.OwnerID != "" && client.OwnerID != "" && client.OwnerID != msg.OwnerID {
					continue
				}
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.ID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.ID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.remove(client)
		}
	}
}

// Subscribers returns how many clients watch id.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id])
}

// Subscribe registers a client for id. Callers must Unsubscribe it.
func (h *Hub) Subscribe(id, ownerID string) *Client {
	client := &Client{ID: id, OwnerID: ownerID, Send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
	return client
}

func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Forward turns a change event into an update message. It is the bus
// forwarder callback and never blocks.
func (h *Hub) Forward(ev events.Event) {
	data, err := json.Marshal(model.WSUpdateMessage{
		Type:        model.WSMessageTypeUpdate,
		Kind:        ev.Kind,
		ID:          ev.ID,
		Status:      ev.Status,
		Progress:    ev.Progress,
		CurrentStep: ev.CurrentStep,
		Error:       ev.Error,
	})
	if err != nil {
		h.log.Error("failed to marshal update", "id", ev.ID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{ID: ev.ID, OwnerID: ev.OwnerID, Message: data}:
	default:
		h.log.Warn("broadcast buffer full, dropping update", "id", ev.ID)
	}
}

// HandleConnection serves one websocket connection until the peer leaves.
func (h *Hub) HandleConnection(c *websocket.Conn, id, ownerID string) {
	client := h.Subscribe(id, ownerID)
	defer h.Unsubscribe(client)

	// Only the writer goroutine writes to c.
	pongs := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-readerDone:
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", "id", id, "error", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
