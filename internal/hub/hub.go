// Package hub fans position updates out to websocket clients. Clients
// subscribe to individual buses, to map tiles, or to the whole fleet.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"crowdbus/internal/domain"
)

const allTopic = "*"

// BusTopic and TileTopic name subscription keys.
func BusTopic(busID string) string   { return "bus:" + busID }
func TileTopic(tileID string) string { return "tile:" + tileID }

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
	mu     sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, bufferSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) Has(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) add(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

func (c *Client) remove(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

func (c *Client) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Subscription selects what a client wants to receive.
type Subscription struct {
	BusIDs  []string `json:"busIds,omitempty"`
	TileIDs []string `json:"tileIds,omitempty"`
	All     bool     `json:"all,omitempty"`
}

// Topics flattens a subscription into hub topics.
func (s Subscription) Topics() []string {
	topics := make([]string, 0, len(s.BusIDs)+len(s.TileIDs)+1)
	for _, id := range s.BusIDs {
		topics = append(topics, BusTopic(id))
	}
	for _, id := range s.TileIDs {
		topics = append(topics, TileTopic(id))
	}
	if s.All {
		topics = append(topics, allTopic)
	}
	return topics
}

type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	topicClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []domain.PositionUpdate

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		topicClients: make(map[string]map[*Client]struct{}),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan []domain.PositionUpdate, 256),
		logger:       logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case updates := <-h.broadcast:
			h.fanout(updates)
		}
	}
}

func (h *Hub) Subscribe(client *Client, sub Subscription) {
	topics := sub.Topics()

	h.mu.Lock()
	defer h.mu.Unlock()

	client.add(topics)
	for _, t := range topics {
		if h.topicClients[t] == nil {
			h.topicClients[t] = make(map[*Client]struct{})
		}
		h.topicClients[t][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, sub Subscription) {
	topics := sub.Topics()

	h.mu.Lock()
	defer h.mu.Unlock()

	client.remove(topics)
	for _, t := range topics {
		h.dropTopicClient(t, client)
	}
}

// Broadcast queues updates for fanout. It never blocks; when the queue is
// full the updates are dropped and clients catch up on the next cycle.
func (h *Hub) Broadcast(updates []domain.PositionUpdate) {
	if len(updates) == 0 {
		return
	}
	select {
	case h.broadcast <- updates:
	default:
		h.logger.Warn("broadcast channel full, dropping updates", "count", len(updates))
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type UpdateMessage struct {
	Type    string        `json:"type"`
	Payload UpdatePayload `json:"payload"`
}

type UpdatePayload struct {
	Updates []domain.PositionUpdate `json:"updates"`
}

func (h *Hub) fanout(updates []domain.PositionUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perClient := make(map[*Client][]domain.PositionUpdate)
	for _, u := range updates {
		seen := make(map[*Client]struct{})
		for _, t := range []string{BusTopic(u.BusID), TileTopic(u.TileID), allTopic} {
			for client := range h.topicClients[t] {
				if _, dup := seen[client]; dup {
					continue
				}
				seen[client] = struct{}{}
				perClient[client] = append(perClient[client], u)
			}
		}
	}

	for client, us := range perClient {
		data, err := json.Marshal(UpdateMessage{Type: "update", Payload: UpdatePayload{Updates: us}})
		if err != nil {
			continue
		}

		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) dropTopicClient(topic string, client *Client) {
	if h.topicClients[topic] != nil {
		delete(h.topicClients[topic], client)
		if len(h.topicClients[topic]) == 0 {
			delete(h.topicClients, topic)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Topics may have been added before the registration was processed.
	for _, t := range client.Topics() {
		h.dropTopicClient(t, client)
	}

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
	h.topicClients = make(map[string]map[*Client]struct{})
}
