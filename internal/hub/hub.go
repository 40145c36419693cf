package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription scopes what a connected display wants to see. An empty
// field matches everything, so a lobby TV subscribes by sede while a
// per-counter screen also filters by modulo.
type Subscription struct {
	SedeID   string
	ModuloID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	SedeID   string `json:"sede_id"`
	ModuloID string `json:"modulo_id"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast delivers to every matching client without blocking; a client
// that cannot keep up misses intermediate states, which the feed contract
// allows (latest state wins on the next event).
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

// match applies the modulo filter only to events that carry a modulo.
// Creation events and terminal transitions have already released theirs, and
// a counter screen must still see the event that clears its current call.
func match(sub Subscription, meta Subscription) bool {
	if sub.SedeID != "" && meta.SedeID != sub.SedeID {
		return false
	}
	if sub.ModuloID != "" && meta.ModuloID != "" && meta.ModuloID != sub.ModuloID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
