package hub

import (
	"encoding/json"
	"log"
	"sync"
)

const (
	ViewFleet  = "fleet"
	ViewTicket = "ticket"
)

type Subscription struct {
	View     string
	TicketID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	View     string `json:"view"`
	TicketID string `json:"ticket_id"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
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

// Broadcast delivers the payload to every client whose subscription matches.
// A client with a full send buffer misses the message; the next snapshot
// supersedes it anyway.
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
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

// Send delivers to one client if it is still registered. Safe against the
// client being unregistered concurrently, unlike writing its channel
// directly.
func (h *Hub) Send(clientID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	select {
	case client.Send <- payload:
		return true
	default:
		log.Printf("drop message for client %s", client.ID)
		return false
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.View != meta.View {
		return false
	}
	if sub.View == ViewTicket && sub.TicketID != meta.TicketID {
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
	if msg.Action == "subscribe" {
		if msg.View != ViewFleet && msg.View != ViewTicket {
			return SubscribeMessage{}, false
		}
		if msg.View == ViewTicket && msg.TicketID == "" {
			return SubscribeMessage{}, false
		}
	}
	return msg, true
}
