// Package hub fans out bridge events to connected UI clients over
// websockets. Clients join per-event groups and receive only the events
// for the groups they joined.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types pushed to clients.
const (
	EventMessageReceived = "message_received"
	EventChannelCreated  = "channel_created"
	EventChannelArchived = "channel_archived"
	EventChannelRestored = "channel_restored"
	EventChannelDeleted  = "channel_deleted"
)

// Envelope is the wire format for pushed events.
type Envelope struct {
	Type      string    `json:"type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type broadcastMsg struct {
	group string
	data  []byte
}

// Hub tracks connected clients and their group memberships.
type Hub struct {
	logger *slog.Logger

	clients map[*Client]bool
	groups  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg

	mu sync.RWMutex
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		logger:     log.With(slog.String("service", "hub")),
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMsg, 256),
	}
}

// groupName namespaces event ids so future group kinds cannot collide.
func groupName(eventID string) string {
	return "event-" + eventID
}

// Run drives the hub until ctx is cancelled. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Broadcast pushes an event to every client joined to the event's group.
// It never blocks the caller; slow clients are dropped.
func (h *Hub) Broadcast(eventID, eventType string, payload any) {
	data, err := json.Marshal(Envelope{
		Type:      eventType,
		EventID:   eventID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshal broadcast envelope", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- broadcastMsg{group: groupName(eventID), data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", eventType, "event_id", eventID)
	}
}

func (h *Hub) deliver(msg broadcastMsg) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.groups[msg.group]))
	for client := range h.groups[msg.group] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	for _, client := range members {
		select {
		case client.send <- msg.data:
		default:
			// Send buffer full; the client is not keeping up.
			h.drop(client)
		}
	}
}

// join adds a client to an event group.
func (h *Hub) join(client *Client, eventID string) {
	group := groupName(eventID)
	h.mu.Lock()
	defer h.mu.Unlock()

	client.groups[group] = true
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]bool)
	}
	h.groups[group][client] = true
}

// leave removes a client from an event group.
func (h *Hub) leave(client *Client, eventID string) {
	group := groupName(eventID)
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.groups, group)
	h.removeFromGroup(client, group)
}

// drop unregisters a client and removes it from every group it joined.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for group := range client.groups {
		h.removeFromGroup(client, group)
	}
	close(client.send)
}

// removeFromGroup requires h.mu held.
func (h *Hub) removeFromGroup(client *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.groups = make(map[string]map[*Client]bool)
}
