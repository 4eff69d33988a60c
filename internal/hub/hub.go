package hub

import (
	"encoding/json"
	"sync"

	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/log"
)

// Hub is the live connection index. It resolves a target (every
// connection, one room or one connection) to concrete clients and
// delivers at most once to each, without blocking on slow readers.
type Hub struct {
	clients map[string]*Client            // clientID -> client
	rooms   map[string]map[string]*Client // roomID -> clientID -> client
	mu      sync.RWMutex
	stopped bool
	config  config.WebSocketConfig
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		config:  cfg,
	}
}

// Register admits an authenticated client. Once Register returns, the
// client receives every later global broadcast.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	if _, ok := h.clients[client.ID]; ok {
		return false
	}
	h.clients[client.ID] = client

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Int("clients", len(h.clients)).Msg("client registered")
	return true
}

// Unregister removes the client from every index and closes its send
// channel. It is safe to call more than once.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(client)
}

func (h *Hub) unregisterLocked(client *Client) bool {
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	for roomID, members := range h.rooms {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.clients, client.ID)
	close(client.Send)

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Msg("client unregistered")
	return true
}

// JoinRoom adds a registered client to a room's delivery set.
func (h *Hub) JoinRoom(client *Client, roomID string) bool {
	if roomID == domain.GeneralRoomID {
		return h.IsRegistered(client)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][client.ID] = client
	client.Session.AddRoom(roomID)

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Str(log.FieldRoomID, roomID).Msg("client joined room")
	return true
}

// LeaveRoom removes a client from a room's delivery set.
func (h *Hub) LeaveRoom(client *Client, roomID string) {
	if roomID == domain.GeneralRoomID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomID]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	client.Session.RemoveRoom(roomID)

	l := log.L()
	l.Debug().Str(log.FieldConnectionID, client.ID).Str(log.FieldRoomID, roomID).Msg("client left room")
}

// Broadcast delivers to every registered client except exclude and
// returns the number of clients the message was queued for.
func (h *Hub) Broadcast(message interface{}, exclude string) (int, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for clientID, client := range h.clients {
		if clientID == exclude {
			continue
		}
		if h.deliverLocked(client, data) {
			delivered++
		}
	}
	return delivered, nil
}

// BroadcastToRoom delivers to every client currently in the room. The
// general room resolves to every registered client.
func (h *Hub) BroadcastToRoom(roomID string, message interface{}, exclude string) (int, error) {
	if roomID == "" || roomID == domain.GeneralRoomID {
		return h.Broadcast(message, exclude)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for clientID, client := range h.rooms[roomID] {
		if clientID == exclude {
			continue
		}
		if h.deliverLocked(client, data) {
			delivered++
		}
	}
	return delivered, nil
}

// SendTo delivers to a single registered client.
func (h *Hub) SendTo(client *Client, message interface{}) (bool, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[client.ID]; !ok {
		return false, nil
	}
	return h.deliverLocked(client, data), nil
}

// deliverLocked must be called with h.mu held for reading. A client whose
// buffer is full is evicted once the read lock is released.
func (h *Hub) deliverLocked(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		go h.evict(client)
		return false
	}
}

func (h *Hub) evict(client *Client) {
	if h.Unregister(client) {
		l := log.L()
		l.Warn().Str(log.FieldConnectionID, client.ID).Msg("evicted slow client")
	}
}

func (h *Hub) IsRegistered(client *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[client.ID]
	return ok
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomClientCount(roomID string) int {
	if roomID == domain.GeneralRoomID {
		return h.ClientCount()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Stop unregisters every client and refuses new registrations.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for _, client := range h.clients {
		h.unregisterLocked(client)
	}
}
