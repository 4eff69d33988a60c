package domain

import (
	"sort"
	"sync"
	"time"
)

// GeneralRoomID addresses the implicit room every connection belongs to.
const GeneralRoomID = "general"

// SessionState is the lifecycle state of a connection.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state: lifecycle, the identity it
// authenticated as and the set of rooms it currently listens to.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActiveAt time.Time

	state    SessionState
	identity *Identity
	rooms    map[string]struct{}
	mu       sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		state:        StateConnecting,
		rooms:        make(map[string]struct{}),
	}
}

// Authenticate moves a connecting session to Authenticated. It reports
// false when the session already left the Connecting state.
func (s *Session) Authenticate(identity *Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.identity = identity
	s.state = StateAuthenticated
	s.rooms[GeneralRoomID] = struct{}{}
	s.LastActiveAt = time.Now()
	return true
}

// Close moves the session to Closed and returns the state it left.
func (s *Session) Close() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = StateClosed
	return prev
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAuthenticated
}

// Identity returns the authenticated identity, or nil.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) GetUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.UserID
}

func (s *Session) AddRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

// RemoveRoom drops a room from the set. The general room is never removed.
func (s *Session) RemoveRoom(roomID string) {
	if roomID == GeneralRoomID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the joined room ids in lexical order.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
