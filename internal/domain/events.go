package domain

// WebSocket message types from client.
const (
	MsgTypeSendMessage = "send_message"
	MsgTypeTyping      = "typing"
	MsgTypeJoinRoom    = "join_room"
	MsgTypeLeaveRoom   = "leave_room"
	MsgTypeCreateRoom  = "create_room"
	MsgTypePing        = "ping"
)

// WebSocket event types to client.
const (
	EventRecentMessages = "recent_messages"
	EventOnlineUsers    = "online_users"
	EventAvailableRooms = "available_rooms"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventNewMessage     = "new_message"
	EventUserTyping     = "user_typing"
	EventUserJoinedRoom = "user_joined_room"
	EventUserLeftRoom   = "user_left_room"
	EventError          = "error"
	EventPong           = "pong"
)

// BaseMessage is the discriminator shared by all client frames.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type SendMessageRequest struct {
	Type    string `json:"type"`
	Content string `json:"content" validate:"required,max=4000"`
	RoomID  string `json:"roomId,omitempty" validate:"omitempty,max=64"`
}

type TypingRequest struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
	RoomID   string `json:"roomId,omitempty" validate:"omitempty,max=64"`
}

type RoomRequest struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type CreateRoomRequest struct {
	Type        string `json:"type"`
	Name        string `json:"name" validate:"required,max=50"`
	Description string `json:"description,omitempty" validate:"max=100"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
}

type PingRequest struct {
	Type string `json:"type"`
}

// Server -> Client messages

// Event is the envelope of every server frame.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type TypingPayload struct {
	User     UserSummary `json:"user"`
	IsTyping bool        `json:"isTyping"`
	RoomID   string      `json:"roomId,omitempty"`
}

type RoomMemberPayload struct {
	User   UserSummary `json:"user"`
	RoomID string      `json:"roomId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEvent(eventType string, data interface{}) *Event {
	return &Event{Type: eventType, Data: data}
}

func NewErrorEvent(message string) *Event {
	return &Event{Type: EventError, Data: ErrorPayload{Message: message}}
}
