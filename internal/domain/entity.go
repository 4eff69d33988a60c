package domain

import "time"

// Identity is the user a connection authenticated as.
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

// Summary returns the public view of the identity.
func (i *Identity) Summary() UserSummary {
	return UserSummary{
		ID:       i.UserID,
		Username: i.Username,
		Avatar:   i.Avatar,
	}
}

// User is the durable user record.
type User struct {
	ID        string
	Email     string
	Username  string
	Avatar    string
	IsOnline  bool
	LastSeen  *time.Time
	CreatedAt time.Time
}

func (u *User) Identity() *Identity {
	return &Identity{UserID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

// UserSummary is the user shape sent to clients.
type UserSummary struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Avatar   string     `json:"avatar,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Room is a named channel with its own membership.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsPrivate   bool      `json:"isPrivate"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	MemberCount int64     `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RoomRef is the short room reference embedded in messages.
type RoomRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is an immutable chat message. An empty RoomID addresses the
// general room.
type Message struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	UserID    string      `json:"userId"`
	RoomID    string      `json:"roomId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	User      UserSummary `json:"user"`
	Room      *RoomRef    `json:"room,omitempty"`
}

// Membership is the durable edge between a user and a room.
type Membership struct {
	UserID   string
	RoomID   string
	JoinedAt time.Time
}
