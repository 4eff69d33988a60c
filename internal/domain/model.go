package domain

import "time"

// UserModel is the GORM model for users table.
type UserModel struct {
	ID        string     `gorm:"type:varchar(36);primaryKey"`
	Email     string     `gorm:"type:varchar(255);uniqueIndex;not null"`
	Username  string     `gorm:"type:varchar(50);uniqueIndex;not null"`
	Avatar    string     `gorm:"type:varchar(512)"`
	IsOnline  bool       `gorm:"index;not null;default:false"`
	LastSeen  *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToDomain() *User {
	return &User{
		ID:        m.ID,
		Email:     m.Email,
		Username:  m.Username,
		Avatar:    m.Avatar,
		IsOnline:  m.IsOnline,
		LastSeen:  m.LastSeen,
		CreatedAt: m.CreatedAt,
	}
}

func UserToModel(u *User) *UserModel {
	return &UserModel{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Avatar:    u.Avatar,
		IsOnline:  u.IsOnline,
		LastSeen:  u.LastSeen,
		CreatedAt: u.CreatedAt,
	}
}

// RoomModel is the GORM model for rooms table.
type RoomModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	Name        string    `gorm:"type:varchar(50);uniqueIndex;not null"`
	Description string    `gorm:"type:varchar(100)"`
	IsPrivate   bool      `gorm:"index;not null;default:false"`
	CreatedBy   string    `gorm:"type:varchar(36);index"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
}

func (RoomModel) TableName() string {
	return "rooms"
}

func (m *RoomModel) ToDomain() *Room {
	return &Room{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		IsPrivate:   m.IsPrivate,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
	}
}

func RoomToModel(r *Room) *RoomModel {
	return &RoomModel{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsPrivate:   r.IsPrivate,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
	}
}

// MembershipModel is the GORM model for room_members table. The composite
// primary key allows at most one edge per (user, room).
type MembershipModel struct {
	UserID   string    `gorm:"type:varchar(36);primaryKey"`
	RoomID   string    `gorm:"type:varchar(36);primaryKey;index"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

func (MembershipModel) TableName() string {
	return "room_members"
}

// MessageModel is the GORM model for messages table.
type MessageModel struct {
	ID        string     `gorm:"type:varchar(32);primaryKey"`
	Content   string     `gorm:"type:text;not null"`
	UserID    string     `gorm:"type:varchar(36);index;not null"`
	RoomID    *string    `gorm:"type:varchar(36);index"`
	CreatedAt time.Time  `gorm:"index"`
	User      UserModel  `gorm:"foreignKey:UserID;references:ID"`
	Room      *RoomModel `gorm:"foreignKey:RoomID;references:ID"`
}

func (MessageModel) TableName() string {
	return "messages"
}

// ToDomain converts the model, including preloaded author and room.
func (m *MessageModel) ToDomain() *Message {
	msg := &Message{
		ID:        m.ID,
		Content:   m.Content,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
		User: UserSummary{
			ID:       m.User.ID,
			Username: m.User.Username,
			Avatar:   m.User.Avatar,
		},
	}
	if m.RoomID != nil {
		msg.RoomID = *m.RoomID
	}
	if m.Room != nil {
		msg.Room = &RoomRef{ID: m.Room.ID, Name: m.Room.Name}
	}
	return msg
}

func MessageToModel(msg *Message) *MessageModel {
	m := &MessageModel{
		ID:        msg.ID,
		Content:   msg.Content,
		UserID:    msg.UserID,
		CreatedAt: msg.CreatedAt,
	}
	if msg.RoomID != "" {
		roomID := msg.RoomID
		m.RoomID = &roomID
	}
	return m
}

// Models lists every table for auto-migration.
func Models() []interface{} {
	return []interface{}{
		&UserModel{},
		&RoomModel{},
		&MembershipModel{},
		&MessageModel{},
	}
}
