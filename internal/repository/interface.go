package repository

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-chat/internal/domain"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrRoomNotFound = errors.New("room not found")
	ErrDuplicate    = errors.New("record already exists")
)

// UserRepository defines persistence for users and their presence flags.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	SetOnline(ctx context.Context, id string, online bool, lastSeen *time.Time) error
	ResetOnline(ctx context.Context, at time.Time) (int64, error)
	ListOnline(ctx context.Context) ([]domain.User, error)
}

// RoomRepository defines persistence for rooms.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	GetByName(ctx context.Context, name string) (*domain.Room, error)
	ListPublic(ctx context.Context) ([]domain.Room, error)
}

// MembershipRepository defines persistence for (user, room) edges.
type MembershipRepository interface {
	// Upsert creates the edge and reports whether it was new.
	Upsert(ctx context.Context, userID, roomID string) (bool, error)
	// Delete removes the edge and reports whether one existed.
	Delete(ctx context.Context, userID, roomID string) (bool, error)
	Exists(ctx context.Context, userID, roomID string) (bool, error)
	CountByRoom(ctx context.Context, roomID string) (int64, error)
}

// MessageRepository defines persistence for chat messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	// ListRecent returns up to limit messages, newest first, with author
	// and room references populated.
	ListRecent(ctx context.Context, limit int) ([]domain.Message, error)
}
