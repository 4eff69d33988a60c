package cache

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-chat/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// RoomListCache caches the public room list including member counts.
type RoomListCache interface {
	GetPublicRooms(ctx context.Context) ([]domain.Room, error)
	SetPublicRooms(ctx context.Context, rooms []domain.Room) error
	Invalidate(ctx context.Context) error
}
