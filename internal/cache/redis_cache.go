package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
)

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type RedisRoomCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRoomCache(client *redis.Client, prefix string, ttl time.Duration) *RedisRoomCache {
	return &RedisRoomCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisRoomCache) publicRoomsKey() string {
	return fmt.Sprintf("%s:rooms:public", c.prefix)
}

func (c *RedisRoomCache) GetPublicRooms(ctx context.Context) ([]domain.Room, error) {
	data, err := c.client.Get(ctx, c.publicRoomsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var rooms []domain.Room
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached rooms: %w", err)
	}
	return rooms, nil
}

func (c *RedisRoomCache) SetPublicRooms(ctx context.Context, rooms []domain.Room) error {
	data, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("failed to marshal rooms: %w", err)
	}
	if err := c.client.Set(ctx, c.publicRoomsKey(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisRoomCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.publicRoomsKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}
