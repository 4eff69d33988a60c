package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/wes-chat/internal/domain"
)

// Redis key patterns:
// {prefix}:user:{user_id}   STRING<json summary>  online users, expires unless refreshed
// {prefix}:last_seen        HASH user_id -> unix ms
type RedisMirror struct {
	client *redis.Client
	prefix string
	keyTTL time.Duration
}

// NewRedisMirror wraps an existing client; the caller keeps ownership of
// connection setup.
func NewRedisMirror(client *redis.Client, prefix string, keyTTL time.Duration) *RedisMirror {
	return &RedisMirror{
		client: client,
		prefix: prefix,
		keyTTL: keyTTL,
	}
}

func (m *RedisMirror) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", m.prefix, userID)
}

func (m *RedisMirror) lastSeenKey() string {
	return m.prefix + ":last_seen"
}

func (m *RedisMirror) MarkOnline(ctx context.Context, user domain.UserSummary) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user summary: %w", err)
	}
	if err := m.client.Set(ctx, m.userKey(user.ID), data, m.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark user online: %w", err)
	}
	return nil
}

func (m *RedisMirror) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.userKey(userID))
	pipe.HSet(ctx, m.lastSeenKey(), userID, lastSeen.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark user offline: %w", err)
	}
	return nil
}

func (m *RedisMirror) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, id := range userIDs {
		pipe.Expire(ctx, m.userKey(id), m.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh presence keys: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner.
func (m *RedisMirror) Close() error {
	return nil
}
