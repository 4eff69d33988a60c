package service

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/hub"
)

var (
	// ErrAuthFailed means the connection presented a missing, invalid or
	// expired credential, or one naming an unknown user.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrConnectionClosed means the connection left the Connecting state
	// before it could be admitted.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrShuttingDown means the hub no longer accepts connections.
	ErrShuttingDown = errors.New("server is shutting down")
)

// ChatService is the session manager. Every Handle* call except
// HandleConnect is silently ignored for connections that are not
// authenticated. Failures are reported to the calling connection with an
// error event and also returned.
type ChatService interface {
	HandleConnect(ctx context.Context, client *hub.Client, credential string) (*domain.Identity, error)
	HandleDisconnect(ctx context.Context, client *hub.Client) error
	HandleSendMessage(ctx context.Context, client *hub.Client, content, roomID string) (*domain.Message, error)
	HandleTyping(ctx context.Context, client *hub.Client, isTyping bool, roomID string) error
	HandleJoinRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleLeaveRoom(ctx context.Context, client *hub.Client, roomID string) error
	HandleCreateRoom(ctx context.Context, client *hub.Client, name, description string, isPrivate bool) (*domain.Room, error)

	RecentMessages(ctx context.Context, limit int) ([]domain.Message, error)
	OnlineUsers() []domain.UserSummary
	PublicRooms(ctx context.Context) ([]domain.Room, error)

	Start(ctx context.Context) error
	Stop() error
}
