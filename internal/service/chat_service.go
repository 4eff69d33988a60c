package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-chat/internal/audit"
	"github.com/weiawesome/wes-chat/internal/auth"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/hub"
	"github.com/weiawesome/wes-chat/internal/idgen"
	"github.com/weiawesome/wes-chat/internal/kafka"
	"github.com/weiawesome/wes-chat/internal/keylock"
	"github.com/weiawesome/wes-chat/internal/presence"
	"github.com/weiawesome/wes-chat/internal/registry"
	"github.com/weiawesome/wes-chat/internal/repository"
	"github.com/weiawesome/wes-chat/pkg/log"
)

// Client-facing error messages.
const (
	msgSendFailed   = "Failed to send message"
	msgJoinFailed   = "Failed to join room"
	msgLeaveFailed  = "Failed to leave room"
	msgCreateFailed = "Failed to create room"

	msgRoomNotFound    = "Room not found"
	msgNotMember       = "Not a member of this room"
	msgRoomNameTaken   = "Room name already exists"
	msgRoomNameMissing = "Room name is required"
	msgRoomNameLong    = "Room name must be at most 50 characters"
	msgDescriptionLong = "Room description must be at most 100 characters"
)

const (
	defaultAuthTimeout = 10 * time.Second
	defaultRecentLimit = 50
	defaultMaxRecent   = 200
)

// Config tunes the session manager.
type Config struct {
	AuthTimeout         time.Duration
	RecentMessagesLimit int
	MaxRecentMessages   int
	HeartbeatInterval   time.Duration
}

type chatService struct {
	hub      *hub.Hub
	verifier auth.Verifier
	users    repository.UserRepository
	messages repository.MessageRepository
	registry registry.RoomRegistry
	presence *presence.Store
	ids      idgen.Generator
	producer kafka.MessageProducer
	config   Config

	// userLocks orders each identity's online/offline transitions with
	// their persistence and broadcast.
	userLocks *keylock.KeyedMutex
}

func NewChatService(
	h *hub.Hub,
	verifier auth.Verifier,
	users repository.UserRepository,
	messages repository.MessageRepository,
	reg registry.RoomRegistry,
	store *presence.Store,
	ids idgen.Generator,
	producer kafka.MessageProducer,
	cfg Config,
) ChatService {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.MaxRecentMessages <= 0 {
		cfg.MaxRecentMessages = defaultMaxRecent
	}
	if cfg.RecentMessagesLimit <= 0 {
		cfg.RecentMessagesLimit = defaultRecentLimit
	}
	if cfg.RecentMessagesLimit > cfg.MaxRecentMessages {
		cfg.RecentMessagesLimit = cfg.MaxRecentMessages
	}
	if producer == nil {
		producer = kafka.NoopProducer{}
	}
	return &chatService{
		hub:       h,
		verifier:  verifier,
		users:     users,
		messages:  messages,
		registry:  reg,
		presence:  store,
		ids:       ids,
		producer:  producer,
		config:    cfg,
		userLocks: keylock.New(),
	}
}

// HandleConnect admits a connection. An auth failure leaves no trace:
// nothing is stored, registered or broadcast. On success the connection
// is in the general room, everyone (itself included) has been told the
// user is online, and the snapshot has been queued for the connection.
func (s *chatService) HandleConnect(ctx context.Context, c *hub.Client, credential string) (*domain.Identity, error) {
	l := log.Ctx(ctx)

	identity, err := s.verify(ctx, credential)
	if err != nil {
		if auth.IsAuthFailure(err) {
			audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", err.Error(), "connection rejected")
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		l.Error().Err(err).Msg("identity verification failed")
		return nil, fmt.Errorf("failed to verify identity: %w", err)
	}

	ctx = log.WithUser(ctx, identity.UserID, identity.Username)
	l = log.Ctx(ctx)

	// Load the snapshot before touching any state so a storage failure
	// rejects the connection cleanly.
	var (
		recent []domain.Message
		rooms  []domain.Room
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = s.RecentMessages(gctx, s.config.RecentMessagesLimit)
		return err
	})
	g.Go(func() error {
		var err error
		rooms, err = s.PublicRooms(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("failed to load connection snapshot")
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	unlock := s.userLocks.Lock(identity.UserID)
	defer unlock()

	if !c.Session.Authenticate(identity) {
		return nil, ErrConnectionClosed
	}

	if err := s.users.SetOnline(ctx, identity.UserID, true, nil); err != nil {
		c.Session.Close()
		l.Error().Err(err).Msg("failed to persist online status")
		return nil, fmt.Errorf("failed to persist online status: %w", err)
	}

	s.presence.Connect(ctx, identity, c.ID)

	if !s.hub.Register(c) {
		c.Session.Close()
		s.markOffline(ctx, identity, c.ID, time.Now().UTC(), false)
		return nil, ErrShuttingDown
	}

	if _, err := s.hub.Broadcast(domain.NewEvent(domain.EventUserOnline, identity.Summary()), ""); err != nil {
		l.Error().Err(err).Msg("failed to broadcast user online")
	}

	s.sendTo(ctx, c, domain.NewEvent(domain.EventRecentMessages, recent))
	s.sendTo(ctx, c, domain.NewEvent(domain.EventOnlineUsers, s.presence.Online()))
	s.sendTo(ctx, c, domain.NewEvent(domain.EventAvailableRooms, rooms))

	audit.Log(ctx, audit.ActionConnect, identity.UserID, "user connected")
	return identity, nil
}

func (s *chatService) verify(ctx context.Context, credential string) (*domain.Identity, error) {
	if credential == "" {
		return nil, auth.ErrInvalidCredential
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.AuthTimeout)
	defer cancel()

	type result struct {
		identity *domain.Identity
		err      error
	}
	done := make(chan result, 1)
	go func() {
		identity, err := s.verifier.Verify(ctx, credential)
		done <- result{identity, err}
	}()

	select {
	case r := <-done:
		return r.identity, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("identity verification timed out: %w", ctx.Err())
	}
}

// HandleDisconnect releases the connection. Only the first call for an
// authenticated connection has any effect. Room memberships are kept.
func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	prev := c.Session.Close()
	s.hub.Unregister(c)
	if prev != domain.StateAuthenticated {
		return nil
	}

	identity := c.Session.Identity()
	ctx = log.WithUser(ctx, identity.UserID, identity.Username)

	unlock := s.userLocks.Lock(identity.UserID)
	s.markOffline(ctx, identity, c.ID, time.Now().UTC(), true)
	unlock()

	audit.Log(ctx, audit.ActionDisconnect, identity.UserID, "user disconnected")
	return nil
}

// markOffline drops one connection reference. When it was the identity's
// last one the offline state is persisted and, if notify is set, the
// remaining sessions are told. The caller holds the identity's user lock.
func (s *chatService) markOffline(ctx context.Context, identity *domain.Identity, connectionID string, at time.Time, notify bool) {
	if !s.presence.Disconnect(ctx, identity.UserID, connectionID, at) {
		return
	}

	l := log.Ctx(ctx)
	if err := s.users.SetOnline(ctx, identity.UserID, false, &at); err != nil {
		l.Error().Err(err).Msg("failed to persist offline status")
	}
	if !notify {
		return
	}

	summary := identity.Summary()
	summary.LastSeen = &at
	if _, err := s.hub.Broadcast(domain.NewEvent(domain.EventUserOffline, summary), connectionID); err != nil {
		l.Error().Err(err).Msg("failed to broadcast user offline")
	}
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, content, roomID string) (*domain.Message, error) {
	identity, ok := authenticated(c)
	if !ok {
		return nil, nil
	}
	ctx = log.WithUser(ctx, identity.UserID, identity.Username)

	if roomID == domain.GeneralRoomID {
		roomID = ""
	}

	var ref *domain.RoomRef
	if roomID != "" {
		room, err := s.registry.GetRoom(ctx, roomID)
		if err != nil {
			if errors.Is(err, registry.ErrRoomNotFound) {
				return nil, s.reject(c, msgRoomNotFound, err)
			}
			return nil, s.fail(ctx, c, msgSendFailed, err)
		}
		ref = &domain.RoomRef{ID: room.ID, Name: room.Name}
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, s.fail(ctx, c, msgSendFailed, fmt.Errorf("failed to generate message id: %w", err))
	}

	msg := &domain.Message{
		ID:        id,
		Content:   content,
		UserID:    identity.UserID,
		RoomID:    roomID,
		CreatedAt: time.Now().UTC(),
		User:      identity.Summary(),
		Room:      ref,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, s.fail(ctx, c, msgSendFailed, fmt.Errorf("failed to store message: %w", err))
	}

	l := log.Ctx(ctx)
	if _, err := s.hub.BroadcastToRoom(roomID, domain.NewEvent(domain.EventNewMessage, msg), ""); err != nil {
		l.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to broadcast message")
	}

	// The message is already durable; a publish failure is not the
	// sender's problem.
	if err := s.producer.ProduceMessage(ctx, msg); err != nil {
		l.Warn().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to publish message event")
	}

	audit.LogTarget(ctx, audit.ActionSendMessage, identity.UserID, msg.ID, "message sent")
	return msg, nil
}

// HandleTyping relays a typing indicator to the rest of the room.
// Nothing is stored.
func (s *chatService) HandleTyping(ctx context.Context, c *hub.Client, isTyping bool, roomID string) error {
	identity, ok := authenticated(c)
	if !ok {
		return nil
	}
	if roomID == domain.GeneralRoomID {
		roomID = ""
	}

	payload := domain.TypingPayload{
		User:     identity.Summary(),
		IsTyping: isTyping,
		RoomID:   roomID,
	}
	_, err := s.hub.BroadcastToRoom(roomID, domain.NewEvent(domain.EventUserTyping, payload), c.ID)
	return err
}

func (s *chatService) HandleJoinRoom(ctx context.Context, c *hub.Client, roomID string) error {
	identity, ok := authenticated(c)
	if !ok {
		return nil
	}
	ctx = log.WithUser(ctx, identity.UserID, identity.Username)
	return s.joinRoom(ctx, c, identity, roomID)
}

func (s *chatService) joinRoom(ctx context.Context, c *hub.Client, identity *domain.Identity, roomID string) error {
	if _, err := s.registry.Join(ctx, identity.UserID, roomID); err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			return s.reject(c, msgRoomNotFound, err)
		}
		return s.fail(ctx, c, msgJoinFailed, err)
	}

	s.hub.JoinRoom(c, roomID)

	payload := domain.RoomMemberPayload{User: identity.Summary(), RoomID: roomID}
	if _, err := s.hub.BroadcastToRoom(roomID, domain.NewEvent(domain.EventUserJoinedRoom, payload), ""); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to broadcast room join")
	}

	s.sendRooms(ctx, c)
	audit.LogTarget(ctx, audit.ActionJoinRoom, identity.UserID, roomID, "joined room")
	return nil
}

func (s *chatService) HandleLeaveRoom(ctx context.Context, c *hub.Client, roomID string) error {
	identity, ok := authenticated(c)
	if !ok {
		return nil
	}
	ctx = log.WithUser(ctx, identity.UserID, identity.Username)

	if err := s.registry.Leave(ctx, identity.UserID, roomID); err != nil {
		switch {
		case errors.Is(err, registry.ErrRoomNotFound):
			return s.reject(c, msgRoomNotFound, err)
		case errors.Is(err, registry.ErrNotMember):
			return s.reject(c, msgNotMember, err)
		}
		return s.fail(ctx, c, msgLeaveFailed, err)
	}

	s.hub.LeaveRoom(c, roomID)

	payload := domain.RoomMemberPayload{User: identity.Summary(), RoomID: roomID}
	if _, err := s.hub.BroadcastToRoom(roomID, domain.NewEvent(domain.EventUserLeftRoom, payload), ""); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to broadcast room leave")
	}

	s.sendRooms(ctx, c)
	audit.LogTarget(ctx, audit.ActionLeaveRoom, identity.UserID, roomID, "left room")
	return nil
}

// HandleCreateRoom creates a room, joins the creator to it and sends the
// new room list to every connection.
func (s *chatService) HandleCreateRoom(ctx context.Context, c *hub.Client, name, description string, isPrivate bool) (*domain.Room, error) {
	identity, ok := authenticated(c)
	if !ok {
		return nil, nil
	}
	ctx = log.WithUser(ctx, identity.UserID, identity.Username)

	room, err := s.registry.CreateRoom(ctx, identity.UserID, name, description, isPrivate)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidRoomName):
			return nil, s.reject(c, msgRoomNameMissing, err)
		case errors.Is(err, registry.ErrRoomNameTooLong):
			return nil, s.reject(c, msgRoomNameLong, err)
		case errors.Is(err, registry.ErrDescriptionTooLong):
			return nil, s.reject(c, msgDescriptionLong, err)
		case errors.Is(err, registry.ErrRoomNameTaken):
			return nil, s.reject(c, msgRoomNameTaken, err)
		}
		return nil, s.fail(ctx, c, msgCreateFailed, err)
	}
	audit.LogTarget(ctx, audit.ActionCreateRoom, identity.UserID, room.ID, "room created")

	if err := s.joinRoom(ctx, c, identity, room.ID); err != nil {
		return room, err
	}

	rooms, err := s.PublicRooms(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to load rooms after create")
		return room, nil
	}
	if _, err := s.hub.Broadcast(domain.NewEvent(domain.EventAvailableRooms, rooms), ""); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to broadcast room list")
	}
	return room, nil
}

// RecentMessages returns up to limit messages, newest first. A limit
// outside (0, max] falls back to the configured bounds.
func (s *chatService) RecentMessages(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = s.config.RecentMessagesLimit
	}
	if limit > s.config.MaxRecentMessages {
		limit = s.config.MaxRecentMessages
	}
	messages, err := s.messages.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return messages, nil
}

func (s *chatService) OnlineUsers() []domain.UserSummary {
	return s.presence.Online()
}

func (s *chatService) PublicRooms(ctx context.Context) ([]domain.Room, error) {
	return s.registry.ListPublicRooms(ctx)
}

// Start clears online flags left by a previous run and starts the
// presence heartbeat.
func (s *chatService) Start(ctx context.Context) error {
	l := log.Ctx(ctx)

	n, err := s.users.ResetOnline(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset online users: %w", err)
	}
	if n > 0 {
		l.Info().Int64("users", n).Msg("reset stale online flags")
	}

	s.presence.StartHeartbeat(ctx, s.config.HeartbeatInterval)
	l.Info().Msg("chat service started")
	return nil
}

func (s *chatService) Stop() error {
	l := log.L()
	if err := s.producer.Close(); err != nil {
		l.Error().Err(err).Msg("failed to close message producer")
	}
	if err := s.presence.Close(); err != nil {
		l.Error().Err(err).Msg("failed to close presence store")
	}
	return nil
}

func authenticated(c *hub.Client) (*domain.Identity, bool) {
	if !c.Session.IsAuthenticated() {
		return nil, false
	}
	identity := c.Session.Identity()
	return identity, identity != nil
}

// reject reports a validation failure to the caller only.
func (s *chatService) reject(c *hub.Client, message string, err error) error {
	c.SendMessage(domain.NewErrorEvent(message))
	return err
}

// fail reports a collaborator failure with a generic message and logs
// the cause.
func (s *chatService) fail(ctx context.Context, c *hub.Client, message string, err error) error {
	l := log.Ctx(ctx)
	l.Error().Err(err).Str(log.FieldConnectionID, c.ID).Msg(message)
	c.SendMessage(domain.NewErrorEvent(message))
	return err
}

func (s *chatService) sendTo(ctx context.Context, c *hub.Client, event *domain.Event) {
	if err := c.SendMessage(event); err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldEventType, event.Type).Msg("failed to send event")
	}
}

func (s *chatService) sendRooms(ctx context.Context, c *hub.Client) {
	rooms, err := s.PublicRooms(ctx)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to load rooms")
		return
	}
	s.sendTo(ctx, c, domain.NewEvent(domain.EventAvailableRooms, rooms))
}
