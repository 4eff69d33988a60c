package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-chat/internal/auth"
	"github.com/weiawesome/wes-chat/internal/config"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/hub"
	"github.com/weiawesome/wes-chat/internal/idgen"
	"github.com/weiawesome/wes-chat/internal/presence"
	"github.com/weiawesome/wes-chat/internal/registry"
	"github.com/weiawesome/wes-chat/internal/repository"
	"github.com/weiawesome/wes-chat/internal/testutil"
	"github.com/weiawesome/wes-chat/pkg/jwt"
)

const (
	testSecret = "test-secret"
	testIssuer = "wes-chat"
)

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.Message
	err      error
}

func (p *recordingProducer) ProduceMessage(_ context.Context, msg *domain.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, *msg)
	return p.err
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type failingMessages struct {
	repository.MessageRepository
}

func (failingMessages) Create(context.Context, *domain.Message) error {
	return errors.New("disk full")
}

// gatedUsers holds the first offline write until release is closed.
type gatedUsers struct {
	repository.UserRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (u *gatedUsers) SetOnline(ctx context.Context, id string, online bool, lastSeen *time.Time) error {
	if !online {
		u.once.Do(func() {
			close(u.entered)
			<-u.release
		})
	}
	return u.UserRepository.SetOnline(ctx, id, online, lastSeen)
}

// stuckVerifier never answers and ignores its context.
type stuckVerifier struct {
	release chan struct{}
}

func (v stuckVerifier) Verify(context.Context, string) (*domain.Identity, error) {
	<-v.release
	return nil, errors.New("released")
}

type fixture struct {
	db       *gorm.DB
	hub      *hub.Hub
	svc      ChatService
	tokens   *jwt.Manager
	presence *presence.Store
	registry registry.RoomRegistry
	users    repository.UserRepository
	messages repository.MessageRepository
	producer *recordingProducer
	verifier auth.Verifier
	config   Config
	wsConfig config.WebSocketConfig
}

type fixtureOption func(*fixture)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	tokens, err := jwt.NewManager(testSecret, testIssuer, time.Hour)
	require.NoError(t, err)
	ids, err := idgen.NewSnowflake(1, 1700000000000)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		tokens:   tokens,
		presence: presence.NewStore(nil),
		registry: registry.NewRoomRegistry(
			repository.NewGormRoomRepository(db),
			repository.NewGormMembershipRepository(db),
			nil,
		),
		users:    repository.NewGormUserRepository(db),
		messages: repository.NewGormMessageRepository(db),
		producer: &recordingProducer{},
		config:   Config{AuthTimeout: time.Second, RecentMessagesLimit: 50, MaxRecentMessages: 200},
		wsConfig: config.WebSocketConfig{SendBuffer: 64, InboxSize: 8},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.verifier == nil {
		f.verifier = auth.NewJWTVerifier(tokens, f.users)
	}
	f.hub = hub.NewHub(f.wsConfig)
	f.svc = NewChatService(
		f.hub,
		f.verifier,
		f.users,
		f.messages,
		f.registry,
		f.presence,
		ids,
		f.producer,
		f.config,
	)
	return f
}

func (f *fixture) newClient() *hub.Client {
	return hub.NewClient(uuid.New().String(), f.hub, nil, f.wsConfig)
}

func (f *fixture) token(t *testing.T, user *domain.User) string {
	t.Helper()
	token, _, err := f.tokens.GenerateToken(user.ID, user.Username)
	require.NoError(t, err)
	return token
}

// connect creates a user and admits one connection for it, discarding
// the events the connection received while connecting.
func (f *fixture) connect(t *testing.T, username string) (*hub.Client, *domain.User) {
	t.Helper()
	user := testutil.CreateUser(t, f.db, username)
	c := f.connectAs(t, user)
	drain(c)
	return c, user
}

func (f *fixture) connectAs(t *testing.T, user *domain.User) *hub.Client {
	t.Helper()
	c := f.newClient()
	_, err := f.svc.HandleConnect(context.Background(), c, f.token(t, user))
	require.NoError(t, err)
	return c
}

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func drain(c *hub.Client) []event {
	var events []event
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return events
			}
			var ev event
			if err := json.Unmarshal(data, &ev); err == nil {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
}

func ofType(events []event, eventType string) []event {
	var out []event
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func types(events []event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func decode[T any](t *testing.T, ev event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func errorMessage(t *testing.T, events []event) string {
	t.Helper()
	errs := ofType(events, domain.EventError)
	require.Len(t, errs, 1)
	return decode[domain.ErrorPayload](t, errs[0]).Message
}

func TestConnectDeliversSnapshotAndOnlineBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, alice := f.connect(t, "alice")

	bob := testutil.CreateUser(t, f.db, "bob")
	b := f.newClient()
	identity, err := f.svc.HandleConnect(ctx, b, f.token(t, bob))
	require.NoError(t, err)
	assert.Equal(t, bob.ID, identity.UserID)
	assert.Equal(t, domain.StateAuthenticated, b.Session.State())

	aEvents := drain(a)
	require.Len(t, aEvents, 1)
	assert.Equal(t, domain.EventUserOnline, aEvents[0].Type)
	assert.Equal(t, bob.ID, decode[domain.UserSummary](t, aEvents[0]).ID)

	bEvents := drain(b)
	assert.Equal(t, []string{
		domain.EventUserOnline,
		domain.EventRecentMessages,
		domain.EventOnlineUsers,
		domain.EventAvailableRooms,
	}, types(bEvents))

	online := decode[[]domain.UserSummary](t, bEvents[2])
	require.Len(t, online, 2)
	assert.Equal(t, alice.ID, online[0].ID)
	assert.Equal(t, bob.ID, online[1].ID)

	stored, err := f.users.GetByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
	assert.True(t, f.hub.IsRegistered(b))
	assert.True(t, b.Session.InRoom(domain.GeneralRoomID))
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, "alice")
	bob := testutil.CreateUser(t, f.db, "bob")

	otherKey, err := jwt.NewManager("another-secret", testIssuer, time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewManager(testSecret, testIssuer, -time.Minute)
	require.NoError(t, err)

	sign := func(m *jwt.Manager, id, name string) string {
		token, _, err := m.GenerateToken(id, name)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name       string
		credential string
	}{
		{"missing", ""},
		{"malformed", "not-a-jwt"},
		{"wrong signature", sign(otherKey, bob.ID, bob.Username)},
		{"expired", sign(expired, bob.ID, bob.Username)},
		{"unknown user", sign(f.tokens, uuid.New().String(), "ghost")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.newClient()
			identity, err := f.svc.HandleConnect(context.Background(), c, tt.credential)
			require.ErrorIs(t, err, ErrAuthFailed)
			assert.Nil(t, identity)

			assert.Empty(t, drain(a))
			assert.Empty(t, drain(c))
			assert.False(t, f.hub.IsRegistered(c))
			assert.Equal(t, domain.StateConnecting, c.Session.State())
			assert.Equal(t, 1, f.hub.ClientCount())
			assert.False(t, f.presence.IsOnline(bob.ID))

			stored, err := f.users.GetByID(context.Background(), bob.ID)
			require.NoError(t, err)
			assert.False(t, stored.IsOnline)
		})
	}
}

func TestConnectAfterStopIsRejected(t *testing.T) {
	f := newFixture(t)
	bob := testutil.CreateUser(t, f.db, "bob")
	f.hub.Stop()

	c := f.newClient()
	_, err := f.svc.HandleConnect(context.Background(), c, f.token(t, bob))
	require.ErrorIs(t, err, ErrShuttingDown)

	assert.False(t, f.presence.IsOnline(bob.ID))
	stored, err := f.users.GetByID(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
}

func TestRecentMessagesAreNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.connect(t, "alice")

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.svc.HandleSendMessage(ctx, a, content, "")
		require.NoError(t, err)
	}

	bob := testutil.CreateUser(t, f.db, "bob")
	b := f.connectAs(t, bob)

	recent := ofType(drain(b), domain.EventRecentMessages)
	require.Len(t, recent, 1)
	messages := decode[[]domain.Message](t, recent[0])
	require.Len(t, messages, 3)
	assert.Equal(t, "three", messages[0].Content)
	assert.Equal(t, "two", messages[1].Content)
	assert.Equal(t, "one", messages[2].Content)
	assert.Equal(t, "alice", messages[0].User.Username)
}

func TestRecentMessagesLimitIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.connect(t, "alice")

	for i := 0; i < 5; i++ {
		_, err := f.svc.HandleSendMessage(ctx, a, "hello", "")
		require.NoError(t, err)
	}

	messages, err := f.svc.RecentMessages(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, messages, 2)

	messages, err = f.svc.RecentMessages(ctx, 10000)
	require.NoError(t, err)
	assert.Len(t, messages, 5)
}

func TestSendMessageToGeneralReachesEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, alice := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	c, _ := f.connect(t, "carol")

	room, err := f.svc.HandleCreateRoom(ctx, b, "side", "", false)
	require.NoError(t, err)
	require.True(t, b.Session.InRoom(room.ID))
	drain(a)
	drain(b)
	drain(c)

	msg, err := f.svc.HandleSendMessage(ctx, a, "hello all", "")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.Empty(t, msg.RoomID)
	assert.Equal(t, alice.ID, msg.User.ID)

	for _, client := range []*hub.Client{a, b, c} {
		got := ofType(drain(client), domain.EventNewMessage)
		require.Len(t, got, 1)
		assert.Equal(t, "hello all", decode[domain.Message](t, got[0]).Content)
	}
	assert.Equal(t, 1, f.producer.count())
}

func TestRoomMessageScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "general-overflow", "spill over", false)
	require.NoError(t, err)
	assert.True(t, a.Session.InRoom(room.ID))

	b, _ := f.connect(t, "bob")
	c, _ := f.connect(t, "carol")
	require.NoError(t, f.svc.HandleJoinRoom(ctx, b, room.ID))
	drain(a)
	drain(b)
	drain(c)

	msg, err := f.svc.HandleSendMessage(ctx, a, "in the room", room.ID)
	require.NoError(t, err)
	require.NotNil(t, msg.Room)
	assert.Equal(t, "general-overflow", msg.Room.Name)

	got := ofType(drain(b), domain.EventNewMessage)
	require.Len(t, got, 1)
	assert.Equal(t, room.ID, decode[domain.Message](t, got[0]).RoomID)
	assert.Len(t, ofType(drain(a), domain.EventNewMessage), 1)
	assert.Empty(t, drain(c))
}

func TestSendMessageUnknownRoom(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	drain(a)

	msg, err := f.svc.HandleSendMessage(context.Background(), a, "hello", uuid.New().String())
	require.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Nil(t, msg)

	assert.Equal(t, msgRoomNotFound, errorMessage(t, drain(a)))
	assert.Empty(t, drain(b))
	assert.Zero(t, f.producer.count())
}

func TestSendMessageStorageFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.messages = failingMessages{MessageRepository: f.messages}
	})
	a, _ := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	drain(a)

	_, err := f.svc.HandleSendMessage(context.Background(), a, "hello", "")
	require.Error(t, err)

	assert.Equal(t, msgSendFailed, errorMessage(t, drain(a)))
	assert.Empty(t, drain(b))
	assert.Zero(t, f.producer.count())
}

func TestSendMessagePublishFailureIsNotReported(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("broker down")
	a, _ := f.connect(t, "alice")

	msg, err := f.svc.HandleSendMessage(context.Background(), a, "hello", "")
	require.NoError(t, err)
	require.NotNil(t, msg)

	events := drain(a)
	assert.Len(t, ofType(events, domain.EventNewMessage), 1)
	assert.Empty(t, ofType(events, domain.EventError))
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	a, alice := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	drain(a)

	require.NoError(t, f.svc.HandleTyping(context.Background(), a, true, ""))

	got := ofType(drain(b), domain.EventUserTyping)
	require.Len(t, got, 1)
	payload := decode[domain.TypingPayload](t, got[0])
	assert.True(t, payload.IsTyping)
	assert.Equal(t, alice.ID, payload.User.ID)
	assert.Equal(t, "alice", payload.User.Username)

	assert.Empty(t, drain(a))
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "book club", "", false)
	require.NoError(t, err)
	b, bob := f.connect(t, "bob")
	drain(a)

	require.NoError(t, f.svc.HandleJoinRoom(ctx, b, room.ID))
	count, err := f.registry.MemberCount(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	events := drain(b)
	assert.Equal(t, []string{domain.EventUserJoinedRoom, domain.EventAvailableRooms}, types(events))
	joined := decode[domain.RoomMemberPayload](t, events[0])
	assert.Equal(t, bob.ID, joined.User.ID)
	assert.Equal(t, room.ID, joined.RoomID)
	assert.Len(t, ofType(drain(a), domain.EventUserJoinedRoom), 1)

	require.NoError(t, f.svc.HandleJoinRoom(ctx, b, room.ID))
	count, err = f.registry.MemberCount(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 2, f.hub.RoomClientCount(room.ID))
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	drain(a)

	err := f.svc.HandleJoinRoom(context.Background(), a, uuid.New().String())
	require.ErrorIs(t, err, registry.ErrRoomNotFound)

	assert.Equal(t, msgRoomNotFound, errorMessage(t, drain(a)))
	assert.Empty(t, drain(b))
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "book club", "", false)
	require.NoError(t, err)
	b, bob := f.connect(t, "bob")
	require.NoError(t, f.svc.HandleJoinRoom(ctx, b, room.ID))
	drain(a)
	drain(b)

	require.NoError(t, f.svc.HandleLeaveRoom(ctx, b, room.ID))
	assert.False(t, b.Session.InRoom(room.ID))

	left := ofType(drain(a), domain.EventUserLeftRoom)
	require.Len(t, left, 1)
	assert.Equal(t, bob.ID, decode[domain.RoomMemberPayload](t, left[0]).User.ID)
	assert.Equal(t, []string{domain.EventAvailableRooms}, types(drain(b)))

	member, err := f.registry.IsMember(ctx, bob.ID, room.ID)
	require.NoError(t, err)
	assert.False(t, member)

	_, err = f.svc.HandleSendMessage(ctx, a, "still here?", room.ID)
	require.NoError(t, err)
	assert.Empty(t, drain(b))
}

func TestLeaveRoomNeverJoined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "book club", "", false)
	require.NoError(t, err)
	b, _ := f.connect(t, "bob")
	c, _ := f.connect(t, "carol")
	drain(a)
	drain(b)

	err = f.svc.HandleLeaveRoom(ctx, b, room.ID)
	require.ErrorIs(t, err, registry.ErrNotMember)

	assert.Equal(t, msgNotMember, errorMessage(t, drain(b)))
	assert.Empty(t, drain(a))
	assert.Empty(t, drain(c))
}

func TestCreateRoomBroadcastsRoomList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, alice := f.connect(t, "alice")
	b, _ := f.connect(t, "bob")
	drain(a)

	room, err := f.svc.HandleCreateRoom(ctx, a, "  lounge  ", "couches", false)
	require.NoError(t, err)
	assert.Equal(t, "lounge", room.Name)
	assert.Equal(t, alice.ID, room.CreatedBy)

	lists := ofType(drain(b), domain.EventAvailableRooms)
	require.Len(t, lists, 1)
	rooms := decode[[]domain.Room](t, lists[0])
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)
	assert.Equal(t, int64(1), rooms[0].MemberCount)

	aEvents := drain(a)
	assert.Len(t, ofType(aEvents, domain.EventUserJoinedRoom), 1)
	assert.Len(t, ofType(aEvents, domain.EventAvailableRooms), 2)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	_, err := f.svc.HandleCreateRoom(ctx, a, "taken", "", false)
	require.NoError(t, err)
	b, _ := f.connect(t, "bob")
	drain(a)

	long := make([]rune, registry.MaxRoomNameLength+1)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name        string
		roomName    string
		description string
		wantErr     error
		wantMessage string
	}{
		{"duplicate", "taken", "", registry.ErrRoomNameTaken, msgRoomNameTaken},
		{"blank", "   ", "", registry.ErrInvalidRoomName, msgRoomNameMissing},
		{"name too long", string(long), "", registry.ErrRoomNameTooLong, msgRoomNameLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room, err := f.svc.HandleCreateRoom(ctx, a, tt.roomName, tt.description, false)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, room)

			assert.Equal(t, tt.wantMessage, errorMessage(t, drain(a)))
			assert.Empty(t, drain(b))
		})
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	b, bob := f.connect(t, "bob")
	drain(a)

	require.NoError(t, f.svc.HandleDisconnect(ctx, b))
	require.NoError(t, f.svc.HandleDisconnect(ctx, b))

	offline := ofType(drain(a), domain.EventUserOffline)
	require.Len(t, offline, 1)
	summary := decode[domain.UserSummary](t, offline[0])
	assert.Equal(t, bob.ID, summary.ID)
	assert.NotNil(t, summary.LastSeen)

	assert.False(t, f.hub.IsRegistered(b))
	assert.False(t, f.presence.IsOnline(bob.ID))
	assert.Equal(t, domain.StateClosed, b.Session.State())

	stored, err := f.users.GetByID(ctx, bob.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
	assert.NotNil(t, stored.LastSeen)
}

func TestDisconnectKeepsMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, alice := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "book club", "", false)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleDisconnect(ctx, a))

	member, err := f.registry.IsMember(ctx, alice.ID, room.ID)
	require.NoError(t, err)
	assert.True(t, member)
	assert.Zero(t, f.hub.RoomClientCount(room.ID))
}

func TestDisconnectBeforeAuthIsNoop(t *testing.T) {
	f := newFixture(t)
	a, _ := f.connect(t, "alice")

	c := f.newClient()
	require.NoError(t, f.svc.HandleDisconnect(context.Background(), c))

	assert.Empty(t, drain(a))
	assert.Equal(t, domain.StateClosed, c.Session.State())

	_, err := f.svc.HandleConnect(context.Background(), c, "anything")
	require.Error(t, err)
}

func TestPresenceIsCountedPerConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := testutil.CreateUser(t, f.db, "alice")
	first := f.connectAs(t, alice)
	second := f.connectAs(t, alice)
	b, _ := f.connect(t, "bob")
	drain(first)
	drain(second)

	require.NoError(t, f.svc.HandleDisconnect(ctx, first))
	assert.Empty(t, ofType(drain(b), domain.EventUserOffline))
	assert.True(t, f.presence.IsOnline(alice.ID))

	online := f.svc.OnlineUsers()
	require.Len(t, online, 2)
	assert.Equal(t, alice.ID, online[0].ID)

	require.NoError(t, f.svc.HandleDisconnect(ctx, second))
	offline := ofType(drain(b), domain.EventUserOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, alice.ID, decode[domain.UserSummary](t, offline[0]).ID)
	assert.False(t, f.presence.IsOnline(alice.ID))
}

func TestUnauthenticatedActionsAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.connect(t, "alice")
	room, err := f.svc.HandleCreateRoom(ctx, a, "book club", "", false)
	require.NoError(t, err)
	drain(a)

	c := f.newClient()

	msg, err := f.svc.HandleSendMessage(ctx, c, "sneaky", "")
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.NoError(t, f.svc.HandleTyping(ctx, c, true, ""))
	assert.NoError(t, f.svc.HandleJoinRoom(ctx, c, room.ID))
	assert.NoError(t, f.svc.HandleLeaveRoom(ctx, c, room.ID))
	created, err := f.svc.HandleCreateRoom(ctx, c, "other", "", false)
	assert.NoError(t, err)
	assert.Nil(t, created)

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(c))

	recent, err := f.svc.RecentMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	rooms, err := f.svc.PublicRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, int64(1), rooms[0].MemberCount)
}

func TestStartResetsOnlineFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := testutil.CreateUser(t, f.db, "stale")
	require.NoError(t, f.users.SetOnline(ctx, stale.ID, true, nil))

	require.NoError(t, f.svc.Start(ctx))
	t.Cleanup(func() { f.svc.Stop() })

	stored, err := f.users.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
}

func TestReconnectDuringOfflineWriteStaysOnline(t *testing.T) {
	var gate *gatedUsers
	f := newFixture(t, func(f *fixture) {
		gate = &gatedUsers{
			UserRepository: f.users,
			entered:        make(chan struct{}),
			release:        make(chan struct{}),
		}
		f.users = gate
	})
	ctx := context.Background()

	observer, _ := f.connect(t, "bob")
	alice := testutil.CreateUser(t, f.db, "alice")
	first := f.connectAs(t, alice)
	drain(observer)
	token := f.token(t, alice)

	disconnected := make(chan error, 1)
	go func() { disconnected <- f.svc.HandleDisconnect(ctx, first) }()
	<-gate.entered

	second := f.newClient()
	connected := make(chan error, 1)
	go func() {
		_, err := f.svc.HandleConnect(ctx, second, token)
		connected <- err
	}()

	select {
	case err := <-connected:
		t.Fatalf("connect finished while the offline write was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)

	require.NoError(t, <-disconnected)
	require.NoError(t, <-connected)

	assert.True(t, f.presence.IsOnline(alice.ID))
	stored, err := f.users.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)

	presenceEvents := types(drain(observer))
	assert.Equal(t, []string{domain.EventUserOffline, domain.EventUserOnline}, presenceEvents)
}

func TestConnectEnforcesAuthTimeout(t *testing.T) {
	verifier := stuckVerifier{release: make(chan struct{})}
	t.Cleanup(func() { close(verifier.release) })

	f := newFixture(t, func(f *fixture) {
		f.verifier = verifier
		f.config.AuthTimeout = 100 * time.Millisecond
	})

	c := f.newClient()
	start := time.Now()
	identity, err := f.svc.HandleConnect(context.Background(), c, "some-token")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.Nil(t, identity)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, f.hub.ClientCount())
	assert.Empty(t, f.presence.Online())
}
