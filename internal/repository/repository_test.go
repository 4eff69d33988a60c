package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/testutil"
)

func TestUserPresenceColumns(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewGormUserRepository(db)
	alice := testutil.CreateUser(t, db, "alice")

	require.NoError(t, repo.SetOnline(ctx, alice.ID, true, nil))
	got, err := repo.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	assert.Nil(t, got.LastSeen)

	online, err := repo.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetOnline(ctx, alice.ID, false, &seen))
	got, err = repo.GetByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	require.NotNil(t, got.LastSeen)
	assert.True(t, seen.Equal(*got.LastSeen))

	assert.ErrorIs(t, repo.SetOnline(ctx, "missing", true, nil), ErrUserNotFound)
	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewGormUserRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, &domain.User{Email: "a@example.com", Username: "alice"}))
	err := repo.Create(ctx, &domain.User{Email: "a@example.com", Username: "alice2"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestResetOnline(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewGormUserRepository(db)

	for _, name := range []string{"a", "b", "c"} {
		u := testutil.CreateUser(t, db, name)
		require.NoError(t, repo.SetOnline(ctx, u.ID, name != "c", nil))
	}

	n, err := repo.ResetOnline(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	online, err := repo.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestRoomCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewGormRoomRepository(testutil.NewDB(t))

	room := &domain.Room{Name: "random", Description: "off topic"}
	require.NoError(t, repo.Create(ctx, room))
	assert.NotEmpty(t, room.ID)
	assert.False(t, room.CreatedAt.IsZero())

	byID, err := repo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "random", byID.Name)

	byName, err := repo.GetByName(ctx, "random")
	require.NoError(t, err)
	assert.Equal(t, room.ID, byName.ID)

	assert.ErrorIs(t, repo.Create(ctx, &domain.Room{Name: "random"}), ErrDuplicate)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = repo.GetByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestListPublicWithCounts(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rooms := NewGormRoomRepository(db)
	members := NewGormMembershipRepository(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pub1 := &domain.Room{Name: "first", CreatedAt: base}
	pub2 := &domain.Room{Name: "second", CreatedAt: base.Add(time.Minute)}
	priv := &domain.Room{Name: "secret", IsPrivate: true, CreatedAt: base.Add(2 * time.Minute)}
	for _, r := range []*domain.Room{pub2, pub1, priv} {
		require.NoError(t, rooms.Create(ctx, r))
	}

	for _, u := range []string{"u1", "u2"} {
		_, err := members.Upsert(ctx, u, pub1.ID)
		require.NoError(t, err)
	}
	_, err := members.Upsert(ctx, "u1", priv.ID)
	require.NoError(t, err)

	list, err := rooms.ListPublic(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Name)
	assert.EqualValues(t, 2, list[0].MemberCount)
	assert.Equal(t, "second", list[1].Name)
	assert.EqualValues(t, 0, list[1].MemberCount)
}

func TestListPublicEmpty(t *testing.T) {
	list, err := NewGormRoomRepository(testutil.NewDB(t)).ListPublic(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestMembershipUpsertDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewGormMembershipRepository(testutil.NewDB(t))

	created, err := repo.Upsert(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Upsert(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.False(t, created, "second upsert is a no-op")

	n, err := repo.CountByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ok, err := repo.Exists(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := repo.Delete(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Delete(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMessagesRecentFirst(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewGormMessageRepository(db)
	rooms := NewGormRoomRepository(db)
	alice := testutil.CreateUser(t, db, "alice")

	room := &domain.Room{Name: "dev"}
	require.NoError(t, rooms.Create(ctx, room))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := &domain.Message{
			ID:        fmt.Sprintf("10%d", i),
			Content:   fmt.Sprintf("msg %d", i),
			UserID:    alice.ID,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i == 4 {
			msg.RoomID = room.ID
		}
		require.NoError(t, repo.Create(ctx, msg))
	}

	recent, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "msg 4", recent[0].Content)
	assert.Equal(t, "msg 3", recent[1].Content)
	assert.Equal(t, "msg 2", recent[2].Content)

	assert.Equal(t, "alice", recent[0].User.Username)
	require.NotNil(t, recent[0].Room)
	assert.Equal(t, "dev", recent[0].Room.Name)
	assert.Equal(t, room.ID, recent[0].RoomID)
	assert.Nil(t, recent[1].Room)
	assert.Empty(t, recent[1].RoomID)

	none, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
