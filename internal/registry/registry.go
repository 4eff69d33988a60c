package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-chat/internal/cache"
	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/internal/keylock"
	"github.com/weiawesome/wes-chat/internal/repository"
	"github.com/weiawesome/wes-chat/pkg/log"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomNameTaken      = errors.New("room name already exists")
	ErrInvalidRoomName    = errors.New("room name is required")
	ErrRoomNameTooLong    = errors.New("room name is too long")
	ErrDescriptionTooLong = errors.New("room description is too long")
	ErrNotMember          = errors.New("not a member of this room")
)

const (
	MaxRoomNameLength    = 50
	MaxDescriptionLength = 100
)

// RoomRegistry owns rooms and the membership edges between users and
// rooms. Mutations of one room are serialized.
type RoomRegistry interface {
	CreateRoom(ctx context.Context, creatorID, name, description string, isPrivate bool) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	// Join creates the membership edge and reports whether it was new.
	Join(ctx context.Context, userID, roomID string) (bool, error)
	Leave(ctx context.Context, userID, roomID string) error
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
	MemberCount(ctx context.Context, roomID string) (int64, error)
	ListPublicRooms(ctx context.Context) ([]domain.Room, error)
}

type roomRegistry struct {
	rooms   repository.RoomRepository
	members repository.MembershipRepository
	cache   cache.RoomListCache
	locks   *keylock.KeyedMutex
	sf      singleflight.Group

	// generation changes on every mutation that can alter the public
	// room list; loads from an older generation are not cached or shared.
	generation atomic.Uint64
	// cacheMu orders cache writes against invalidation.
	cacheMu    sync.Mutex
}

// NewRoomRegistry creates a registry. roomCache may be nil.
func NewRoomRegistry(
	rooms repository.RoomRepository,
	members repository.MembershipRepository,
	roomCache cache.RoomListCache,
) RoomRegistry {
	return &roomRegistry{
		rooms:   rooms,
		members: members,
		cache:   roomCache,
		locks:   keylock.New(),
	}
}

// ValidateRoomInput trims and checks a room name and description.
func ValidateRoomInput(name, description string) (string, string, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)

	if name == "" {
		return "", "", ErrInvalidRoomName
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return "", "", ErrRoomNameTooLong
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", "", ErrDescriptionTooLong
	}
	return name, description, nil
}

func (r *roomRegistry) CreateRoom(ctx context.Context, creatorID, name, description string, isPrivate bool) (*domain.Room, error) {
	l := log.Ctx(ctx)

	name, description, err := ValidateRoomInput(name, description)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock("name:" + strings.ToLower(name))
	defer unlock()

	if _, err := r.rooms.GetByName(ctx, name); err == nil {
		return nil, ErrRoomNameTaken
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return nil, fmt.Errorf("failed to check room name: %w", err)
	}

	room := &domain.Room{
		Name:        name,
		Description: description,
		IsPrivate:   isPrivate,
		CreatedBy:   creatorID,
	}
	if err := r.rooms.Create(ctx, room); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrRoomNameTaken
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	r.invalidate(ctx)
	l.Info().Str(log.FieldRoomID, room.ID).Str("name", room.Name).Bool("private", room.IsPrivate).Msg("room created")
	return room, nil
}

func (r *roomRegistry) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := r.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

func (r *roomRegistry) Join(ctx context.Context, userID, roomID string) (bool, error) {
	unlock := r.locks.Lock("room:" + roomID)
	defer unlock()

	if _, err := r.GetRoom(ctx, roomID); err != nil {
		return false, err
	}

	created, err := r.members.Upsert(ctx, userID, roomID)
	if err != nil {
		return false, fmt.Errorf("failed to create membership: %w", err)
	}
	if created {
		r.invalidate(ctx)
	}
	return created, nil
}

func (r *roomRegistry) Leave(ctx context.Context, userID, roomID string) error {
	unlock := r.locks.Lock("room:" + roomID)
	defer unlock()

	if _, err := r.GetRoom(ctx, roomID); err != nil {
		return err
	}

	removed, err := r.members.Delete(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	if !removed {
		return ErrNotMember
	}

	r.invalidate(ctx)
	return nil
}

func (r *roomRegistry) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return r.members.Exists(ctx, userID, roomID)
}

func (r *roomRegistry) MemberCount(ctx context.Context, roomID string) (int64, error) {
	return r.members.CountByRoom(ctx, roomID)
}

func (r *roomRegistry) ListPublicRooms(ctx context.Context) ([]domain.Room, error) {
	l := log.Ctx(ctx)
	gen := r.generation.Load()

	if r.cache != nil {
		rooms, err := r.cache.GetPublicRooms(ctx)
		if err == nil {
			return rooms, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			l.Warn().Err(err).Msg("room list cache read failed")
		}
	}

	result, err, _ := r.sf.Do("public:"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		// Shared by every caller of this flight.
		loadCtx := context.WithoutCancel(ctx)

		rooms, err := r.rooms.ListPublic(loadCtx)
		if err != nil {
			return nil, err
		}
		r.storeRooms(loadCtx, gen, rooms)
		return rooms, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	rooms, ok := result.([]domain.Room)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	out := make([]domain.Room, len(rooms))
	copy(out, rooms)
	return out, nil
}

// storeRooms caches a list loaded at generation gen unless a mutation
// has happened since.
func (r *roomRegistry) storeRooms(ctx context.Context, gen uint64, rooms []domain.Room) {
	if r.cache == nil {
		return
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if r.generation.Load() != gen {
		return
	}
	if err := r.cache.SetPublicRooms(ctx, rooms); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("room list cache write failed")
	}
}

func (r *roomRegistry) invalidate(ctx context.Context) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.generation.Add(1)
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("room list cache invalidation failed")
	}
}
