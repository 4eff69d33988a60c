package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/database"
	"github.com/weiawesome/wes-chat/pkg/log"
)

// GormRoomRepository implements RoomRepository using GORM.
type GormRoomRepository struct {
	db *gorm.DB
}

func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	return &GormRoomRepository{db: db}
}

// Create inserts a room. A taken name yields ErrDuplicate.
func (r *GormRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	l := log.Ctx(ctx)

	if room.ID == "" {
		room.ID = uuid.New().String()
	}

	model := domain.RoomToModel(room)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicate
		}
		l.Error().Err(err).Msg("failed to create room in db")
		return err
	}

	room.CreatedAt = model.CreatedAt
	l.Debug().Str(log.FieldRoomID, room.ID).Msg("room created in db")
	return nil
}

func (r *GormRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	var model domain.RoomModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

func (r *GormRoomRepository) GetByName(ctx context.Context, name string) (*domain.Room, error) {
	var model domain.RoomModel
	if err := r.db.WithContext(ctx).First(&model, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

type roomCount struct {
	RoomID string
	Total  int64
}

// ListPublic returns public rooms in creation order with member counts.
func (r *GormRoomRepository) ListPublic(ctx context.Context) ([]domain.Room, error) {
	l := log.Ctx(ctx)

	var models []domain.RoomModel
	if err := r.db.WithContext(ctx).
		Where("is_private = ?", false).
		Order("created_at ASC").
		Order("name ASC").
		Find(&models).Error; err != nil {
		l.Error().Err(err).Msg("failed to list public rooms from db")
		return nil, err
	}
	if len(models) == 0 {
		return []domain.Room{}, nil
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}

	var counts []roomCount
	if err := r.db.WithContext(ctx).Model(&domain.MembershipModel{}).
		Select("room_id, COUNT(*) AS total").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&counts).Error; err != nil {
		l.Error().Err(err).Msg("failed to count room members")
		return nil, err
	}

	byRoom := make(map[string]int64, len(counts))
	for _, c := range counts {
		byRoom[c.RoomID] = c.Total
	}

	rooms := make([]domain.Room, len(models))
	for i := range models {
		rooms[i] = *models[i].ToDomain()
		rooms[i].MemberCount = byRoom[models[i].ID]
	}
	return rooms, nil
}
