package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-chat/internal/domain"
	"github.com/weiawesome/wes-chat/pkg/database"
	"github.com/weiawesome/wes-chat/pkg/log"
)

// GormUserRepository implements UserRepository using GORM.
type GormUserRepository struct {
	db *gorm.DB
}

func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	model := domain.UserToModel(user)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	}
	user.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var model domain.UserModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// SetOnline updates the presence columns. lastSeen is left untouched
// when nil.
func (r *GormUserRepository) SetOnline(ctx context.Context, id string, online bool, lastSeen *time.Time) error {
	updates := map[string]interface{}{"is_online": online}
	if lastSeen != nil {
		updates["last_seen"] = *lastSeen
	}

	result := r.db.WithContext(ctx).Model(&domain.UserModel{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		l := log.Ctx(ctx)
		l.Error().Err(result.Error).Str(log.FieldUserID, id).Msg("failed to update user presence")
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResetOnline marks every user offline. Presence lives in process memory,
// so flags left over from a previous process are stale.
func (r *GormUserRepository) ResetOnline(ctx context.Context, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&domain.UserModel{}).
		Where("is_online = ?", true).
		Updates(map[string]interface{}{"is_online": false, "last_seen": at})
	return result.RowsAffected, result.Error
}

func (r *GormUserRepository) ListOnline(ctx context.Context) ([]domain.User, error) {
	var models []domain.UserModel
	if err := r.db.WithContext(ctx).Where("is_online = ?", true).Order("username ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	users := make([]domain.User, len(models))
	for i := range models {
		users[i] = *models[i].ToDomain()
	}
	return users, nil
}
