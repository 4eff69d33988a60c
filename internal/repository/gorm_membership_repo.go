package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-chat/internal/domain"
)

// GormMembershipRepository implements MembershipRepository using GORM.
type GormMembershipRepository struct {
	db *gorm.DB
}

func NewGormMembershipRepository(db *gorm.DB) *GormMembershipRepository {
	return &GormMembershipRepository{db: db}
}

func (r *GormMembershipRepository) Upsert(ctx context.Context, userID, roomID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.MembershipModel{UserID: userID, RoomID: roomID})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormMembershipRepository) Delete(ctx context.Context, userID, roomID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Delete(&domain.MembershipModel{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormMembershipRepository) Exists(ctx context.Context, userID, roomID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.MembershipModel{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Count(&count).Error
	return count > 0, err
}

func (r *GormMembershipRepository) CountByRoom(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.MembershipModel{}).
		Where("room_id = ?", roomID).
		Count(&count).Error
	return count, err
}
