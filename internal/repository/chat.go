package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatgate/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// chatRepository implements MessageStore on GORM
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) MessageStore {
	return &chatRepository{db: db}
}

func (r *chatRepository) Append(ctx context.Context, msg *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *chatRepository) SoftDelete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.ChatMessage{}).Where("id = ?", id).Update("is_deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *chatRepository) ListRecent(ctx context.Context, limit, offset int) ([]*models.ChatMessage, error) {
	var messages []*models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatRepository) GetMuteRecord(ctx context.Context, address string) (*models.MuteRecord, error) {
	var rec models.MuteRecord
	err := r.db.WithContext(ctx).Where("sender_address = ?", address).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *chatRepository) UpsertMuteRecord(ctx context.Context, rec *models.MuteRecord) error {
	// Last writer wins per sender.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sender_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"muted_until", "muted_by", "reason", "kind", "updated_at"}),
	}).Create(rec).Error
}

func (r *chatRepository) DeleteMuteRecord(ctx context.Context, address string) error {
	return r.db.WithContext(ctx).Where("sender_address = ?", address).Delete(&models.MuteRecord{}).Error
}

func (r *chatRepository) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ChatMessage{})
	return res.RowsAffected, res.Error
}

func (r *chatRepository) PurgeExpiredMutes(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("muted_until <= ?", now).Delete(&models.MuteRecord{})
	return res.RowsAffected, res.Error
}

func (r *chatRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (r *chatRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
