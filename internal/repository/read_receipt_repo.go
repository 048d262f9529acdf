package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/setu-sync/internal/models"
)

// ReadReceiptRepository stores per-user read watermarks.
type ReadReceiptRepository interface {
	Upsert(ctx context.Context, receipt models.ReadReceipt) error
	Find(ctx context.Context, conversationID, userID string) (models.ReadReceipt, error)
}

type readReceiptRepository struct {
	db *gorm.DB
}

// NewReadReceiptRepository constructs a read receipt repository backed by GORM.
func NewReadReceiptRepository(db *gorm.DB) ReadReceiptRepository {
	return &readReceiptRepository{db: db}
}

func (r *readReceiptRepository) Upsert(ctx context.Context, receipt models.ReadReceipt) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_read_message_id", "last_read_at"}),
	}).Create(&receipt).Error
}

func (r *readReceiptRepository) Find(ctx context.Context, conversationID, userID string) (models.ReadReceipt, error) {
	var receipt models.ReadReceipt
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&receipt).Error
	if err != nil {
		return models.ReadReceipt{}, err
	}
	return receipt, nil
}
