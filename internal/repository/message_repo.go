package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/setu-sync/internal/models"
)

// MessageRepository persists chat messages and their reactions.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	FindByID(ctx context.Context, id string) (models.Message, error)
	ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error)
	Latest(ctx context.Context, conversationID string) (models.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int64, error)
	UpdateContent(ctx context.Context, id, senderID, content string) (models.Message, error)
	SoftDelete(ctx context.Context, id, senderID string) (models.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, reaction string) (models.MessageReaction, bool, error)
	ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(message).Error
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Reactions").
		First(&message, "id = ?", id).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).
		Preload("Sender").
		Preload("Reactions").
		Where("conversation_id = ?", conversationID)
	if before != nil && !before.IsZero() {
		query = query.Where("created_at < ?", *before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) Latest(ctx context.Context, conversationID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Preload("Sender").
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		First(&message).Error
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND created_at > ?", conversationID, userID, after).
		Count(&count).Error
	return count, err
}

func (r *messageRepository) UpdateContent(ctx context.Context, id, senderID, content string) (models.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND sender_id = ? AND is_deleted = ?", id, senderID, false).
		Updates(map[string]interface{}{
			"content":    content,
			"is_edited":  true,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	return r.FindByID(ctx, id)
}

func (r *messageRepository) SoftDelete(ctx context.Context, id, senderID string) (models.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND sender_id = ?", id, senderID).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"content":    nil,
			"file_url":   nil,
			"file_name":  nil,
			"file_size":  nil,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, gorm.ErrRecordNotFound
	}
	return r.FindByID(ctx, id)
}

// ToggleReaction removes the reaction when present and adds it otherwise. It reports whether
// the reaction was added.
func (r *messageRepository) ToggleReaction(ctx context.Context, messageID, userID, reaction string) (models.MessageReaction, bool, error) {
	var (
		row   models.MessageReaction
		added bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("message_id = ? AND user_id = ? AND reaction = ?", messageID, userID, reaction).First(&row).Error
		switch {
		case err == nil:
			return tx.Delete(&models.MessageReaction{}, "id = ?", row.ID).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = models.MessageReaction{
				ID:        uuid.NewString(),
				MessageID: messageID,
				UserID:    userID,
				Reaction:  reaction,
				CreatedAt: time.Now().UTC(),
			}
			added = true
			return tx.Create(&row).Error
		default:
			return err
		}
	})
	if err != nil {
		return models.MessageReaction{}, false, err
	}
	return row, added, nil
}

func (r *messageRepository) ListReactions(ctx context.Context, messageID string) ([]models.MessageReaction, error) {
	reactions := make([]models.MessageReaction, 0)
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("created_at ASC").Find(&reactions).Error; err != nil {
		return nil, err
	}
	return reactions, nil
}
