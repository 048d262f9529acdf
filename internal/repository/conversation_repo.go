package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/setu-sync/internal/models"
)

// ConversationRepository persists conversations and their memberships.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	FindByID(ctx context.Context, id string) (models.Conversation, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	AddMember(ctx context.Context, member *models.ConversationMember) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) (models.Conversation, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	memberOf := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Select("conversation_id").
		Where("user_id = ?", userID)

	var conversations []models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Members.Profile").
		Where("id IN (?)", memberOf).
		Order("last_message_at IS NULL").
		Order("last_message_at DESC").
		Order("created_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) FindByID(ctx context.Context, id string) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Preload("Members.Profile").First(&conversation, "id = ?", id).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

func (r *conversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *conversationRepository) AddMember(ctx context.Context, member *models.ConversationMember) error {
	return r.db.WithContext(ctx).Create(member).Error
}

func (r *conversationRepository) RemoveMember(ctx context.Context, conversationID, userID string) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&models.ConversationMember{}).Error
}

func (r *conversationRepository) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) (models.Conversation, error) {
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]interface{}{"last_message_at": at, "updated_at": time.Now().UTC()}).Error
	if err != nil {
		return models.Conversation{}, err
	}

	var conversation models.Conversation
	if err := r.db.WithContext(ctx).First(&conversation, "id = ?", conversationID).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}
