package dto

import (
	"time"

	"github.com/noah-isme/setu-sync/internal/models"
)

// NotificationCreateRequest describes the payload to raise a notification.
type NotificationCreateRequest struct {
	UserID         string `json:"user_id" validate:"required,max=64"`
	Type           string `json:"type" validate:"required,oneof=message group system"`
	Title          string `json:"title" validate:"required,min=1,max=255"`
	Body           string `json:"body" validate:"max=2000"`
	ConversationID string `json:"conversation_id" validate:"omitempty,max=64"`
	MessageID      string `json:"message_id" validate:"omitempty,max=64"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID             uint      `json:"id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:             model.ID,
		UserID:         model.UserID,
		Type:           model.Type,
		Title:          model.Title,
		Body:           model.Body,
		ConversationID: model.ConversationID,
		MessageID:      model.MessageID,
		Read:           model.Read,
		CreatedAt:      model.CreatedAt,
	}
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// NotificationListResponse bundles a page of notifications with the unread total.
type NotificationListResponse struct {
	Items       []NotificationResponse `json:"items"`
	UnreadCount int64                  `json:"unread_count"`
}
