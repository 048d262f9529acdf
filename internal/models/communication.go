package models

import "time"

// Notification types surfaced by the notification center.
const (
	NotificationMessage = "message"
	NotificationGroup   = "group"
	NotificationSystem  = "system"
)

// Notification represents a desktop notification raised for a specific user.
type Notification struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         string    `gorm:"size:64;index" json:"user_id"`
	Type           string    `gorm:"size:32" json:"type"`
	Title          string    `gorm:"size:255" json:"title"`
	Body           string    `gorm:"type:text" json:"body"`
	ConversationID string    `gorm:"size:64" json:"conversation_id,omitempty"`
	MessageID      string    `gorm:"size:64" json:"message_id,omitempty"`
	Read           bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
