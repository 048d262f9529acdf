package dto

import (
	"time"

	"github.com/noah-isme/setu-sync/internal/models"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 50

// MessagePage is one page of message history, oldest first.
type MessagePage struct {
	Data        []models.Message `json:"data"`
	HasMore     bool             `json:"has_more"`
	NextCursor  *time.Time       `json:"next_cursor"`
	UnreadCount int              `json:"unread_count"`
}

// MessageHistoryQuery represents the query string of a history request. Cursor is an RFC 3339
// creation timestamp; only messages strictly older are returned.
type MessageHistoryQuery struct {
	Cursor string `query:"cursor" validate:"omitempty,datetime=2006-01-02T15:04:05.999999999Z07:00"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

// SendMessageRequest represents the payload to post a message into a conversation.
type SendMessageRequest struct {
	Content       *string            `json:"content" validate:"omitempty,max=4000"`
	MessageType   models.MessageType `json:"message_type" validate:"omitempty,oneof=text image file"`
	FileURL       *string            `json:"file_url" validate:"omitempty,url,max=1024"`
	FileName      *string            `json:"file_name" validate:"omitempty,max=255"`
	FileSize      *int64             `json:"file_size" validate:"omitempty,min=0"`
	ReplyTo       *string            `json:"reply_to" validate:"omitempty,max=64"`
	ForwardedFrom *string            `json:"forwarded_from" validate:"omitempty,max=64"`
}

// EditMessageRequest replaces the content of a text message.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// ReactionRequest toggles one reaction of the caller on a message.
type ReactionRequest struct {
	Reaction string `json:"reaction" validate:"required,min=1,max=32"`
}

// ConversationSummary is the sidebar representation of a conversation.
type ConversationSummary struct {
	ID            string                  `json:"id"`
	Type          models.ConversationKind `json:"type"`
	Name          string                  `json:"name,omitempty"`
	AvatarURL     string                  `json:"avatar_url,omitempty"`
	LastMessageAt *time.Time              `json:"last_message_at,omitempty"`
	LastMessage   *models.Message         `json:"last_message,omitempty"`
	UnreadCount   int                     `json:"unread_count"`
	MemberCount   int                     `json:"member_count"`
}

// NewConversationSummary converts a conversation into its sidebar view.
func NewConversationSummary(model models.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:            model.ID,
		Type:          model.Type,
		Name:          model.Name,
		AvatarURL:     model.AvatarURL,
		LastMessageAt: model.LastMessageAt,
		LastMessage:   model.LastMessage,
		UnreadCount:   model.UnreadCount,
		MemberCount:   len(model.Members),
	}
}

// NewConversationSummarySlice converts a slice of conversations.
func NewConversationSummarySlice(items []models.Conversation) []ConversationSummary {
	out := make([]ConversationSummary, 0, len(items))
	for _, item := range items {
		out = append(out, NewConversationSummary(item))
	}
	return out
}
