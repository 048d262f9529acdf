// Package realtime contains the engines that keep a session's store consistent with the
// change feed: message sync for the open conversation, the sidebar, typing presence, history
// paging with scroll control, and the online heartbeat.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/setu-sync/internal/dto"
	"github.com/noah-isme/setu-sync/internal/models"
)

// ErrStopped is returned when an engine is started or used after Stop.
var ErrStopped = errors.New("realtime: engine stopped")

// ProfileLookup resolves sender and reply snapshots.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	GetReplySnapshot(ctx context.Context, messageID string) (models.ReplySnapshot, error)
}

// ConversationLookup fetches a single conversation as seen by userID.
type ConversationLookup interface {
	GetConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error)
}

// MessageHistory pages through a conversation's messages.
type MessageHistory interface {
	ListMessages(ctx context.Context, userID, conversationID string, cursor *time.Time, limit int) (dto.MessagePage, error)
}

// PresenceUpdater records the online flag of a user.
type PresenceUpdater interface {
	UpdatePresence(ctx context.Context, userID string, online bool) error
}

// DataService is the full request/response surface a session needs.
type DataService interface {
	ProfileLookup
	ConversationLookup
	MessageHistory
	PresenceUpdater
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	PostMessage(ctx context.Context, userID, conversationID string, req dto.SendMessageRequest) (models.Message, error)
	EditMessage(ctx context.Context, userID, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID string) (models.Message, error)
	ToggleReaction(ctx context.Context, userID, messageID, reaction string) (models.Message, error)
	UpsertReadReceipt(ctx context.Context, userID, conversationID, messageID string) error
}

// Timings groups the realtime durations.
type Timings struct {
	TypingThrottle    time.Duration
	StopTypingDelay   time.Duration
	TypingExpiry      time.Duration
	PresenceHeartbeat time.Duration
}

// DefaultTimings returns the production durations.
func DefaultTimings() Timings {
	return Timings{
		TypingThrottle:    2 * time.Second,
		StopTypingDelay:   3 * time.Second,
		TypingExpiry:      4 * time.Second,
		PresenceHeartbeat: time.Minute,
	}
}

// DefaultHandlerConcurrency bounds the feed handlers an engine runs at once.
const DefaultHandlerConcurrency = 32

// MessageTopic names the per-conversation message subscription.
func MessageTopic(conversationID string) string {
	return "messages:" + conversationID
}

// TypingTopic names the per-conversation typing broadcast channel.
func TypingTopic(conversationID string) string {
	return "typing:" + conversationID
}
