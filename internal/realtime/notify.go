package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/noah-isme/setu-sync/internal/models"
)

const previewLimit = 100

// Notifier is the desktop-notification sink of a session.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notification models.Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, notification models.Notification) error {
	return f(ctx, notification)
}

// Visibility tracks whether the user's tab is hidden. The zero value is visible.
type Visibility struct {
	hidden atomic.Bool
}

// SetHidden records the tab state.
func (v *Visibility) SetHidden(hidden bool) {
	v.hidden.Store(hidden)
}

// Hidden reports whether the tab is hidden.
func (v *Visibility) Hidden() bool {
	if v == nil {
		return false
	}
	return v.hidden.Load()
}

// ShouldNotify decides whether an incoming message deserves a desktop notification.
func ShouldNotify(kind models.ConversationKind, senderID, localUserID string, active, hidden bool) bool {
	if senderID == localUserID || kind == models.ConversationSelf {
		return false
	}
	return !active || hidden
}

// BuildNotification renders the notification raised for message in conversation.
func BuildNotification(localUserID string, conversation models.Conversation, message models.Message) models.Notification {
	senderName := "Someone"
	if message.Sender != nil {
		senderName = message.Sender.DisplayName()
	}
	preview := MessagePreview(message)

	notification := models.Notification{
		UserID:         localUserID,
		ConversationID: conversation.ID,
		MessageID:      message.ID,
		Type:           models.NotificationMessage,
		Title:          senderName,
		Body:           preview,
	}
	if conversation.Type == models.ConversationGroup {
		notification.Type = models.NotificationGroup
		notification.Title = conversation.Name
		if notification.Title == "" {
			notification.Title = "Group"
		}
		notification.Body = fmt.Sprintf("%s: %s", senderName, preview)
	}
	return notification
}

// MessagePreview returns the short text used in notifications and the sidebar.
func MessagePreview(message models.Message) string {
	if message.IsDeleted {
		return "Message deleted"
	}
	switch message.MessageType {
	case models.MessageImage:
		return "📷 Photo"
	case models.MessageFile:
		name := "File"
		if message.FileName != nil && *message.FileName != "" {
			name = *message.FileName
		}
		return "📎 " + name
	}

	text := strings.TrimSpace(message.Text())
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit]) + "…"
	}
	return text
}
