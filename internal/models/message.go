package models

import (
	"strings"
	"time"
)

// MessageType enumerates message payload kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// TempIDPrefix marks identifiers generated client-side for optimistic sends.
const TempIDPrefix = "temp-"

// Origin tags where a loaded message came from. It never leaves the process.
type Origin int

const (
	// OriginRemote marks messages loaded from history or delivered by the change feed.
	OriginRemote Origin = iota
	// OriginLocal marks optimistic self-sent messages and their reconciled rows.
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Message is a single chat message row plus its hydrated snapshots.
type Message struct {
	ID             string      `gorm:"type:varchar(64);primaryKey" json:"id"`
	ConversationID string      `gorm:"type:varchar(64);not null;index:idx_messages_history,priority:1" json:"conversation_id"`
	SenderID       string      `gorm:"type:varchar(64);not null;index" json:"sender_id"`
	Content        *string     `gorm:"type:text" json:"content"`
	MessageType    MessageType `gorm:"size:16;not null;default:text" json:"message_type"`
	FileURL        *string     `gorm:"size:1024" json:"file_url"`
	FileName       *string     `gorm:"size:255" json:"file_name"`
	FileSize       *int64      `json:"file_size"`
	ReplyTo        *string     `gorm:"size:64" json:"reply_to"`
	ForwardedFrom  *string     `gorm:"size:64" json:"forwarded_from"`
	IsEdited       bool        `gorm:"not null;default:false" json:"is_edited"`
	IsDeleted      bool        `gorm:"not null;default:false" json:"is_deleted"`
	CreatedAt      time.Time   `gorm:"index:idx_messages_history,priority:2,sort:desc" json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	Sender       *Profile          `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	ReplyMessage *ReplySnapshot    `gorm:"-" json:"reply_message,omitempty"`
	Reactions    []MessageReaction `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`

	Origin Origin `gorm:"-" json:"-"`
}

// Clone returns a copy that shares no slices with the receiver.
func (m Message) Clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = append([]MessageReaction(nil), m.Reactions...)
	}
	if m.Sender != nil {
		sender := *m.Sender
		out.Sender = &sender
	}
	if m.ReplyMessage != nil {
		reply := *m.ReplyMessage
		out.ReplyMessage = &reply
	}
	return out
}

// IsTemporary reports whether the message still carries a client-side placeholder id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Text returns the message content or an empty string when it is nil.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// MergeRow copies every persisted column of row into m, keeping hydrated snapshots and origin.
func (m *Message) MergeRow(row Message) {
	m.ConversationID = row.ConversationID
	m.SenderID = row.SenderID
	m.Content = row.Content
	m.MessageType = row.MessageType
	m.FileURL = row.FileURL
	m.FileName = row.FileName
	m.FileSize = row.FileSize
	m.ReplyTo = row.ReplyTo
	m.ForwardedFrom = row.ForwardedFrom
	m.IsEdited = row.IsEdited
	m.IsDeleted = row.IsDeleted
	if !row.CreatedAt.IsZero() {
		m.CreatedAt = row.CreatedAt
	}
	if !row.UpdatedAt.IsZero() {
		m.UpdatedAt = row.UpdatedAt
	}
	if row.Reactions != nil {
		m.Reactions = append([]MessageReaction(nil), row.Reactions...)
	}
}

// ReplySnapshot is the lightweight view of a replied-to message.
type ReplySnapshot struct {
	ID          string      `json:"id"`
	Content     *string     `json:"content"`
	MessageType MessageType `json:"message_type"`
	SenderID    string      `json:"sender_id"`
	Sender      *Profile    `json:"sender,omitempty"`
}

// MessageReaction is a single user reaction on a message.
type MessageReaction struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	MessageID string    `gorm:"type:varchar(64);not null;index" json:"message_id"`
	UserID    string    `gorm:"type:varchar(64);not null" json:"user_id"`
	Reaction  string    `gorm:"size:32;not null" json:"reaction"`
	CreatedAt time.Time `json:"created_at"`
}

// TypingUser is an ephemeral entry of the "currently typing" set.
type TypingUser struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}
