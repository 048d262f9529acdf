package models

import (
	"strings"
	"time"
)

// ConversationKind enumerates the supported conversation shapes.
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
	ConversationSelf    ConversationKind = "self"
)

// Member roles inside a conversation.
const (
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

// Profile is the public snapshot of a user.
type Profile struct {
	ID        string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Username  string     `gorm:"size:64;uniqueIndex" json:"username"`
	FirstName string     `gorm:"size:128" json:"first_name"`
	LastName  string     `gorm:"size:128" json:"last_name"`
	AvatarURL string     `gorm:"size:512" json:"avatar_url,omitempty"`
	IsOnline  bool       `gorm:"not null;default:false" json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DisplayName returns the full name of the profile, falling back to the username.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	return p.Username
}

// Conversation is a private, group or self chat together with its denormalized sidebar state.
type Conversation struct {
	ID            string               `gorm:"type:varchar(64);primaryKey" json:"id"`
	Type          ConversationKind     `gorm:"size:16;not null;index" json:"type"`
	Name          string               `gorm:"size:255" json:"name,omitempty"`
	Description   string               `gorm:"type:text" json:"description,omitempty"`
	AvatarURL     string               `gorm:"size:512" json:"avatar_url,omitempty"`
	CreatedBy     string               `gorm:"size:64" json:"created_by"`
	LastMessageAt *time.Time           `gorm:"index" json:"last_message_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Members       []ConversationMember `gorm:"foreignKey:ConversationID" json:"members,omitempty"`

	LastMessage *Message `gorm:"-" json:"last_message,omitempty"`
	UnreadCount int      `gorm:"-" json:"unread_count"`
}

// Clone returns a copy that shares no slices with the receiver.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Members != nil {
		out.Members = append([]ConversationMember(nil), c.Members...)
	}
	if c.LastMessage != nil {
		last := c.LastMessage.Clone()
		out.LastMessage = &last
	}
	return out
}

// HasMember reports whether userID belongs to the conversation's loaded member list.
func (c Conversation) HasMember(userID string) bool {
	for _, member := range c.Members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

// ConversationMember links a profile to a conversation.
type ConversationMember struct {
	ConversationID string    `gorm:"type:varchar(64);primaryKey" json:"conversation_id"`
	UserID         string    `gorm:"type:varchar(64);primaryKey;index" json:"user_id"`
	Role           string    `gorm:"size:16;not null;default:member" json:"role"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
	Profile        *Profile  `gorm:"foreignKey:UserID" json:"profile,omitempty"`
}

// ReadReceipt stores the read watermark of one user in one conversation.
type ReadReceipt struct {
	ConversationID    string    `gorm:"type:varchar(64);primaryKey" json:"conversation_id"`
	UserID            string    `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	LastReadMessageID string    `gorm:"size:64" json:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at"`
}
