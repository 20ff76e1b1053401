package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Media kinds accepted on chat messages.
const (
	MediaKindImage = "image"
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
	MediaKindFile  = "file"
)

// ChatMessage is a single row of the message table. A message targets exactly
// one conversation: GroupID and RecipientID are mutually exclusive.
type ChatMessage struct {
	ID               string                      `gorm:"primaryKey;size:64" json:"id"`
	SenderID         string                      `gorm:"size:64;index;not null" json:"sender_id"`
	GroupID          *string                     `gorm:"size:64;index" json:"group_id,omitempty"`
	RecipientID      *string                     `gorm:"size:64;index" json:"recipient_id,omitempty"`
	Content          string                      `gorm:"type:text" json:"content"`
	MediaURL         string                      `gorm:"size:512" json:"media_url,omitempty"`
	MediaType        string                      `gorm:"size:16" json:"media_type,omitempty"`
	MediaPath        string                      `gorm:"size:255" json:"media_path,omitempty"`
	MentionedUserIDs datatypes.JSONSlice[string] `gorm:"type:json" json:"mentioned_user_ids"`
	ReplyTo          *string                     `gorm:"size:64;index" json:"reply_to,omitempty"`
	ThreadReplyCount int                         `gorm:"not null;default:0" json:"thread_reply_count"`
	CreatedAt        time.Time                   `gorm:"index" json:"created_at"`
}

// BeforeCreate assigns a server id when the caller did not provide one.
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// IsGroup reports whether the message was posted to a group.
func (m ChatMessage) IsGroup() bool {
	return m.GroupID != nil && *m.GroupID != ""
}

// ChatGroup is a named multi-member conversation.
type ChatGroup struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	AvatarURL string    `gorm:"size:512" json:"avatar_url"`
	CreatedBy string    `gorm:"size:64;index" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

// BeforeCreate assigns a group id when missing.
func (g *ChatGroup) BeforeCreate(tx *gorm.DB) error {
	if strings.TrimSpace(g.ID) == "" {
		g.ID = uuid.NewString()
	}
	return nil
}

// ChatGroupMember links a user to a group.
type ChatGroupMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupID   string    `gorm:"size:64;uniqueIndex:idx_group_member;not null" json:"group_id"`
	UserID    string    `gorm:"size:64;uniqueIndex:idx_group_member;index;not null" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
