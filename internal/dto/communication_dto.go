package dto

import (
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/gema-crm/internal/models"
)

// ConversationKind distinguishes group conversations from direct ones.
type ConversationKind string

const (
	ConversationGroup  ConversationKind = "group"
	ConversationDirect ConversationKind = "direct"
)

// ConversationRef identifies a conversation. For direct conversations ID is the peer user id.
type ConversationRef struct {
	Kind ConversationKind `json:"kind" validate:"required,oneof=group direct"`
	ID   string           `json:"id" validate:"required,max=64"`
}

// Key returns a stable identity string for the conversation.
func (r ConversationRef) Key() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Kind) + ":" + r.ID
}

// IsZero reports whether the reference points at nothing.
func (r ConversationRef) IsZero() bool {
	return r.Kind == "" || r.ID == ""
}

// ChatMessage is the serialized representation of a message, confirmed or pending.
type ChatMessage struct {
	ID               string        `json:"id"`
	TempID           string        `json:"temp_id,omitempty"`
	Pending          bool          `json:"pending,omitempty"`
	SenderID         string        `json:"sender_id"`
	GroupID          string        `json:"group_id,omitempty"`
	RecipientID      string        `json:"recipient_id,omitempty"`
	Content          string        `json:"content,omitempty"`
	MediaURL         string        `json:"media_url,omitempty"`
	MediaType        string        `json:"media_type,omitempty"`
	MentionedUserIDs []string      `json:"mentioned_user_ids,omitempty"`
	ReplyTo          string        `json:"reply_to,omitempty"`
	ThreadReplyCount int           `json:"thread_reply_count,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	Spans            []MentionSpan `json:"spans,omitempty"`
}

// NewChatMessage converts a model into a DTO.
func NewChatMessage(message models.ChatMessage) ChatMessage {
	out := ChatMessage{
		ID:               message.ID,
		SenderID:         message.SenderID,
		Content:          message.Content,
		MediaURL:         message.MediaURL,
		MediaType:        message.MediaType,
		ThreadReplyCount: message.ThreadReplyCount,
		CreatedAt:        message.CreatedAt,
	}
	if message.GroupID != nil {
		out.GroupID = *message.GroupID
	}
	if message.RecipientID != nil {
		out.RecipientID = *message.RecipientID
	}
	if message.ReplyTo != nil {
		out.ReplyTo = *message.ReplyTo
	}
	if len(message.MentionedUserIDs) > 0 {
		out.MentionedUserIDs = append([]string(nil), message.MentionedUserIDs...)
	}
	return out
}

// NewChatMessageSlice converts a slice of models into DTOs.
func NewChatMessageSlice(messages []models.ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessage(message))
	}
	return out
}

// Conversation returns the conversation the message belongs to, seen from selfID.
func (m ChatMessage) Conversation(selfID string) ConversationRef {
	if m.GroupID != "" {
		return ConversationRef{Kind: ConversationGroup, ID: m.GroupID}
	}
	peer := m.RecipientID
	if peer == selfID {
		peer = m.SenderID
	}
	return ConversationRef{Kind: ConversationDirect, ID: peer}
}

// Key is the stable rendering key: the temp id while pending, the server id afterwards.
func (m ChatMessage) Key() string {
	if m.Pending {
		return m.TempID
	}
	return m.ID
}

// Conversation is one entry of the conversation directory.
type Conversation struct {
	Kind        ConversationKind `json:"kind"`
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	AvatarURL   string           `json:"avatar_url,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	LastMessage *ChatMessage     `json:"last_message,omitempty"`
	Placeholder bool             `json:"placeholder,omitempty"`
}

// Ref returns the conversation identity.
func (c Conversation) Ref() ConversationRef {
	return ConversationRef{Kind: c.Kind, ID: c.ID}
}

// Preview renders the sidebar preview line. Conversations without messages yield "".
func (c Conversation) Preview() string {
	if c.LastMessage == nil {
		return ""
	}
	if c.LastMessage.Content != "" {
		return c.LastMessage.Content
	}
	if c.LastMessage.MediaType != "" {
		return "[" + c.LastMessage.MediaType + "]"
	}
	return ""
}

// MentionEntity is a mentionable roster entry: a user, a sector or a team.
type MentionEntity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// Mention span kinds.
const (
	SpanText    = "text"
	SpanMention = "mention"
)

// MentionSpan is a rendering fragment of message text.
type MentionSpan struct {
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	MentionID string `json:"mention_id,omitempty"`
}

// Toast variants.
const (
	ToastDefault     = "default"
	ToastDestructive = "destructive"
)

// Toast is a user-visible notification.
type Toast struct {
	Variant     string `json:"variant"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// PresenceState is one user's ephemeral typing/recording tuple within a channel.
type PresenceState struct {
	UserID    string    `json:"user_id"`
	Typing    bool      `json:"typing"`
	Recording bool      `json:"recording"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client command types accepted on the chat websocket.
const (
	CommandOpen          = "open"
	CommandSendText      = "send_text"
	CommandSendMedia     = "send_media"
	CommandTyping        = "typing"
	CommandRecording     = "recording"
	CommandRefresh       = "refresh"
	CommandDeleteMessage = "delete_message"
)

// ClientCommand is a frame sent by the browser over the chat websocket.
type ClientCommand struct {
	Type         string           `json:"type" validate:"required,oneof=open send_text send_media typing recording refresh delete_message"`
	Conversation *ConversationRef `json:"conversation,omitempty"`
	Text         string           `json:"text,omitempty" validate:"max=4000"`
	ReplyTo      string           `json:"reply_to,omitempty" validate:"omitempty,max=64"`
	Active       bool             `json:"active,omitempty"`
	MessageID    string           `json:"message_id,omitempty" validate:"omitempty,max=64"`
	FileName     string           `json:"file_name,omitempty" validate:"omitempty,max=255"`
	Data         []byte           `json:"data,omitempty"`
}

// Session update types pushed to the browser.
const (
	UpdateDirectory = "directory"
	UpdateMessages  = "messages"
	UpdatePresence  = "presence"
	UpdateToast     = "toast"
)

// SessionUpdate is a frame pushed from the session to the browser.
type SessionUpdate struct {
	Type          string           `json:"type"`
	Conversations []Conversation   `json:"conversations,omitempty"`
	Conversation  *ConversationRef `json:"conversation,omitempty"`
	Messages      []ChatMessage    `json:"messages,omitempty"`
	Typing        []string         `json:"typing,omitempty"`
	Recording     []string         `json:"recording,omitempty"`
	Toast         *Toast           `json:"toast,omitempty"`
}

// ChatHistoryQuery represents query filters for retrieving chat history over HTTP.
type ChatHistoryQuery struct {
	GroupID string     `query:"group_id" validate:"omitempty,max=64"`
	PeerID  string     `query:"peer_id" validate:"omitempty,max=64"`
	Before  *time.Time `query:"before"`
	Limit   int        `query:"limit" validate:"omitempty,min=1,max=200"`
}

// Ref converts the query into a conversation reference.
func (q ChatHistoryQuery) Ref() ConversationRef {
	if strings.TrimSpace(q.GroupID) != "" {
		return ConversationRef{Kind: ConversationGroup, ID: strings.TrimSpace(q.GroupID)}
	}
	return ConversationRef{Kind: ConversationDirect, ID: strings.TrimSpace(q.PeerID)}
}

// ChatGroupCreateRequest is the payload for creating a group conversation.
type ChatGroupCreateRequest struct {
	Name      string   `json:"name" validate:"required,max=255"`
	AvatarURL string   `json:"avatar_url" validate:"omitempty,url,max=512"`
	MemberIDs []string `json:"member_ids" validate:"required,min=1,max=200,dive,required,max=64"`
}

// ChatThreadResponse is a root message with its replies.
type ChatThreadResponse struct {
	Root    ChatMessage   `json:"root"`
	Replies []ChatMessage `json:"replies"`
}

// DealActivityResponse is the serialized representation of a deal activity.
type DealActivityResponse struct {
	ID        string    `json:"id"`
	DealID    string    `json:"deal_id"`
	AuthorID  string    `json:"author_id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDealActivityResponse converts a model to DTO.
func NewDealActivityResponse(model models.DealActivity) DealActivityResponse {
	out := DealActivityResponse{
		ID:        model.ID,
		DealID:    model.DealID,
		AuthorID:  model.AuthorID,
		Kind:      model.Kind,
		Content:   model.Content,
		CreatedAt: model.CreatedAt,
	}
	if model.ParentID != nil {
		out.ParentID = *model.ParentID
	}
	return out
}

// DealActivityCreateRequest is the payload for posting to a deal's activity feed.
type DealActivityCreateRequest struct {
	Kind     string `json:"kind" validate:"omitempty,oneof=note call email meeting"`
	Content  string `json:"content" validate:"required,max=4000"`
	ParentID string `json:"parent_id" validate:"omitempty,max=64"`
}

// DealActivityThread is a root activity and its replies.
type DealActivityThread struct {
	Root    DealActivityResponse   `json:"root"`
	Replies []DealActivityResponse `json:"replies"`
}

// SortedIDs returns the set members in ascending order.
func SortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RecordID, ParentRecordID and RecordTime let messages be threaded.
func (m ChatMessage) RecordID() string       { return m.ID }
func (m ChatMessage) ParentRecordID() string { return m.ReplyTo }
func (m ChatMessage) RecordTime() time.Time  { return m.CreatedAt }

// RecordID, ParentRecordID and RecordTime let deal activities be threaded.
func (a DealActivityResponse) RecordID() string       { return a.ID }
func (a DealActivityResponse) ParentRecordID() string { return a.ParentID }
func (a DealActivityResponse) RecordTime() time.Time  { return a.CreatedAt }
