package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/models"
)

// ErrConversationFilterInvalid indicates a filter that names neither a group nor a peer.
var ErrConversationFilterInvalid = errors.New("conversation filter requires a group or a peer")

const (
	defaultConversationLimit = 100
	maxConversationLimit     = 500
)

// ConversationFilter selects the messages of one conversation.
type ConversationFilter struct {
	SelfID  string
	GroupID string
	PeerID  string
	Before  time.Time
	Limit   int
	// Threaded selects thread replies instead of main-timeline messages.
	Threaded bool
}

// ChatRepository persists chat messages.
type ChatRepository interface {
	Insert(ctx context.Context, message *models.ChatMessage) error
	GetByID(ctx context.Context, id string) (models.ChatMessage, error)
	ListConversation(ctx context.Context, filter ConversationFilter) ([]models.ChatMessage, error)
	ListThread(ctx context.Context, parentID string) ([]models.ChatMessage, error)
	// LatestDirectPerPeer returns the newest direct message exchanged with each peer, newest first.
	LatestDirectPerPeer(ctx context.Context, userID string) ([]models.ChatMessage, error)
	LatestByGroup(ctx context.Context, groupID string) (models.ChatMessage, error)
	Delete(ctx context.Context, id string) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Insert(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		if message.ReplyTo == nil || *message.ReplyTo == "" {
			return nil
		}
		return tx.Model(&models.ChatMessage{}).
			Where("id = ?", *message.ReplyTo).
			UpdateColumn("thread_reply_count", gorm.Expr("thread_reply_count + 1")).Error
	})
}

func (r *chatRepository) GetByID(ctx context.Context, id string) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) ListConversation(ctx context.Context, filter ConversationFilter) ([]models.ChatMessage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}

	query := r.db.WithContext(ctx).Model(&models.ChatMessage{})
	switch {
	case strings.TrimSpace(filter.GroupID) != "":
		query = query.Where("group_id = ?", filter.GroupID)
	case strings.TrimSpace(filter.PeerID) != "" && strings.TrimSpace(filter.SelfID) != "":
		query = query.Where("group_id IS NULL").
			Where("((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))",
				filter.SelfID, filter.PeerID, filter.PeerID, filter.SelfID)
	default:
		return nil, ErrConversationFilterInvalid
	}

	if filter.Threaded {
		query = query.Where("reply_to IS NOT NULL")
	} else {
		query = query.Where("reply_to IS NULL")
	}
	if !filter.Before.IsZero() {
		query = query.Where("created_at < ?", filter.Before)
	}

	var messages []models.ChatMessage
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) ListThread(ctx context.Context, parentID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("(id = ? OR reply_to = ?)", parentID, parentID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

const directPeerExpr = "CASE WHEN %ssender_id = ? THEN %srecipient_id ELSE %ssender_id END"

func (r *chatRepository) LatestDirectPerPeer(ctx context.Context, userID string) ([]models.ChatMessage, error) {
	latest := r.db.Model(&models.ChatMessage{}).
		Select(fmt.Sprintf(directPeerExpr, "", "", "")+" AS peer_id, MAX(created_at) AS latest_at", userID).
		Where("group_id IS NULL").
		Where("(sender_id = ? OR recipient_id = ?)", userID, userID).
		Group("peer_id")

	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Table("chat_messages AS m").
		Select("m.*").
		Joins("JOIN (?) AS l ON l.peer_id = "+fmt.Sprintf(directPeerExpr, "m.", "m.", "m.")+" AND l.latest_at = m.created_at", latest, userID).
		Where("m.group_id IS NULL").
		Where("(m.sender_id = ? OR m.recipient_id = ?)", userID, userID).
		Order("m.created_at DESC").
		Order("m.id DESC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatRepository) LatestByGroup(ctx context.Context, groupID string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Where("reply_to IS NULL").
		Order("created_at DESC").
		First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message models.ChatMessage
		if err := tx.Where("id = ?", id).First(&message).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.ChatMessage{}, "id = ?", id).Error; err != nil {
			return err
		}
		if message.ReplyTo == nil || *message.ReplyTo == "" {
			return nil
		}
		return tx.Model(&models.ChatMessage{}).
			Where("id = ? AND thread_reply_count > 0", *message.ReplyTo).
			UpdateColumn("thread_reply_count", gorm.Expr("thread_reply_count - 1")).Error
	})
}
