package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/middleware"
	"github.com/noah-isme/gema-crm/internal/models"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/internal/realtime"
	"github.com/noah-isme/gema-crm/internal/repository"
)

const maxThreadHops = 8

var (
	// ErrMessageNotFound indicates the referenced message does not exist or is not visible.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotMessageOwner indicates a caller tried to delete someone else's message.
	ErrNotMessageOwner = errors.New("only the sender can delete a message")
	// ErrNotGroupMember indicates the caller is not a member of the group.
	ErrNotGroupMember = errors.New("not a member of this group")
	// ErrReplyTargetInvalid indicates a reply points outside its conversation.
	ErrReplyTargetInvalid = errors.New("reply target not in this conversation")
)

// BlobStore stores media objects by path.
type BlobStore interface {
	Upload(ctx context.Context, path string, reader io.Reader) (string, error)
	Delete(ctx context.Context, path string) error
}

// MessageDraft is a message about to be written to the row store.
type MessageDraft struct {
	SenderID     string
	Conversation dto.ConversationRef
	Content      string
	MediaURL     string
	MediaType    string
	MediaPath    string
	MentionedIDs []string
	ReplyTo      string
}

// LoadOptions bounds a conversation load.
type LoadOptions struct {
	Before   time.Time
	Limit    int
	Threaded bool
}

// MessageGateway is the remote row store as seen by sessions and HTTP views.
type MessageGateway interface {
	Insert(ctx context.Context, draft MessageDraft) (dto.ChatMessage, error)
	Load(ctx context.Context, selfID string, conversation dto.ConversationRef, opts LoadOptions) ([]dto.ChatMessage, error)
	Thread(ctx context.Context, selfID, rootID string) (dto.ChatThreadResponse, error)
	Delete(ctx context.Context, selfID, messageID string) (dto.ChatMessage, error)
}

type messageGateway struct {
	messages repository.ChatRepository
	groups   repository.GroupRepository
	broker   realtime.Broker
	blobs    BlobStore
	cache    LastMessageCache
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewMessageGateway wires the chat repositories, the change feed and the blob store.
// blobs and cache may be nil.
func NewMessageGateway(messages repository.ChatRepository, groups repository.GroupRepository, broker realtime.Broker, blobs BlobStore, cache LastMessageCache, logger zerolog.Logger) MessageGateway {
	return &messageGateway{
		messages: messages,
		groups:   groups,
		broker:   broker,
		blobs:    blobs,
		cache:    cache,
		logger:   logger.With().Str("component", "message_gateway").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-crm/internal/service/chat"),
	}
}

func (g *messageGateway) Insert(ctx context.Context, draft MessageDraft) (dto.ChatMessage, error) {
	if draft.SenderID == "" || draft.Conversation.IsZero() {
		return dto.ChatMessage{}, ErrConversationInvalid
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.conversation", draft.Conversation.Key()),
		attribute.String("chat.sender_id", draft.SenderID),
	}
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlation))
	}
	ctx, span := g.tracer.Start(ctx, "chat.insert", trace.WithAttributes(attrs...))
	defer span.End()

	if err := g.authorise(ctx, draft.SenderID, draft.Conversation); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return dto.ChatMessage{}, err
	}

	model := models.ChatMessage{
		SenderID:         draft.SenderID,
		Content:          draft.Content,
		MediaURL:         draft.MediaURL,
		MediaType:        draft.MediaType,
		MediaPath:        draft.MediaPath,
		MentionedUserIDs: draft.MentionedIDs,
	}
	conversationID := draft.Conversation.ID
	if draft.Conversation.Kind == dto.ConversationGroup {
		model.GroupID = &conversationID
	} else {
		model.RecipientID = &conversationID
	}

	if draft.ReplyTo != "" {
		rootID, err := g.replyRoot(ctx, draft.SenderID, draft.Conversation, draft.ReplyTo)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return dto.ChatMessage{}, err
		}
		model.ReplyTo = &rootID
	}

	if err := g.messages.Insert(ctx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return dto.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}

	message := dto.NewChatMessage(model)
	kind := message.MediaType
	if kind == "" {
		kind = "text"
	}
	observability.ChatMessagesSent().WithLabelValues(kind).Inc()

	if message.ReplyTo == "" && g.cache != nil {
		g.cache.Put(ctx, ChannelName(draft.Conversation, draft.SenderID), message)
	}
	if g.broker != nil {
		if err := g.broker.Publish(ctx, message); err != nil {
			g.logger.Warn().Err(err).Str("message_id", message.ID).Msg("failed to publish chat insert")
		}
	}

	return message, nil
}

func (g *messageGateway) Load(ctx context.Context, selfID string, conversation dto.ConversationRef, opts LoadOptions) ([]dto.ChatMessage, error) {
	if selfID == "" || conversation.IsZero() {
		return nil, ErrConversationInvalid
	}
	if err := g.authorise(ctx, selfID, conversation); err != nil {
		return nil, err
	}

	filter := repository.ConversationFilter{
		SelfID:   selfID,
		Before:   opts.Before,
		Limit:    opts.Limit,
		Threaded: opts.Threaded,
	}
	if conversation.Kind == dto.ConversationGroup {
		filter.GroupID = conversation.ID
	} else {
		filter.PeerID = conversation.ID
	}

	messages, err := g.messages.ListConversation(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return dto.NewChatMessageSlice(messages), nil
}

func (g *messageGateway) Thread(ctx context.Context, selfID, rootID string) (dto.ChatThreadResponse, error) {
	root, err := g.visibleMessage(ctx, selfID, rootID)
	if err != nil {
		return dto.ChatThreadResponse{}, err
	}
	for hops := 0; root.ReplyTo != nil && *root.ReplyTo != ""; hops++ {
		if hops >= maxThreadHops {
			return dto.ChatThreadResponse{}, ErrMessageNotFound
		}
		if root, err = g.visibleMessage(ctx, selfID, *root.ReplyTo); err != nil {
			return dto.ChatThreadResponse{}, err
		}
	}

	records, err := g.messages.ListThread(ctx, root.ID)
	if err != nil {
		return dto.ChatThreadResponse{}, fmt.Errorf("load thread: %w", err)
	}

	for _, thread := range BuildThreads(dto.NewChatMessageSlice(records)) {
		if thread.Root.ID == root.ID {
			return dto.ChatThreadResponse{Root: thread.Root, Replies: thread.Replies}, nil
		}
	}
	return dto.ChatThreadResponse{Root: dto.NewChatMessage(root), Replies: []dto.ChatMessage{}}, nil
}

func (g *messageGateway) Delete(ctx context.Context, selfID, messageID string) (dto.ChatMessage, error) {
	ctx, span := g.tracer.Start(ctx, "chat.delete", trace.WithAttributes(attribute.String("chat.message_id", messageID)))
	defer span.End()

	model, err := g.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ChatMessage{}, ErrMessageNotFound
		}
		span.RecordError(err)
		return dto.ChatMessage{}, fmt.Errorf("load message: %w", err)
	}
	if model.SenderID != selfID {
		return dto.ChatMessage{}, ErrNotMessageOwner
	}

	if err := g.messages.Delete(ctx, messageID); err != nil {
		span.RecordError(err)
		return dto.ChatMessage{}, fmt.Errorf("delete message: %w", err)
	}

	message := dto.NewChatMessage(model)
	if g.cache != nil {
		g.cache.Forget(ctx, ChannelName(message.Conversation(selfID), selfID))
	}
	if model.MediaPath != "" && g.blobs != nil {
		if err := g.blobs.Delete(ctx, model.MediaPath); err != nil {
			g.logger.Warn().Err(err).Str("path", model.MediaPath).Msg("failed to delete media object")
		}
	}

	return message, nil
}

func (g *messageGateway) authorise(ctx context.Context, userID string, conversation dto.ConversationRef) error {
	switch conversation.Kind {
	case dto.ConversationGroup:
		if g.groups == nil {
			return nil
		}
		ok, err := g.groups.IsMember(ctx, conversation.ID, userID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !ok {
			return ErrNotGroupMember
		}
		return nil
	case dto.ConversationDirect:
		if conversation.ID == userID || strings.TrimSpace(conversation.ID) == "" {
			return ErrConversationInvalid
		}
		return nil
	default:
		return ErrConversationInvalid
	}
}

// replyRoot validates a reply target and returns the root of its thread.
func (g *messageGateway) replyRoot(ctx context.Context, selfID string, conversation dto.ConversationRef, parentID string) (string, error) {
	parent, err := g.messages.GetByID(ctx, parentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrReplyTargetInvalid
		}
		return "", fmt.Errorf("load reply target: %w", err)
	}
	if dto.NewChatMessage(parent).Conversation(selfID).Key() != conversation.Key() {
		return "", ErrReplyTargetInvalid
	}
	if parent.ReplyTo != nil && *parent.ReplyTo != "" {
		return *parent.ReplyTo, nil
	}
	return parent.ID, nil
}

func (g *messageGateway) visibleMessage(ctx context.Context, selfID, id string) (models.ChatMessage, error) {
	model, err := g.messages.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ChatMessage{}, ErrMessageNotFound
		}
		return models.ChatMessage{}, err
	}

	message := dto.NewChatMessage(model)
	if message.GroupID == "" && message.SenderID != selfID && message.RecipientID != selfID {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	if message.GroupID != "" {
		if err := g.authorise(ctx, selfID, message.Conversation(selfID)); err != nil {
			return models.ChatMessage{}, err
		}
	}
	return model, nil
}

// LastMessageCache remembers the latest main-timeline message per conversation channel.
type LastMessageCache interface {
	Get(ctx context.Context, channel string) (*dto.ChatMessage, bool)
	Put(ctx context.Context, channel string, message dto.ChatMessage)
	Forget(ctx context.Context, channel string)
}

type redisLastMessageCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLastMessageCache caches last messages in Redis under <base>:chat:last:<channel>.
func NewLastMessageCache(client *redis.Client, channelBase string, ttl time.Duration, logger zerolog.Logger) LastMessageCache {
	prefix := "chat:last"
	if channelBase != "" {
		prefix = channelBase + ":chat:last"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &redisLastMessageCache{
		redis:  client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "last_message_cache").Logger(),
	}
}

func (c *redisLastMessageCache) Get(ctx context.Context, channel string) (*dto.ChatMessage, bool) {
	if c.redis == nil || channel == "" {
		return nil, false
	}

	result, err := c.redis.Get(ctx, c.key(channel)).Result()
	if err != nil {
		return nil, false
	}

	var message dto.ChatMessage
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		c.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil, false
	}
	return &message, true
}

func (c *redisLastMessageCache) Put(ctx context.Context, channel string, message dto.ChatMessage) {
	if c.redis == nil || channel == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}
	if err := c.redis.Set(ctx, c.key(channel), payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (c *redisLastMessageCache) Forget(ctx context.Context, channel string) {
	if c.redis == nil || channel == "" {
		return
	}
	if err := c.redis.Del(ctx, c.key(channel)).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to evict cached chat message")
	}
}

func (c *redisLastMessageCache) key(channel string) string {
	return fmt.Sprintf("%s:%s", c.prefix, channel)
}
