package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/observability"
	"github.com/noah-isme/gema-crm/internal/repository"
)

var (
	// ErrGroupBranchFailed wraps a failure listing the caller's group memberships.
	ErrGroupBranchFailed = errors.New("failed to load group conversations")
	// ErrDirectBranchFailed wraps a failure listing the caller's direct messages.
	ErrDirectBranchFailed = errors.New("failed to load direct conversations")
)

// ConversationDirectory builds the caller's unified conversation list.
type ConversationDirectory interface {
	// Fetch returns groups first, then one direct conversation per peer. A failing
	// branch contributes an empty list and its error is joined into the returned
	// error while the other branch is still returned.
	Fetch(ctx context.Context, selfID string) ([]dto.Conversation, error)
	// Placeholder builds a message-less direct conversation with peerID.
	Placeholder(ctx context.Context, selfID, peerID string) dto.Conversation
}

type conversationDirectory struct {
	messages repository.ChatRepository
	groups   repository.GroupRepository
	roster   repository.RosterRepository
	cache    LastMessageCache
	logger   zerolog.Logger
}

// NewConversationDirectory constructs the directory. cache may be nil.
func NewConversationDirectory(messages repository.ChatRepository, groups repository.GroupRepository, roster repository.RosterRepository, cache LastMessageCache, logger zerolog.Logger) ConversationDirectory {
	return &conversationDirectory{
		messages: messages,
		groups:   groups,
		roster:   roster,
		cache:    cache,
		logger:   logger.With().Str("component", "conversation_directory").Logger(),
	}
}

func (d *conversationDirectory) Fetch(ctx context.Context, selfID string) ([]dto.Conversation, error) {
	start := time.Now()
	defer func() {
		observability.ChatDirectoryLatency().Observe(time.Since(start).Seconds())
	}()

	groups, groupErr := d.groupConversations(ctx, selfID)
	if groupErr != nil {
		d.logger.Error().Err(groupErr).Str("user_id", selfID).Msg("group branch of directory failed")
		groups = nil
	}

	directs, directErr := d.directConversations(ctx, selfID)
	if directErr != nil {
		d.logger.Error().Err(directErr).Str("user_id", selfID).Msg("direct branch of directory failed")
		directs = nil
	}

	out := make([]dto.Conversation, 0, len(groups)+len(directs))
	out = append(out, groups...)
	out = append(out, directs...)

	return out, errors.Join(groupErr, directErr)
}

func (d *conversationDirectory) Placeholder(ctx context.Context, selfID, peerID string) dto.Conversation {
	conversation := dto.Conversation{
		Kind:        dto.ConversationDirect,
		ID:          peerID,
		Name:        peerID,
		Placeholder: true,
	}
	d.applyProfile(ctx, &conversation)
	return conversation
}

func (d *conversationDirectory) groupConversations(ctx context.Context, selfID string) ([]dto.Conversation, error) {
	memberships, err := d.groups.ListMemberships(ctx, selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGroupBranchFailed, err)
	}

	out := make([]dto.Conversation, 0, len(memberships))
	for _, membership := range memberships {
		conversation := dto.Conversation{
			Kind: dto.ConversationGroup,
			ID:   membership.GroupID,
			Name: membership.GroupID,
		}

		group, err := d.groups.Get(ctx, membership.GroupID)
		if err != nil {
			d.logger.Warn().Err(err).Str("group_id", membership.GroupID).Msg("group lookup failed; entry degraded")
		} else {
			conversation.Name = group.Name
			conversation.AvatarURL = group.AvatarURL
			conversation.CreatedBy = group.CreatedBy
		}

		conversation.LastMessage = d.latestGroupMessage(ctx, selfID, conversation.Ref())
		out = append(out, conversation)
	}
	return out, nil
}

func (d *conversationDirectory) latestGroupMessage(ctx context.Context, selfID string, ref dto.ConversationRef) *dto.ChatMessage {
	channel := ChannelName(ref, selfID)
	if d.cache != nil {
		if cached, ok := d.cache.Get(ctx, channel); ok {
			return cached
		}
	}

	latest, err := d.messages.LatestByGroup(ctx, ref.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Warn().Err(err).Str("group_id", ref.ID).Msg("latest group message lookup failed; entry degraded")
		}
		return nil
	}

	message := dto.NewChatMessage(latest)
	if d.cache != nil {
		d.cache.Put(ctx, channel, message)
	}
	return &message
}

func (d *conversationDirectory) directConversations(ctx context.Context, selfID string) ([]dto.Conversation, error) {
	messages, err := d.messages.LatestDirectPerPeer(ctx, selfID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectBranchFailed, err)
	}

	seen := make(map[string]struct{})
	out := make([]dto.Conversation, 0)
	for _, model := range messages {
		message := dto.NewChatMessage(model)
		peer := message.Conversation(selfID).ID
		if peer == "" || peer == selfID {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}

		latest := message
		conversation := dto.Conversation{
			Kind:        dto.ConversationDirect,
			ID:          peer,
			Name:        peer,
			LastMessage: &latest,
		}
		d.applyProfile(ctx, &conversation)
		out = append(out, conversation)
	}
	return out, nil
}

func (d *conversationDirectory) applyProfile(ctx context.Context, conversation *dto.Conversation) {
	if d.roster == nil {
		return
	}
	user, err := d.roster.GetUser(ctx, conversation.ID)
	if err != nil {
		d.logger.Warn().Err(err).Str("peer_id", conversation.ID).Msg("peer profile lookup failed; entry degraded")
		return
	}
	if user.Name != "" {
		conversation.Name = user.Name
	}
	conversation.AvatarURL = user.AvatarURL
}

// DirectoryView is a session's copy of the directory. Refresh results replace it
// wholesale; results older than the newest applied generation are ignored.
type DirectoryView struct {
	generation   uint64
	applied      uint64
	entries      []dto.Conversation
	placeholders []dto.Conversation
}

// NextGeneration reserves the generation number for a new refresh.
func (v *DirectoryView) NextGeneration() uint64 {
	v.generation++
	return v.generation
}

// Replace installs a refresh result. It reports false for stale generations.
func (v *DirectoryView) Replace(entries []dto.Conversation, generation uint64) bool {
	if generation <= v.applied {
		return false
	}
	v.applied = generation
	v.entries = entries

	kept := v.placeholders[:0]
	for _, placeholder := range v.placeholders {
		if !v.hasEntry(placeholder.Ref()) {
			kept = append(kept, placeholder)
		}
	}
	v.placeholders = kept
	return true
}

// AddPlaceholder adds a message-less direct conversation unless one already exists.
func (v *DirectoryView) AddPlaceholder(conversation dto.Conversation) bool {
	if v.Contains(conversation.Ref()) {
		return false
	}
	conversation.Placeholder = true
	conversation.LastMessage = nil
	v.placeholders = append(v.placeholders, conversation)
	return true
}

// Contains reports whether ref is listed, as an entry or a placeholder.
func (v *DirectoryView) Contains(ref dto.ConversationRef) bool {
	if v.hasEntry(ref) {
		return true
	}
	for _, placeholder := range v.placeholders {
		if placeholder.Ref() == ref {
			return true
		}
	}
	return false
}

// List returns entries followed by placeholders.
func (v *DirectoryView) List() []dto.Conversation {
	out := make([]dto.Conversation, 0, len(v.entries)+len(v.placeholders))
	out = append(out, v.entries...)
	out = append(out, v.placeholders...)
	return out
}

func (v *DirectoryView) hasEntry(ref dto.ConversationRef) bool {
	for _, entry := range v.entries {
		if entry.Ref() == ref {
			return true
		}
	}
	return false
}
