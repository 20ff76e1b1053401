package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
	"github.com/noah-isme/gema-crm/internal/repository"
)

// ErrGroupNameEmpty indicates a group name that sanitised to nothing.
var ErrGroupNameEmpty = errors.New("group name empty after sanitization")

// GroupService creates group conversations.
type GroupService interface {
	Create(ctx context.Context, creatorID string, payload dto.ChatGroupCreateRequest) (dto.Conversation, error)
}

type groupService struct {
	groups    repository.GroupRepository
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewGroupService constructs the group service.
func NewGroupService(groups repository.GroupRepository, validator *validator.Validate, logger zerolog.Logger) GroupService {
	return &groupService{
		groups:    groups,
		validator: validator,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "group_service").Logger(),
	}
}

// Create stores the group with its creator as a member and returns its directory entry.
func (s *groupService) Create(ctx context.Context, creatorID string, payload dto.ChatGroupCreateRequest) (dto.Conversation, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.Conversation{}, err
	}

	name := strings.TrimSpace(s.sanitizer.Sanitize(payload.Name))
	if name == "" {
		return dto.Conversation{}, ErrGroupNameEmpty
	}

	group := models.ChatGroup{
		Name:      name,
		AvatarURL: strings.TrimSpace(payload.AvatarURL),
		CreatedBy: creatorID,
	}
	members := make([]string, 0, len(payload.MemberIDs))
	for _, id := range payload.MemberIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			members = append(members, trimmed)
		}
	}

	if err := s.groups.Create(ctx, &group, members); err != nil {
		return dto.Conversation{}, fmt.Errorf("create group: %w", err)
	}

	s.logger.Info().Str("group_id", group.ID).Int("members", len(members)).Msg("chat group created")
	return dto.Conversation{
		Kind:      dto.ConversationGroup,
		ID:        group.ID,
		Name:      group.Name,
		AvatarURL: group.AvatarURL,
		CreatedBy: group.CreatedBy,
	}, nil
}
