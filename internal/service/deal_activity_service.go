package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/dto"
	"github.com/noah-isme/gema-crm/internal/models"
	"github.com/noah-isme/gema-crm/internal/repository"
)

var (
	// ErrActivityParentInvalid indicates a reply to an activity of another deal or a missing one.
	ErrActivityParentInvalid = errors.New("parent activity not found on this deal")
	// ErrActivityContentEmpty indicates content that sanitised to nothing.
	ErrActivityContentEmpty = errors.New("activity content empty after sanitization")
)

// DealActivityService exposes a deal's activity feed as threads.
type DealActivityService interface {
	List(ctx context.Context, dealID string) ([]dto.DealActivityThread, error)
	Create(ctx context.Context, dealID, authorID string, payload dto.DealActivityCreateRequest) (dto.DealActivityResponse, error)
}

type dealActivityService struct {
	repo      repository.DealActivityRepository
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewDealActivityService constructs the deal activity service.
func NewDealActivityService(repo repository.DealActivityRepository, validator *validator.Validate, logger zerolog.Logger) DealActivityService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &dealActivityService{
		repo:      repo,
		validator: validator,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "deal_activity_service").Logger(),
	}
}

func (s *dealActivityService) List(ctx context.Context, dealID string) ([]dto.DealActivityThread, error) {
	items, err := s.repo.ListByDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("list deal activity: %w", err)
	}

	responses := make([]dto.DealActivityResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, dto.NewDealActivityResponse(item))
	}

	threads := BuildThreads(responses)
	out := make([]dto.DealActivityThread, 0, len(threads))
	for _, thread := range threads {
		out = append(out, dto.DealActivityThread{Root: thread.Root, Replies: thread.Replies})
	}
	return out, nil
}

func (s *dealActivityService) Create(ctx context.Context, dealID, authorID string, payload dto.DealActivityCreateRequest) (dto.DealActivityResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.DealActivityResponse{}, err
	}

	content := strings.TrimSpace(s.sanitizer.Sanitize(payload.Content))
	if content == "" {
		return dto.DealActivityResponse{}, ErrActivityContentEmpty
	}

	kind := payload.Kind
	if kind == "" {
		kind = "note"
	}

	activity := models.DealActivity{
		DealID:   dealID,
		AuthorID: authorID,
		Kind:     kind,
		Content:  content,
	}

	if parentID := strings.TrimSpace(payload.ParentID); parentID != "" {
		root, err := s.threadRoot(ctx, dealID, parentID)
		if err != nil {
			return dto.DealActivityResponse{}, err
		}
		activity.ParentID = &root
	}

	if err := s.repo.Create(ctx, &activity); err != nil {
		return dto.DealActivityResponse{}, fmt.Errorf("create deal activity: %w", err)
	}

	s.logger.Info().Str("deal_id", dealID).Str("activity_id", activity.ID).Msg("deal activity recorded")
	return dto.NewDealActivityResponse(activity), nil
}

// threadRoot resolves parentID to the root of its thread so stored replies are one level deep.
func (s *dealActivityService) threadRoot(ctx context.Context, dealID, parentID string) (string, error) {
	current := parentID
	for hops := 0; hops < maxThreadHops; hops++ {
		parent, err := s.repo.GetByID(ctx, current)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return "", ErrActivityParentInvalid
			}
			return "", fmt.Errorf("load parent activity: %w", err)
		}
		if parent.DealID != dealID {
			return "", ErrActivityParentInvalid
		}
		if parent.ParentID == nil || *parent.ParentID == "" {
			return parent.ID, nil
		}
		current = *parent.ParentID
	}
	return "", ErrActivityParentInvalid
}
