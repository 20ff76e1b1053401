package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/models"
)

// DealActivityRepository stores the activity feed attached to sales deals.
type DealActivityRepository interface {
	Create(ctx context.Context, activity *models.DealActivity) error
	GetByID(ctx context.Context, id string) (models.DealActivity, error)
	ListByDeal(ctx context.Context, dealID string) ([]models.DealActivity, error)
}

type dealActivityRepository struct {
	db *gorm.DB
}

// NewDealActivityRepository constructs a deal activity repository.
func NewDealActivityRepository(db *gorm.DB) DealActivityRepository {
	return &dealActivityRepository{db: db}
}

func (r *dealActivityRepository) Create(ctx context.Context, activity *models.DealActivity) error {
	if strings.TrimSpace(activity.ID) == "" {
		activity.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(activity).Error
}

func (r *dealActivityRepository) GetByID(ctx context.Context, id string) (models.DealActivity, error) {
	var activity models.DealActivity
	if err := r.db.WithContext(ctx).First(&activity, "id = ?", id).Error; err != nil {
		return models.DealActivity{}, err
	}
	return activity, nil
}

func (r *dealActivityRepository) ListByDeal(ctx context.Context, dealID string) ([]models.DealActivity, error) {
	var items []models.DealActivity
	err := r.db.WithContext(ctx).
		Where("deal_id = ?", dealID).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
