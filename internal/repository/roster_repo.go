package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-crm/internal/models"
)

// RosterRepository lists the users, sectors and teams that can be mentioned or messaged.
type RosterRepository interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	ListSectors(ctx context.Context) ([]models.Sector, error)
	ListTeams(ctx context.Context) ([]models.Team, error)
}

type rosterRepository struct {
	db *gorm.DB
}

// NewRosterRepository constructs a GORM backed roster repository.
func NewRosterRepository(db *gorm.DB) RosterRepository {
	return &rosterRepository{db: db}
}

func (r *rosterRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *rosterRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *rosterRepository) ListSectors(ctx context.Context) ([]models.Sector, error) {
	var sectors []models.Sector
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&sectors).Error; err != nil {
		return nil, err
	}
	return sectors, nil
}

func (r *rosterRepository) ListTeams(ctx context.Context) ([]models.Team, error) {
	var teams []models.Team
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&teams).Error; err != nil {
		return nil, err
	}
	return teams, nil
}
