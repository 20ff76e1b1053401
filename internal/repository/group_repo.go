package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-crm/internal/models"
)

// GroupRepository exposes group records and their memberships.
type GroupRepository interface {
	Create(ctx context.Context, group *models.ChatGroup, memberIDs []string) error
	Get(ctx context.Context, id string) (models.ChatGroup, error)
	ListMemberships(ctx context.Context, userID string) ([]models.ChatGroupMember, error)
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

type groupRepository struct {
	db *gorm.DB
}

// NewGroupRepository constructs a GORM backed group repository.
func NewGroupRepository(db *gorm.DB) GroupRepository {
	return &groupRepository{db: db}
}

func (r *groupRepository) Create(ctx context.Context, group *models.ChatGroup, memberIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		members := make([]models.ChatGroupMember, 0, len(memberIDs)+1)
		seen := make(map[string]struct{}, len(memberIDs)+1)
		for _, id := range append([]string{group.CreatedBy}, memberIDs...) {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, models.ChatGroupMember{GroupID: group.ID, UserID: id})
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
}

func (r *groupRepository) Get(ctx context.Context, id string) (models.ChatGroup, error) {
	var group models.ChatGroup
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&group).Error; err != nil {
		return models.ChatGroup{}, err
	}
	return group, nil
}

// ListMemberships returns the caller's membership rows, most recently active group first.
func (r *groupRepository) ListMemberships(ctx context.Context, userID string) ([]models.ChatGroupMember, error) {
	var members []models.ChatGroupMember
	err := r.db.WithContext(ctx).
		Model(&models.ChatGroupMember{}).
		Select("chat_group_members.*").
		Joins("JOIN chat_groups ON chat_groups.id = chat_group_members.group_id").
		Where("chat_group_members.user_id = ?", userID).
		Order("chat_groups.updated_at DESC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *groupRepository) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatGroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
