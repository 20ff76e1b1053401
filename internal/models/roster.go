package models

import "time"

// User is a CRM operator. Users double as direct-message peers and mention targets.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Email     string    `gorm:"size:255;uniqueIndex" json:"email"`
	AvatarURL string    `gorm:"size:512" json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sector groups users by department; sectors can be mentioned as a whole.
type Sector struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Team is a cross-sector working group that can be mentioned.
type Team struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DealActivity is an entry in a sales deal's activity feed. ParentID links replies.
type DealActivity struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	DealID    string    `gorm:"size:64;index;not null" json:"deal_id"`
	AuthorID  string    `gorm:"size:64;index" json:"author_id"`
	Kind      string    `gorm:"size:32;default:note" json:"kind"`
	Content   string    `gorm:"type:text" json:"content"`
	ParentID  *string   `gorm:"size:64;index" json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
