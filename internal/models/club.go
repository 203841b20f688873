package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Club is a Strava club whose feed is posted to one Slack channel
type Club struct {
	ID        uuid.UUID `json:"id" db:"id" gorm:"primaryKey;type:uuid"`
	TeamID    uuid.UUID `json:"team_id" db:"team_id" gorm:"type:uuid;index;not null"`
	StravaID  int64     `json:"strava_id" db:"strava_id" gorm:"index;not null"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	LogoURL   string    `json:"logo_url" db:"logo_url"`
	ChannelID string    `json:"channel_id" db:"channel_id" gorm:"not null"`

	// Tokens of the user who connected the club
	ConnectedBy    string     `json:"connected_by" db:"connected_by"`
	AccessToken    string     `json:"-" db:"access_token"`
	RefreshToken   string     `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at" db:"token_expires_at"`

	SyncActivities bool       `json:"sync_activities" db:"sync_activities"`
	FirstSyncedAt  *time.Time `json:"first_synced_at" db:"first_synced_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for the Club model
func (Club) TableName() string {
	return "clubs"
}

func (c *Club) BeforeCreate(tx *gorm.DB) error {
	newID(&c.ID)
	return nil
}

// StravaURL links to the club page.
func (c *Club) StravaURL() string {
	if c.URL == "" {
		return fmt.Sprintf("https://www.strava.com/clubs/%d", c.StravaID)
	}
	return "https://www.strava.com/clubs/" + c.URL
}
