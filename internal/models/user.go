package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// User is a Slack user who may connect a Strava account
type User struct {
	ID          uuid.UUID `json:"id" db:"id" gorm:"primaryKey;type:uuid"`
	TeamID      uuid.UUID `json:"team_id" db:"team_id" gorm:"type:uuid;index;not null"`
	SlackUserID string    `json:"slack_user_id" db:"slack_user_id" gorm:"index;not null"`
	UserName    string    `json:"user_name" db:"user_name"`
	IsAdmin     bool      `json:"is_admin" db:"is_admin"`

	// Strava connection
	AthleteID           int64      `json:"athlete_id" db:"athlete_id" gorm:"index"`
	AthleteName         string     `json:"athlete_name" db:"athlete_name"`
	AccessToken         string     `json:"-" db:"access_token"`
	RefreshToken        string     `json:"-" db:"refresh_token"`
	TokenExpiresAt      *time.Time `json:"token_expires_at" db:"token_expires_at"`
	ConnectedToStravaAt *time.Time `json:"connected_to_strava_at" db:"connected_to_strava_at"`

	// Policy
	PrivateActivities       bool           `json:"private_activities" db:"private_activities"`
	FollowersOnlyActivities bool           `json:"followers_only_activities" db:"followers_only_activities"`
	SyncActivities          bool           `json:"sync_activities" db:"sync_activities"`
	DisabledChannels        pq.StringArray `json:"disabled_channels" db:"disabled_channels" gorm:"type:text"`

	// ActivitiesAt is the start date of the last bragged activity.
	ActivitiesAt *time.Time `json:"activities_at" db:"activities_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for the User model
func (User) TableName() string {
	return "users"
}

// NewUser returns a user with default visibility policy.
func NewUser(teamID uuid.UUID, slackUserID, userName string) *User {
	return &User{
		TeamID:                  teamID,
		SlackUserID:             slackUserID,
		UserName:                userName,
		FollowersOnlyActivities: true,
		SyncActivities:          true,
	}
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	newID(&u.ID)
	return nil
}

// Connected reports whether the user holds Strava tokens.
func (u *User) Connected() bool {
	return u.AccessToken != ""
}

// Policy is the user's visibility policy.
func (u *User) Policy() VisibilityPolicy {
	return VisibilityPolicy{
		AllowPrivate:       u.PrivateActivities,
		AllowFollowersOnly: u.FollowersOnlyActivities,
	}
}

// ChannelDisabled reports whether posting to channelID was turned off.
func (u *User) ChannelDisabled(channelID string) bool {
	return slices.Contains(u.DisabledChannels, channelID)
}

// Disconnect forgets the Strava connection.
func (u *User) Disconnect() {
	u.AccessToken = ""
	u.RefreshToken = ""
	u.TokenExpiresAt = nil
	u.ConnectedToStravaAt = nil
}

// Mention is the Slack markup for the user.
func (u *User) Mention() string {
	return "<@" + u.SlackUserID + ">"
}
