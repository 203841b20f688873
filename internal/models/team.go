package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"slava/internal/units"
)

// MapsMode controls how a route map is attached to a post.
type MapsMode string

const (
	MapsOff   MapsMode = "off"
	MapsFull  MapsMode = "full"
	MapsThumb MapsMode = "thumb"
)

// ThreadsMode groups posts of the same owner into one Slack thread per period.
type ThreadsMode string

const (
	ThreadsNone    ThreadsMode = "none"
	ThreadsDaily   ThreadsMode = "daily"
	ThreadsWeekly  ThreadsMode = "weekly"
	ThreadsMonthly ThreadsMode = "monthly"
)

var (
	ErrInvalidMaps    = errors.New("invalid maps setting")
	ErrInvalidThreads = errors.New("invalid threads setting")
)

func ParseMapsMode(s string) (MapsMode, error) {
	switch m := MapsMode(s); m {
	case MapsOff, MapsFull, MapsThumb:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMaps, s)
}

func ParseThreadsMode(s string) (ThreadsMode, error) {
	switch m := ThreadsMode(s); m {
	case ThreadsNone, ThreadsDaily, ThreadsWeekly, ThreadsMonthly:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidThreads, s)
}

// Team is a Slack workspace that installed the bot
type Team struct {
	ID              uuid.UUID `json:"id" db:"id" gorm:"primaryKey;type:uuid"`
	SlackTeamID     string    `json:"slack_team_id" db:"slack_team_id" gorm:"uniqueIndex;not null"`
	Name            string    `json:"name" db:"name"`
	Domain          string    `json:"domain" db:"domain"`
	Token           string    `json:"-" db:"token"`
	BotUserID       string    `json:"bot_user_id" db:"bot_user_id"`
	ActivatedUserID string    `json:"activated_user_id" db:"activated_user_id"`
	Active          bool      `json:"active" db:"active" gorm:"index"`

	// Billing
	Subscribed           bool       `json:"subscribed" db:"subscribed"`
	StripeCustomerID     string     `json:"stripe_customer_id" db:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	TrialEndsAt          *time.Time `json:"trial_ends_at" db:"trial_ends_at"`
	ExpiredNotifiedAt    *time.Time `json:"expired_notified_at" db:"expired_notified_at"`
	PastDueNotifiedAt    *time.Time `json:"past_due_notified_at" db:"past_due_notified_at"`
	PurgeAt              *time.Time `json:"purge_at" db:"purge_at"`

	// Display settings
	Units         units.Units    `json:"units" db:"units"`
	Fields        pq.StringArray `json:"fields" db:"fields" gorm:"type:text"`
	Maps          MapsMode       `json:"maps" db:"maps"`
	Threads       ThreadsMode    `json:"threads" db:"threads"`
	RetentionDays int            `json:"retention_days" db:"retention_days"`

	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for the Team model
func (Team) TableName() string {
	return "teams"
}

// NewTeam returns an active team on a trial with default display settings.
func NewTeam(slackTeamID, name, token string, trial time.Duration) *Team {
	trialEnds := time.Now().Add(trial)
	return &Team{
		SlackTeamID: slackTeamID,
		Name:        name,
		Token:       token,
		Active:      true,
		TrialEndsAt: &trialEnds,
		Units:       units.Imperial,
		Maps:        MapsFull,
		Threads:     ThreadsNone,
	}
}

func (t *Team) BeforeCreate(tx *gorm.DB) error {
	newID(&t.ID)
	return nil
}

// SubscriptionExpired is true once an unsubscribed team's trial has ended.
func (t *Team) SubscriptionExpired() bool {
	if t.Subscribed {
		return false
	}
	return t.TrialEndsAt != nil && time.Now().After(*t.TrialEndsAt)
}

// IsAdmin reports whether slackUserID installed the bot.
func (t *Team) IsAdmin(slackUserID string) bool {
	return t.ActivatedUserID != "" && t.ActivatedUserID == slackUserID
}

// DisplayUnits falls back to miles when unset.
func (t *Team) DisplayUnits() units.Units {
	if t.Units == "" {
		return units.Imperial
	}
	return t.Units
}

func (t *Team) String() string {
	if t.Name == "" {
		return t.SlackTeamID
	}
	return fmt.Sprintf("%s (%s)", t.Name, t.SlackTeamID)
}
