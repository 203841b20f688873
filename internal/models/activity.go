package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"slava/internal/strava"
)

// Strava visibility values.
const (
	VisibilityEveryone      = "everyone"
	VisibilityFollowersOnly = "followers_only"
	VisibilityOnlyMe        = "only_me"
)

// ChannelMessage is one Slack post of an activity.
type ChannelMessage struct {
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// VisibilityPolicy is what an owner allows to be posted.
type VisibilityPolicy struct {
	AllowPrivate       bool
	AllowFollowersOnly bool
}

// Activity holds the fields shared by user and club activities. A record is
// unique per (strava_id, team_id, owner).
type Activity struct {
	ID       uuid.UUID `json:"id" db:"id" gorm:"primaryKey;type:uuid"`
	TeamID   uuid.UUID `json:"team_id" db:"team_id" gorm:"type:uuid;index;not null;uniqueIndex:,composite:owner,priority:2"`
	StravaID string    `json:"strava_id" db:"strava_id" gorm:"not null;uniqueIndex:,composite:owner,priority:1"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	Type        string `json:"type" db:"type"`

	// Raw metrics: meters, seconds, meters per second
	Distance           float64 `json:"distance" db:"distance"`
	MovingTime         int     `json:"moving_time" db:"moving_time"`
	ElapsedTime        int     `json:"elapsed_time" db:"elapsed_time"`
	AverageSpeed       float64 `json:"average_speed" db:"average_speed"`
	MaxSpeed           float64 `json:"max_speed" db:"max_speed"`
	TotalElevationGain float64 `json:"total_elevation_gain" db:"total_elevation_gain"`
	AverageHeartrate   float64 `json:"average_heartrate" db:"average_heartrate"`
	MaxHeartrate       float64 `json:"max_heartrate" db:"max_heartrate"`
	Calories           float64 `json:"calories" db:"calories"`
	PRCount            int     `json:"pr_count" db:"pr_count"`

	// StartDateLocal is the athlete's wall clock labelled as UTC.
	StartDate      time.Time `json:"start_date" db:"start_date" gorm:"index"`
	StartDateLocal time.Time `json:"start_date_local" db:"start_date_local"`
	UTCOffset      int       `json:"utc_offset" db:"utc_offset"`
	Timezone       string    `json:"timezone" db:"timezone"`

	Private    bool   `json:"private" db:"private"`
	Visibility string `json:"visibility" db:"visibility"`

	SummaryPolyline string `json:"summary_polyline" db:"summary_polyline"`
	PhotoURL        string `json:"photo_url" db:"photo_url"`
	DeviceName      string `json:"device_name" db:"device_name"`

	BraggedAt *time.Time                          `json:"bragged_at" db:"bragged_at" gorm:"index"`
	Channels  datatypes.JSONSlice[ChannelMessage] `json:"channels" db:"channels"`

	CreatedAt time.Time `json:"created_at" db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" gorm:"autoUpdateTime"`
}

func (a *Activity) BeforeCreate(tx *gorm.DB) error {
	newID(&a.ID)
	return nil
}

// Record lets both activity kinds be handled through their shared fields.
func (a *Activity) Record() *Activity {
	return a
}

// AssignFromStrava copies the upstream fields of a detailed or summary activity.
func (a *Activity) AssignFromStrava(raw *strava.Activity) {
	a.StravaID = strconv.FormatInt(raw.ID, 10)
	a.Name = raw.Name
	a.Description = raw.Description
	a.Type = raw.Type
	a.Distance = raw.Distance
	a.MovingTime = raw.MovingTime
	a.ElapsedTime = raw.ElapsedTime
	a.AverageSpeed = raw.AverageSpeed
	a.MaxSpeed = raw.MaxSpeed
	a.TotalElevationGain = raw.TotalElevationGain
	a.AverageHeartrate = raw.AverageHeartrate
	a.MaxHeartrate = raw.MaxHeartrate
	a.Calories = raw.Calories
	a.PRCount = raw.PRCount
	a.StartDate = raw.StartDate.UTC()
	a.StartDateLocal = raw.StartDateLocal.UTC()
	a.UTCOffset = int(raw.UTCOffset)
	a.Timezone = raw.Timezone
	a.Private = raw.Private
	a.Visibility = raw.Visibility
	a.SummaryPolyline = raw.Map.SummaryPolyline
	if a.SummaryPolyline == "" {
		a.SummaryPolyline = raw.Map.Polyline
	}
	a.PhotoURL = raw.Photos.PrimaryURL()
	a.DeviceName = raw.DeviceName
}

// Merge copies the upstream fields of src into a and returns the names of
// the fields that changed. Identity, ownership and brag state are kept.
func (a *Activity) Merge(src *Activity) []string {
	var changed []string
	set(&changed, "name", &a.Name, src.Name)
	set(&changed, "description", &a.Description, src.Description)
	set(&changed, "type", &a.Type, src.Type)
	set(&changed, "distance", &a.Distance, src.Distance)
	set(&changed, "moving_time", &a.MovingTime, src.MovingTime)
	set(&changed, "elapsed_time", &a.ElapsedTime, src.ElapsedTime)
	set(&changed, "average_speed", &a.AverageSpeed, src.AverageSpeed)
	set(&changed, "max_speed", &a.MaxSpeed, src.MaxSpeed)
	set(&changed, "total_elevation_gain", &a.TotalElevationGain, src.TotalElevationGain)
	set(&changed, "average_heartrate", &a.AverageHeartrate, src.AverageHeartrate)
	set(&changed, "max_heartrate", &a.MaxHeartrate, src.MaxHeartrate)
	set(&changed, "calories", &a.Calories, src.Calories)
	set(&changed, "pr_count", &a.PRCount, src.PRCount)
	setTime(&changed, "start_date", &a.StartDate, src.StartDate)
	setTime(&changed, "start_date_local", &a.StartDateLocal, src.StartDateLocal)
	set(&changed, "utc_offset", &a.UTCOffset, src.UTCOffset)
	set(&changed, "timezone", &a.Timezone, src.Timezone)
	set(&changed, "private", &a.Private, src.Private)
	set(&changed, "visibility", &a.Visibility, src.Visibility)
	set(&changed, "summary_polyline", &a.SummaryPolyline, src.SummaryPolyline)
	set(&changed, "photo_url", &a.PhotoURL, src.PhotoURL)
	set(&changed, "device_name", &a.DeviceName, src.DeviceName)
	return changed
}

func set[T comparable](changed *[]string, name string, dst *T, src T) {
	if *dst != src {
		*dst = src
		*changed = append(*changed, name)
	}
}

func setTime(changed *[]string, name string, dst *time.Time, src time.Time) {
	if !dst.Equal(src) {
		*dst = src
		*changed = append(*changed, name)
	}
}

// Hidden reports whether the policy forbids posting the activity.
func (a *Activity) Hidden(p VisibilityPolicy) bool {
	switch {
	case a.Private && !p.AllowPrivate:
		return true
	case a.Visibility == VisibilityOnlyMe && !p.AllowPrivate:
		return true
	case a.Visibility == VisibilityFollowersOnly && !p.AllowFollowersOnly:
		return true
	}
	return false
}

// Restricted reports whether the activity is not public.
func (a *Activity) Restricted() bool {
	return a.Private || (a.Visibility != "" && a.Visibility != VisibilityEveryone)
}

// Bragged reports whether the activity reached a terminal brag state.
func (a *Activity) Bragged() bool {
	return a.BraggedAt != nil
}

// Equivalent reports whether two records describe the same workout.
func (a *Activity) Equivalent(other *Activity) bool {
	return a.Type == other.Type &&
		a.MovingTime == other.MovingTime &&
		math.Abs(a.Distance-other.Distance) < 1
}

// PostedTo returns the post of the activity in channel, if any.
func (a *Activity) PostedTo(channel string) (ChannelMessage, bool) {
	i := slices.IndexFunc(a.Channels, func(m ChannelMessage) bool { return m.Channel == channel })
	if i < 0 {
		return ChannelMessage{}, false
	}
	return a.Channels[i], true
}

// StravaURL links to the activity page; club feed entries have none.
func (a *Activity) StravaURL() string {
	if _, err := strconv.ParseInt(a.StravaID, 10, 64); err != nil {
		return ""
	}
	return "https://www.strava.com/activities/" + a.StravaID
}

// UserActivity is an activity fetched from a connected athlete
type UserActivity struct {
	Activity
	UserID uuid.UUID `json:"user_id" db:"user_id" gorm:"type:uuid;index;not null;uniqueIndex:,composite:owner,priority:3"`
}

// TableName sets the table name for the UserActivity model
func (UserActivity) TableName() string {
	return "user_activities"
}

// IsFirstSync is always false for athlete activities.
func (a *UserActivity) IsFirstSync() bool {
	return false
}

// ClubActivity is an entry of a club feed
type ClubActivity struct {
	Activity
	ClubID      uuid.UUID `json:"club_id" db:"club_id" gorm:"type:uuid;index;not null;uniqueIndex:,composite:owner,priority:3"`
	AthleteName string    `json:"athlete_name" db:"athlete_name"`
	FirstSync   bool      `json:"first_sync" db:"first_sync"`
}

// TableName sets the table name for the ClubActivity model
func (ClubActivity) TableName() string {
	return "club_activities"
}

// IsFirstSync marks records seen during the club's initial backfill.
func (a *ClubActivity) IsFirstSync() bool {
	return a.FirstSync
}

// AssignFromStravaClub copies a club feed entry. The feed has no ids, so the
// record is keyed on a digest of its content.
func (a *ClubActivity) AssignFromStravaClub(raw *strava.ClubActivity) {
	a.AthleteName = raw.Athlete.Name()
	a.Name = raw.Name
	a.Type = raw.Type
	a.Distance = raw.Distance
	a.MovingTime = raw.MovingTime
	a.ElapsedTime = raw.ElapsedTime
	a.TotalElevationGain = raw.TotalElevationGain
	if raw.MovingTime > 0 {
		a.AverageSpeed = raw.Distance / float64(raw.MovingTime)
	}
	a.Visibility = VisibilityEveryone
	a.StravaID = ClubActivityDigest(raw)
}

// ClubActivityDigest identifies a club feed entry.
func ClubActivityDigest(raw *strava.ClubActivity) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.1f|%d|%d|%.1f",
		raw.Athlete.Name(), raw.Name, raw.Type, raw.Distance, raw.MovingTime, raw.ElapsedTime, raw.TotalElevationGain)))
	return hex.EncodeToString(sum[:])
}
