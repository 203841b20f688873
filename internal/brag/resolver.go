package brag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/models"
	"slava/internal/slackbot"
)

// DestinationResolver answers the owner-specific questions of a brag.
type DestinationResolver interface {
	Kind() string
	Team() *models.Team
	Policy() models.VisibilityPolicy
	Owner() string
	Destinations(ctx context.Context, m slackbot.Messenger) ([]string, error)
	PrivatelyBragged(ctx context.Context, a *models.Activity) (bool, error)
	PriorPosts(ctx context.Context, a *models.Activity, from, to time.Time) ([]models.Activity, error)
	Medal(ctx context.Context, a *models.Activity) string
	Disable(ctx context.Context, m slackbot.Messenger, channel string, cause error) error
	AfterPost(ctx context.Context, a *models.Activity) error
}

var medals = []string{":first_place_medal:", ":second_place_medal:", ":third_place_medal:"}

type userResolver struct {
	db   *gorm.DB
	log  zerolog.Logger
	team *models.Team
	user *models.User
}

func (r *userResolver) Kind() string                    { return "user" }
func (r *userResolver) Team() *models.Team              { return r.team }
func (r *userResolver) Policy() models.VisibilityPolicy { return r.user.Policy() }
func (r *userResolver) Owner() string                   { return r.user.Mention() }

// Destinations are the bot's channels the user is a member of. Channels that
// are gone are disabled for the user and left out.
func (r *userResolver) Destinations(ctx context.Context, m slackbot.Messenger) ([]string, error) {
	channels, err := m.BotChannels(ctx)
	if err != nil {
		return nil, err
	}

	var destinations []string
	for _, ch := range channels {
		if r.user.ChannelDisabled(ch) {
			continue
		}
		members, err := m.ChannelMembers(ctx, ch)
		if err != nil {
			if slackbot.IsWorkspaceGone(err) || !slackbot.IsDestinationGone(err) {
				return nil, err
			}
			if derr := r.Disable(ctx, m, ch, err); derr != nil {
				r.log.Error().Err(derr).Str("channel", ch).Msg("failed to disable channel")
			}
			continue
		}
		if slices.Contains(members, r.user.SlackUserID) {
			destinations = append(destinations, ch)
		}
	}
	return destinations, nil
}

// PrivatelyBragged finds an equivalent restricted activity of the same user
// that was processed without being posted.
func (r *userResolver) PrivatelyBragged(ctx context.Context, a *models.Activity) (bool, error) {
	var rows []models.UserActivity
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND id <> ?", r.user.ID, a.ID).
		Where("type = ? AND moving_time = ?", a.Type, a.MovingTime).
		Where("bragged_at IS NOT NULL").
		Where("private = ? OR visibility <> ?", true, models.VisibilityEveryone).
		Find(&rows).Error
	if err != nil {
		return false, err
	}
	for i := range rows {
		if rows[i].Equivalent(a) && len(rows[i].Channels) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *userResolver) PriorPosts(ctx context.Context, a *models.Activity, from, to time.Time) ([]models.Activity, error) {
	var rows []models.UserActivity
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND id <> ?", r.user.ID, a.ID).
		Where("start_date_local >= ? AND start_date_local < ?", from, to).
		Where("bragged_at IS NOT NULL").
		Order("start_date_local desc").
		Limit(25).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Activity, len(rows))
	for i := range rows {
		out[i] = rows[i].Activity
	}
	return out, nil
}

// Medal ranks the user's weekly distance for the activity type among
// teammates. Solo weeks get no medal.
func (r *userResolver) Medal(ctx context.Context, a *models.Activity) string {
	if a.StartDateLocal.IsZero() || a.Distance <= 0 {
		return ""
	}
	from := weekStart(a.StartDateLocal)

	var totals []struct {
		UserID string
		Total  float64
	}
	err := r.db.WithContext(ctx).Model(&models.UserActivity{}).
		Select("user_id, SUM(distance) AS total").
		Where("team_id = ? AND type = ?", r.team.ID, a.Type).
		Where("start_date_local >= ? AND start_date_local < ?", from, from.AddDate(0, 0, 7)).
		Where("bragged_at IS NOT NULL OR id = ?", a.ID).
		Group("user_id").
		Scan(&totals).Error
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to rank weekly distance")
		return ""
	}
	if len(totals) < 2 {
		return ""
	}

	sort.SliceStable(totals, func(i, j int) bool { return totals[i].Total > totals[j].Total })
	for i, t := range totals {
		if t.UserID == r.user.ID.String() && i < len(medals) {
			return medals[i]
		}
	}
	return ""
}

func (r *userResolver) Disable(ctx context.Context, m slackbot.Messenger, channel string, cause error) error {
	if r.user.ChannelDisabled(channel) {
		return nil
	}
	r.user.DisabledChannels = append(r.user.DisabledChannels, channel)
	if err := r.db.WithContext(ctx).Model(r.user).Update("disabled_channels", r.user.DisabledChannels).Error; err != nil {
		return fmt.Errorf("failed to disable channel %s for %s: %w", channel, r.user.SlackUserID, err)
	}
	notifyAdmin(ctx, m, r.team, r.log, fmt.Sprintf(
		"I can no longer post activities of %s to <#%s> (%s), so I stopped trying.", r.user.Mention(), channel, cause))
	return nil
}

func (r *userResolver) AfterPost(ctx context.Context, a *models.Activity) error {
	if r.user.ActivitiesAt != nil && !a.StartDate.After(*r.user.ActivitiesAt) {
		return nil
	}
	at := a.StartDate
	r.user.ActivitiesAt = &at
	return r.db.WithContext(ctx).Model(r.user).Update("activities_at", at).Error
}

type clubResolver struct {
	db   *gorm.DB
	log  zerolog.Logger
	team *models.Team
	club *models.Club
}

func (r *clubResolver) Kind() string       { return "club" }
func (r *clubResolver) Team() *models.Team { return r.team }
func (r *clubResolver) Owner() string      { return "" }

// Club feeds carry only public activities.
func (r *clubResolver) Policy() models.VisibilityPolicy {
	return models.VisibilityPolicy{AllowPrivate: false, AllowFollowersOnly: false}
}

func (r *clubResolver) Destinations(context.Context, slackbot.Messenger) ([]string, error) {
	if !r.club.SyncActivities || r.club.ChannelID == "" {
		return nil, nil
	}
	return []string{r.club.ChannelID}, nil
}

// PrivatelyBragged finds a connected teammate's restricted activity that the
// club feed entry mirrors.
func (r *clubResolver) PrivatelyBragged(ctx context.Context, a *models.Activity) (bool, error) {
	var rows []models.UserActivity
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND type = ? AND moving_time = ?", r.team.ID, a.Type, a.MovingTime).
		Where("bragged_at IS NOT NULL").
		Where("private = ? OR visibility <> ?", true, models.VisibilityEveryone).
		Find(&rows).Error
	if err != nil {
		return false, err
	}
	for i := range rows {
		if rows[i].Equivalent(a) && len(rows[i].Channels) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *clubResolver) PriorPosts(ctx context.Context, a *models.Activity, from, to time.Time) ([]models.Activity, error) {
	var rows []models.ClubActivity
	err := r.db.WithContext(ctx).
		Where("club_id = ? AND id <> ?", r.club.ID, a.ID).
		Where("start_date >= ? AND start_date < ?", from, to).
		Where("bragged_at IS NOT NULL").
		Order("start_date desc").
		Limit(25).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Activity, len(rows))
	for i := range rows {
		out[i] = rows[i].Activity
	}
	return out, nil
}

func (r *clubResolver) Medal(context.Context, *models.Activity) string { return "" }

func (r *clubResolver) Disable(ctx context.Context, m slackbot.Messenger, channel string, cause error) error {
	if !r.club.SyncActivities {
		return nil
	}
	r.club.SyncActivities = false
	if err := r.db.WithContext(ctx).Model(r.club).Update("sync_activities", false).Error; err != nil {
		return fmt.Errorf("failed to disable club %d: %w", r.club.StravaID, err)
	}
	notifyAdmin(ctx, m, r.team, r.log, fmt.Sprintf(
		"I can no longer post activities of %s to <#%s> (%s), so I stopped syncing the club.", r.club.Name, channel, cause))
	return nil
}

func (r *clubResolver) AfterPost(context.Context, *models.Activity) error { return nil }

func notifyAdmin(ctx context.Context, m slackbot.Messenger, team *models.Team, log zerolog.Logger, text string) {
	if team.ActivatedUserID == "" {
		return
	}
	if err := m.DirectMessage(ctx, team.ActivatedUserID, text); err != nil {
		log.Warn().Err(err).Str("team", team.SlackTeamID).Msg("failed to notify team admin")
	}
}

// resolve loads the owner and team of an item.
func (s *Service) resolve(ctx context.Context, item Braggable) (DestinationResolver, error) {
	db := s.db.WithContext(ctx)
	var team models.Team

	switch v := item.(type) {
	case *models.UserActivity:
		var user models.User
		if err := db.First(&user, "id = ?", v.UserID).Error; err != nil {
			return nil, fmt.Errorf("failed to load user of activity %s: %w", v.StravaID, err)
		}
		if err := db.First(&team, "id = ?", user.TeamID).Error; err != nil {
			return nil, fmt.Errorf("failed to load team of user %s: %w", user.SlackUserID, err)
		}
		return &userResolver{db: s.db, log: s.log, team: &team, user: &user}, nil

	case *models.ClubActivity:
		var club models.Club
		if err := db.First(&club, "id = ?", v.ClubID).Error; err != nil {
			return nil, fmt.Errorf("failed to load club of activity %s: %w", v.StravaID, err)
		}
		if err := db.First(&team, "id = ?", club.TeamID).Error; err != nil {
			return nil, fmt.Errorf("failed to load team of club %d: %w", club.StravaID, err)
		}
		return &clubResolver{db: s.db, log: s.log, team: &team, club: &club}, nil
	}
	return nil, errors.New("unsupported activity kind")
}

func weekStart(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// bucket is the period a post is threaded in.
func bucket(mode models.ThreadsMode, t time.Time) (time.Time, time.Time, bool) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	switch mode {
	case models.ThreadsDaily:
		return day, day.AddDate(0, 0, 1), true
	case models.ThreadsWeekly:
		from := weekStart(t)
		return from, from.AddDate(0, 0, 7), true
	case models.ThreadsMonthly:
		from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return from, from.AddDate(0, 1, 0), true
	}
	return time.Time{}, time.Time{}, false
}
