// Package syncer pulls activities of connected athletes and clubs from Strava
// and stores the ones that are new or changed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"slava/internal/brag"
	"slava/internal/locks"
	"slava/internal/models"
	"slava/internal/slackbot"
	"slava/internal/strava"
)

// StravaAPI is the part of the Strava client the sync engine uses.
type StravaAPI interface {
	ListAthleteActivities(ctx context.Context, token string, opts strava.ListOptions) ([]strava.Activity, error)
	GetActivity(ctx context.Context, token string, id string) (*strava.Activity, error)
	ListClubActivities(ctx context.Context, token string, clubID int64, page, perPage int) ([]strava.ClubActivity, error)
	RefreshToken(ctx context.Context, refreshToken string) (*strava.Token, error)
}

// Bragger posts and maintains activity messages.
type Bragger interface {
	Brag(ctx context.Context, item brag.Braggable) ([]models.ChannelMessage, error)
	Rebrag(ctx context.Context, item brag.Braggable) ([]models.ChannelMessage, error)
	Unbrag(ctx context.Context, item brag.Braggable) error
}

// Config holds pagination and locking settings
type Config struct {
	PageSize int
	MaxPages int
	// LockTTL bounds how long an account lock outlives a crashed holder.
	LockTTL time.Duration
	// LockWait is how long a caller waits for a busy account.
	LockWait time.Duration
}

// DefaultConfig returns default settings
func DefaultConfig() Config {
	return Config{PageSize: 30, MaxPages: 10, LockTTL: 5 * time.Minute, LockWait: 30 * time.Second}
}

// Service syncs activities from Strava
type Service struct {
	db         *gorm.DB
	strava     StravaAPI
	bragger    Bragger
	messengers slackbot.Factory
	locker     locks.Locker
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates a new sync service
func NewService(db *gorm.DB, client StravaAPI, bragger Bragger, messengers slackbot.Factory, locker locks.Locker, cfg Config, log zerolog.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaults.MaxPages
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaults.LockWait
	}
	return &Service{
		db:         db,
		strava:     client,
		bragger:    bragger,
		messengers: messengers,
		locker:     locker,
		cfg:        cfg,
		log:        log.With().Str("component", "syncer").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// exclusive runs fn while holding the account lock under key.
func (s *Service) exclusive(ctx context.Context, key string, fn func() error) error {
	unlock, err := locks.Wait(ctx, s.locker, key, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer unlock()
	return fn()
}

// SyncAndBrag syncs the user's new activities, or only the latest one, and
// brags the oldest unprocessed one, holding the account lock throughout.
func (s *Service) SyncAndBrag(ctx context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error) {
	var changed int
	var posts []models.ChannelMessage
	err := s.exclusive(ctx, locks.UserKey(user.ID), func() error {
		var err error
		if last {
			changed, err = s.SyncLast(ctx, user)
		} else {
			changed, err = s.SyncNew(ctx, user)
		}
		if err != nil {
			return err
		}
		posts, err = s.BragNext(ctx, user)
		return err
	})
	return changed, posts, err
}

// SyncNew fetches the user's activities started after the watermark and
// returns how many records were created or changed. The caller holds the
// account lock.
func (s *Service) SyncNew(ctx context.Context, user *models.User) (int, error) {
	token, err := s.userToken(ctx, user)
	if err != nil {
		return 0, err
	}
	after, err := s.watermark(ctx, user)
	if err != nil {
		return 0, err
	}

	log := s.log.With().Str("user", user.SlackUserID).Time("after", after).Logger()
	log.Debug().Msg("syncing new activities")

	changed := 0
	for page := 1; page <= s.cfg.MaxPages; page++ {
		summaries, err := s.strava.ListAthleteActivities(ctx, token, strava.ListOptions{After: after, Page: page, PerPage: s.cfg.PageSize})
		if err != nil {
			return changed, s.userError(ctx, user, err)
		}
		pagesCounter.WithLabelValues("user").Inc()

		n, err := s.storeSummaries(ctx, user, token, summaries)
		changed += n
		if err != nil {
			return changed, err
		}

		if len(summaries) < s.cfg.PageSize {
			break
		}
	}

	log.Debug().Int("changed", changed).Msg("synced new activities")
	return changed, nil
}

// SyncLast fetches only the most recent activity. The caller holds the
// account lock.
func (s *Service) SyncLast(ctx context.Context, user *models.User) (int, error) {
	token, err := s.userToken(ctx, user)
	if err != nil {
		return 0, err
	}
	summaries, err := s.strava.ListAthleteActivities(ctx, token, strava.ListOptions{Page: 1, PerPage: 1})
	if err != nil {
		return 0, s.userError(ctx, user, err)
	}
	pagesCounter.WithLabelValues("user").Inc()
	return s.storeSummaries(ctx, user, token, summaries)
}

func (s *Service) storeSummaries(ctx context.Context, user *models.User, token string, summaries []strava.Activity) (int, error) {
	changed := 0
	for i := range summaries {
		summary := &summaries[i]
		if summary.Private && !user.PrivateActivities {
			recordsCounter.WithLabelValues("user", "skipped").Inc()
			continue
		}

		detail, err := s.strava.GetActivity(ctx, token, strconv.FormatInt(summary.ID, 10))
		if err != nil {
			return changed, s.userError(ctx, user, err)
		}

		_, updated, err := s.upsertUserActivity(ctx, user, detail)
		if err != nil {
			return changed, err
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

// watermark is the latest of the last bragged start, the latest stored
// start, the connection time and the account creation time.
func (s *Service) watermark(ctx context.Context, user *models.User) (time.Time, error) {
	after := user.CreatedAt
	for _, t := range []*time.Time{user.ActivitiesAt, user.ConnectedToStravaAt} {
		if t != nil && t.After(after) {
			after = *t
		}
	}

	var latest models.UserActivity
	err := s.db.WithContext(ctx).Where("user_id = ?", user.ID).Order("start_date desc").First(&latest).Error
	switch {
	case err == nil:
		if latest.StartDate.After(after) {
			after = latest.StartDate
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return time.Time{}, fmt.Errorf("failed to find latest activity: %w", err)
	}
	return after, nil
}

// upsertUserActivity stores raw and reports whether anything was written.
// A row inserted by another writer between the lookup and the insert is
// treated as found.
func (s *Service) upsertUserActivity(ctx context.Context, user *models.User, raw *strava.Activity) (*models.UserActivity, bool, error) {
	var incoming models.Activity
	incoming.AssignFromStrava(raw)

	db := s.db.WithContext(ctx)
	var existing models.UserActivity
	find := func() error {
		return db.Where("strava_id = ? AND user_id = ? AND team_id = ?", incoming.StravaID, user.ID, user.TeamID).First(&existing).Error
	}

	err := find()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record := &models.UserActivity{Activity: incoming, UserID: user.ID}
		record.TeamID = user.TeamID
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to create activity %s: %w", incoming.StravaID, res.Error)
		}
		if res.RowsAffected > 0 {
			recordsCounter.WithLabelValues("user", "created").Inc()
			return record, true, nil
		}
		err = find()
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query activity %s: %w", incoming.StravaID, err)
	}

	changed := existing.Merge(&incoming)
	if len(changed) == 0 {
		recordsCounter.WithLabelValues("user", "unchanged").Inc()
		return &existing, false, nil
	}
	if err := db.Save(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to update activity %s: %w", incoming.StravaID, err)
	}
	recordsCounter.WithLabelValues("user", "updated").Inc()
	s.log.Debug().Str("activity", existing.StravaID).Strs("fields", changed).Msg("activity changed")
	return &existing, true, nil
}

// SyncActivity refreshes one activity after a webhook and keeps its posts in
// line with it.
func (s *Service) SyncActivity(ctx context.Context, user *models.User, id string) error {
	return s.exclusive(ctx, locks.UserKey(user.ID), func() error {
		return s.syncActivity(ctx, user, id)
	})
}

func (s *Service) syncActivity(ctx context.Context, user *models.User, id string) error {
	token, err := s.userToken(ctx, user)
	if err != nil {
		return err
	}

	raw, err := s.strava.GetActivity(ctx, token, id)
	if err != nil {
		if errors.Is(err, strava.ErrNotFound) {
			return s.deleteActivity(ctx, user, id)
		}
		return s.userError(ctx, user, err)
	}

	record, changed, err := s.upsertUserActivity(ctx, user, raw)
	if err != nil || !changed || len(record.Channels) == 0 {
		return err
	}

	if record.Hidden(user.Policy()) {
		return s.bragger.Unbrag(ctx, record)
	}
	_, err = s.bragger.Rebrag(ctx, record)
	return err
}

// DeleteActivity removes an activity and its posts.
func (s *Service) DeleteActivity(ctx context.Context, user *models.User, id string) error {
	return s.exclusive(ctx, locks.UserKey(user.ID), func() error {
		return s.deleteActivity(ctx, user, id)
	})
}

func (s *Service) deleteActivity(ctx context.Context, user *models.User, id string) error {
	var record models.UserActivity
	err := s.db.WithContext(ctx).Where("strava_id = ? AND user_id = ?", id, user.ID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	if err := s.bragger.Unbrag(ctx, &record); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&record).Error
}

// BragNext brags the user's oldest unprocessed activity. The caller holds the
// account lock.
func (s *Service) BragNext(ctx context.Context, user *models.User) ([]models.ChannelMessage, error) {
	var record models.UserActivity
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND bragged_at IS NULL", user.ID).
		Order("start_date asc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return s.bragger.Brag(ctx, &record)
}

// userToken returns a valid access token, refreshing it when it expired.
func (s *Service) userToken(ctx context.Context, user *models.User) (string, error) {
	if !user.Connected() {
		return "", fmt.Errorf("user %s is not connected to Strava", user.SlackUserID)
	}
	if user.TokenExpiresAt == nil || user.RefreshToken == "" || s.now().Add(time.Minute).Before(*user.TokenExpiresAt) {
		return user.AccessToken, nil
	}

	token, err := s.strava.RefreshToken(ctx, user.RefreshToken)
	if err != nil {
		return "", s.userError(ctx, user, err)
	}
	expires := token.Expiry()
	user.AccessToken = token.AccessToken
	user.RefreshToken = token.RefreshToken
	user.TokenExpiresAt = &expires
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return "", fmt.Errorf("failed to save refreshed token: %w", err)
	}
	return user.AccessToken, nil
}

// userError resets the connection on auth failures and tells the user.
func (s *Service) userError(ctx context.Context, user *models.User, err error) error {
	classify(err)
	if !errors.Is(err, strava.ErrUnauthorized) {
		return err
	}

	s.log.Warn().Err(err).Str("user", user.SlackUserID).Msg("strava rejected token, disconnecting")
	user.Disconnect()
	if serr := s.db.WithContext(ctx).Save(user).Error; serr != nil {
		s.log.Error().Err(serr).Str("user", user.SlackUserID).Msg("failed to reset tokens")
	}

	if team, terr := s.team(ctx, user.TeamID); terr == nil {
		text := "There was an authorization problem with Strava. Please reconnect your account with `/slava connect`."
		if derr := s.messengers(team.Token).DirectMessage(ctx, user.SlackUserID, text); derr != nil {
			s.log.Warn().Err(derr).Str("user", user.SlackUserID).Msg("failed to ask user to reconnect")
		}
	}
	return err
}

func (s *Service) team(ctx context.Context, id any) (*models.Team, error) {
	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &team, nil
}

func classify(err error) {
	switch {
	case errors.Is(err, strava.ErrUnauthorized):
		upstreamErrors.WithLabelValues("unauthorized").Inc()
	case errors.Is(err, strava.ErrNotFound):
		upstreamErrors.WithLabelValues("not_found").Inc()
	case errors.Is(err, strava.ErrRateLimited):
		upstreamErrors.WithLabelValues("rate_limited").Inc()
	default:
		upstreamErrors.WithLabelValues("other").Inc()
	}
}
