package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/billing"
	"slava/internal/models"
	"slava/internal/slackbot"
)

// TeamConfig holds the lifecycle periods of a team
type TeamConfig struct {
	GracePeriod  time.Duration // between the expiry notice and deactivation
	PurgeDelay   time.Duration // between deactivation and data removal
	SubscribeURL string
}

// DefaultTeamConfig returns default lifecycle periods
func DefaultTeamConfig() TeamConfig {
	return TeamConfig{
		GracePeriod: 7 * 24 * time.Hour,
		PurgeDelay:  30 * 24 * time.Hour,
	}
}

// TeamService handles subscriptions, trials and data retention of teams
type TeamService struct {
	db         *gorm.DB
	billing    billing.Provider
	messengers slackbot.Factory
	cfg        TeamConfig
	log        zerolog.Logger
	now        func() time.Time
}

// NewTeamService creates a new TeamService
func NewTeamService(db *gorm.DB, provider billing.Provider, messengers slackbot.Factory, cfg TeamConfig, log zerolog.Logger) *TeamService {
	return &TeamService{
		db:         db,
		billing:    provider,
		messengers: messengers,
		cfg:        cfg,
		log:        log.With().Str("component", "teams").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CheckSubscription reconciles a subscribed team with its billing state.
// Past due teams are told once; lapsed subscriptions are downgraded.
func (s *TeamService) CheckSubscription(ctx context.Context, team *models.Team) error {
	if !team.Subscribed || team.StripeSubscriptionID == "" {
		return nil
	}

	sub, err := s.billing.Subscription(ctx, team.StripeSubscriptionID)
	if err != nil {
		return err
	}

	now := s.now()
	switch {
	case sub.Status == billing.StatusPastDue:
		if team.PastDueNotifiedAt != nil {
			return nil
		}
		team.PastDueNotifiedAt = &now
		s.notify(ctx, team, fmt.Sprintf("Your subscription is past due. Please update your payment details%s.", s.subscribeLink(team)))

	case sub.Status.Lapsed():
		s.log.Info().Str("team", team.String()).Str("status", string(sub.Status)).Msg("subscription lapsed")
		team.Subscribed = false
		team.StripeSubscriptionID = ""
		team.PastDueNotifiedAt = nil
		team.TrialEndsAt = &now
		s.notify(ctx, team, fmt.Sprintf("Your subscription was %s. Resubscribe to keep posting activities%s.", sub.Status, s.subscribeLink(team)))

	default:
		if team.PastDueNotifiedAt == nil {
			return nil
		}
		team.PastDueNotifiedAt = nil
	}

	return s.db.WithContext(ctx).Save(team).Error
}

// CheckTrial tells a team once that its trial ended and deactivates it after
// the grace period.
func (s *TeamService) CheckTrial(ctx context.Context, team *models.Team) error {
	if !team.Active || !team.SubscriptionExpired() {
		return nil
	}

	now := s.now()
	switch {
	case team.ExpiredNotifiedAt == nil:
		team.ExpiredNotifiedAt = &now
		s.notify(ctx, team, fmt.Sprintf("Your trial has expired and activities are no longer posted. Subscribe to continue%s.", s.subscribeLink(team)))
	case now.Sub(*team.ExpiredNotifiedAt) > s.cfg.GracePeriod:
		s.log.Info().Str("team", team.String()).Msg("deactivating expired team")
		s.markInactive(team)
	default:
		return nil
	}

	return s.db.WithContext(ctx).Save(team).Error
}

// Deactivate stops all work for a team and schedules its data for removal.
func (s *TeamService) Deactivate(ctx context.Context, team *models.Team) error {
	if !team.Active {
		return nil
	}
	s.markInactive(team)
	return s.db.WithContext(ctx).Save(team).Error
}

func (s *TeamService) markInactive(team *models.Team) {
	purgeAt := s.now().Add(s.cfg.PurgeDelay)
	team.Active = false
	team.PurgeAt = &purgeAt
}

// Prune removes activities older than the team's retention.
func (s *TeamService) Prune(ctx context.Context, team *models.Team) (int64, error) {
	if team.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -team.RetentionDays)
	db := s.db.WithContext(ctx)

	users := db.Where("team_id = ? AND start_date < ?", team.ID, cutoff).Delete(&models.UserActivity{})
	if users.Error != nil {
		return 0, fmt.Errorf("failed to prune user activities: %w", users.Error)
	}
	clubs := db.Where("team_id = ? AND start_date < ?", team.ID, cutoff).Delete(&models.ClubActivity{})
	if clubs.Error != nil {
		return users.RowsAffected, fmt.Errorf("failed to prune club activities: %w", clubs.Error)
	}

	pruned := users.RowsAffected + clubs.RowsAffected
	if pruned > 0 {
		s.log.Info().Str("team", team.String()).Int64("pruned", pruned).Msg("pruned activities")
	}
	return pruned, nil
}

// Purge deletes inactive teams whose purge date passed, with all their data.
func (s *TeamService) Purge(ctx context.Context) (int, error) {
	var teams []models.Team
	if err := s.db.WithContext(ctx).Where("active = ? AND purge_at < ?", false, s.now()).Find(&teams).Error; err != nil {
		return 0, err
	}

	purged := 0
	var errs []error
	for i := range teams {
		team := &teams[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, model := range []any{&models.UserActivity{}, &models.ClubActivity{}, &models.Club{}, &models.User{}} {
				if err := tx.Where("team_id = ?", team.ID).Delete(model).Error; err != nil {
					return err
				}
			}
			return tx.Delete(team).Error
		})
		if err != nil {
			s.log.Error().Err(err).Str("team", team.String()).Msg("failed to purge team")
			errs = append(errs, err)
			continue
		}
		s.log.Info().Str("team", team.String()).Msg("purged team")
		purged++
	}
	return purged, errors.Join(errs...)
}

func (s *TeamService) subscribeLink(team *models.Team) string {
	if s.cfg.SubscribeURL == "" {
		return ""
	}
	return fmt.Sprintf(" at %s?team_id=%s", s.cfg.SubscribeURL, team.SlackTeamID)
}

func (s *TeamService) notify(ctx context.Context, team *models.Team, text string) {
	if team.ActivatedUserID == "" {
		return
	}
	if err := s.messengers(team.Token).DirectMessage(ctx, team.ActivatedUserID, text); err != nil {
		s.log.Warn().Err(err).Str("team", team.String()).Msg("failed to notify team admin")
	}
}
