package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"slava/internal/models"
	"slava/internal/slackbot"
	"slava/internal/strava"
)

// SyncClub reads the club feed. Records found before the club's first sync
// completed are flagged so they are never posted. Later syncs stop paging
// once a page brings nothing new. The caller holds the club's lock.
func (s *Service) SyncClub(ctx context.Context, club *models.Club) (int, error) {
	token, err := s.clubToken(ctx, club)
	if err != nil {
		return 0, err
	}

	firstSync := club.FirstSyncedAt == nil
	log := s.log.With().Int64("club", club.StravaID).Bool("first_sync", firstSync).Logger()

	created := 0
	for page := 1; page <= s.cfg.MaxPages; page++ {
		feed, err := s.strava.ListClubActivities(ctx, token, club.StravaID, page, s.cfg.PageSize)
		if err != nil {
			return created, s.clubError(ctx, club, err)
		}
		pagesCounter.WithLabelValues("club").Inc()

		fresh := 0
		for i := range feed {
			isNew, err := s.upsertClubActivity(ctx, club, &feed[i], firstSync)
			if err != nil {
				return created, err
			}
			if isNew {
				fresh++
			}
		}
		created += fresh

		if len(feed) < s.cfg.PageSize || (!firstSync && fresh == 0) {
			break
		}
	}

	if firstSync {
		now := s.now()
		club.FirstSyncedAt = &now
		if err := s.db.WithContext(ctx).Model(club).Update("first_synced_at", now).Error; err != nil {
			return created, fmt.Errorf("failed to mark club %d synced: %w", club.StravaID, err)
		}
	}

	log.Debug().Int("created", created).Msg("synced club activities")
	return created, nil
}

func (s *Service) upsertClubActivity(ctx context.Context, club *models.Club, raw *strava.ClubActivity, firstSync bool) (bool, error) {
	var incoming models.ClubActivity
	incoming.AssignFromStravaClub(raw)

	db := s.db.WithContext(ctx)
	var existing models.ClubActivity
	find := func() error {
		return db.Where("strava_id = ? AND club_id = ?", incoming.StravaID, club.ID).First(&existing).Error
	}

	err := find()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		incoming.ClubID = club.ID
		incoming.TeamID = club.TeamID
		incoming.FirstSync = firstSync
		incoming.StartDate = s.now()
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&incoming)
		if res.Error != nil {
			return false, fmt.Errorf("failed to create club activity: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			recordsCounter.WithLabelValues("club", "created").Inc()
			return true, nil
		}
		err = find()
	}
	if err != nil {
		return false, fmt.Errorf("failed to query club activity: %w", err)
	}

	incoming.StartDate = existing.StartDate
	if changed := existing.Merge(&incoming.Activity); len(changed) > 0 || existing.AthleteName != incoming.AthleteName {
		existing.AthleteName = incoming.AthleteName
		if err := db.Save(&existing).Error; err != nil {
			return false, fmt.Errorf("failed to update club activity: %w", err)
		}
		recordsCounter.WithLabelValues("club", "updated").Inc()
		return false, nil
	}
	recordsCounter.WithLabelValues("club", "unchanged").Inc()
	return false, nil
}

// BragNextClub brags the club's oldest unprocessed activity.
func (s *Service) BragNextClub(ctx context.Context, club *models.Club) ([]models.ChannelMessage, error) {
	var record models.ClubActivity
	err := s.db.WithContext(ctx).
		Where("club_id = ? AND bragged_at IS NULL", club.ID).
		Order("created_at asc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return s.bragger.Brag(ctx, &record)
}

func (s *Service) clubToken(ctx context.Context, club *models.Club) (string, error) {
	if club.AccessToken == "" {
		return "", fmt.Errorf("club %d has no Strava token", club.StravaID)
	}
	if club.TokenExpiresAt == nil || club.RefreshToken == "" || s.now().Add(time.Minute).Before(*club.TokenExpiresAt) {
		return club.AccessToken, nil
	}

	token, err := s.strava.RefreshToken(ctx, club.RefreshToken)
	if err != nil {
		return "", s.clubError(ctx, club, err)
	}
	expires := token.Expiry()
	club.AccessToken = token.AccessToken
	club.RefreshToken = token.RefreshToken
	club.TokenExpiresAt = &expires
	if err := s.db.WithContext(ctx).Save(club).Error; err != nil {
		return "", fmt.Errorf("failed to save refreshed club token: %w", err)
	}
	return club.AccessToken, nil
}

// clubError turns sync off for clubs Strava no longer serves and says so in
// the club's channel.
func (s *Service) clubError(ctx context.Context, club *models.Club, err error) error {
	classify(err)

	var text string
	switch {
	case errors.Is(err, strava.ErrUnauthorized):
		club.AccessToken = ""
		club.RefreshToken = ""
		club.TokenExpiresAt = nil
		text = fmt.Sprintf("There was an authorization problem with Strava for %s. Please reconnect the club with `/slava clubs connect %d`.", club.Name, club.StravaID)
	case errors.Is(err, strava.ErrNotFound):
		text = fmt.Sprintf("Club %s was not found on Strava, I stopped syncing its activities.", club.Name)
	default:
		return err
	}

	s.log.Warn().Err(err).Int64("club", club.StravaID).Msg("disabling club sync")
	club.SyncActivities = false
	if serr := s.db.WithContext(ctx).Save(club).Error; serr != nil {
		s.log.Error().Err(serr).Int64("club", club.StravaID).Msg("failed to disable club")
	}

	if team, terr := s.team(ctx, club.TeamID); terr == nil {
		if _, perr := s.messengers(team.Token).PostMessage(ctx, club.ChannelID, slackbot.Message{Text: text}); perr != nil {
			s.log.Warn().Err(perr).Int64("club", club.StravaID).Msg("failed to notify club channel")
		}
	}
	return err
}
