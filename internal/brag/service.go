// Package brag decides whether, where and how an activity is posted to Slack,
// and keeps those posts in sync with the activity afterwards.
package brag

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"slava/internal/maps"
	"slava/internal/models"
	"slava/internal/render"
	"slava/internal/slackbot"
)

// Braggable is implemented by *models.UserActivity and *models.ClubActivity.
type Braggable interface {
	Record() *models.Activity
	IsFirstSync() bool
}

// Config tunes the suppression rules.
type Config struct {
	// DuplicateWindow bounds how far back an equivalent post suppresses a new one.
	DuplicateWindow time.Duration
	// PrivateFirst evaluates the privately-bragged rule before duplicates.
	PrivateFirst bool
}

func DefaultConfig() Config {
	return Config{DuplicateWindow: 24 * time.Hour}
}

// Service posts, updates and deletes activity messages
type Service struct {
	db         *gorm.DB
	messengers slackbot.Factory
	maps       maps.Provider
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewService creates a new brag service
func NewService(db *gorm.DB, messengers slackbot.Factory, mapProvider maps.Provider, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		messengers: messengers,
		maps:       mapProvider,
		cfg:        cfg,
		log:        log.With().Str("component", "brag").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Brag posts an unprocessed activity to each of its destinations and returns
// the posts. An activity is claimed before it is posted, so a record is posted
// at most once; an empty result means it was skipped or already processed.
func (s *Service) Brag(ctx context.Context, item Braggable) ([]models.ChannelMessage, error) {
	a := item.Record()
	if a.Bragged() {
		return nil, nil
	}

	r, err := s.resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("kind", r.Kind()).Str("activity", a.StravaID).Str("team", r.Team().SlackTeamID).Logger()

	if a.Hidden(r.Policy()) {
		log.Debug().Msg("activity is hidden, skipping")
		return nil, s.skip(ctx, item, r, "hidden")
	}
	if item.IsFirstSync() {
		log.Debug().Msg("activity came with the first club sync, skipping")
		return nil, s.skip(ctx, item, r, "first_sync")
	}

	m := s.messengers(r.Team().Token)
	destinations, err := r.Destinations(ctx, m)
	if err != nil {
		if !slackbot.IsDestinationGone(err) {
			return nil, fmt.Errorf("failed to resolve destinations: %w", err)
		}
		// left unclaimed so it is picked up again if the workspace comes back
		log.Warn().Err(err).Msg("workspace is gone, skipping")
		outcomesCounter.WithLabelValues(r.Kind(), "gone").Inc()
		return nil, nil
	}

	if s.cfg.PrivateFirst {
		if skip, err := s.skipPrivatelyBragged(ctx, item, r); skip || err != nil {
			return nil, err
		}
	}

	fresh, err := s.withoutDuplicates(ctx, a, r, destinations)
	if err != nil {
		return nil, err
	}
	if len(destinations) > 0 && len(fresh) == 0 {
		log.Debug().Msg("activity was already posted in every channel, skipping")
		return nil, s.skip(ctx, item, r, "duplicate")
	}

	if !s.cfg.PrivateFirst {
		if skip, err := s.skipPrivatelyBragged(ctx, item, r); skip || err != nil {
			return nil, err
		}
	}

	msg, err := s.render(ctx, a, r)
	if err != nil {
		return nil, err
	}

	claimed, err := s.claim(ctx, item)
	if err != nil || !claimed {
		return nil, err
	}

	var posted []models.ChannelMessage
	for _, channel := range fresh {
		threadTS := s.threadParent(ctx, a, r, channel)
		out := msg
		out.ThreadTS = threadTS

		ts, err := m.PostMessage(ctx, channel, out)
		if err != nil {
			if slackbot.IsDestinationGone(err) {
				s.disable(ctx, r, m, channel, err)
				continue
			}
			if perr := s.persist(ctx, item, posted); perr != nil {
				log.Error().Err(perr).Msg("failed to save partial posts")
			}
			return posted, err
		}
		messagesCounter.WithLabelValues("post").Inc()
		posted = append(posted, models.ChannelMessage{Channel: channel, TS: ts, ThreadTS: threadTS})
	}

	if err := s.persist(ctx, item, posted); err != nil {
		return posted, err
	}
	if len(posted) > 0 {
		if err := r.AfterPost(ctx, a); err != nil {
			return posted, fmt.Errorf("failed to advance watermark: %w", err)
		}
	}

	outcomesCounter.WithLabelValues(r.Kind(), "posted").Inc()
	log.Info().Int("channels", len(posted)).Msg("bragged activity")
	return posted, nil
}

// Rebrag rewrites every post of an activity in place.
func (s *Service) Rebrag(ctx context.Context, item Braggable) ([]models.ChannelMessage, error) {
	a := item.Record()
	if len(a.Channels) == 0 {
		return nil, nil
	}

	r, err := s.resolve(ctx, item)
	if err != nil {
		return nil, err
	}
	msg, err := s.render(ctx, a, r)
	if err != nil {
		return nil, err
	}

	m := s.messengers(r.Team().Token)
	var kept []models.ChannelMessage
	for _, post := range a.Channels {
		if err := m.UpdateMessage(ctx, post.Channel, post.TS, msg); err != nil {
			if slackbot.IsDestinationGone(err) {
				s.disable(ctx, r, m, post.Channel, err)
				continue
			}
			return nil, err
		}
		messagesCounter.WithLabelValues("update").Inc()
		kept = append(kept, post)
	}

	if err := s.persist(ctx, item, kept); err != nil {
		return nil, err
	}
	return kept, nil
}

// Unbrag deletes every post of an activity. The activity stays processed.
func (s *Service) Unbrag(ctx context.Context, item Braggable) error {
	a := item.Record()
	if len(a.Channels) == 0 {
		return nil
	}

	r, err := s.resolve(ctx, item)
	if err != nil {
		return err
	}

	m := s.messengers(r.Team().Token)
	for _, post := range a.Channels {
		if err := m.DeleteMessage(ctx, post.Channel, post.TS); err != nil {
			if slackbot.IsDestinationGone(err) || slackbot.IsMessageGone(err) {
				continue
			}
			return err
		}
		messagesCounter.WithLabelValues("delete").Inc()
	}
	return s.persist(ctx, item, nil)
}

func (s *Service) render(ctx context.Context, a *models.Activity, r DestinationResolver) (slackbot.Message, error) {
	team := r.Team()
	fields, err := render.TeamFields(team.Fields)
	if err != nil {
		return slackbot.Message{}, err
	}
	return render.Message(a, render.Options{
		Units:  team.DisplayUnits(),
		Fields: fields,
		Maps:   team.Maps,
		Map:    s.maps,
		Owner:  r.Owner(),
		Medal:  r.Medal(ctx, a),
	})
}

// claim sets bragged_at if nobody else has. False means another worker won.
func (s *Service) claim(ctx context.Context, item Braggable) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(item).Where("bragged_at IS NULL").Update("bragged_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim activity %s: %w", item.Record().StravaID, res.Error)
	}
	if res.RowsAffected == 0 {
		outcomesCounter.WithLabelValues(kindOf(item), "claimed").Inc()
		return false, nil
	}
	item.Record().BraggedAt = &now
	return true, nil
}

func (s *Service) skip(ctx context.Context, item Braggable, r DestinationResolver, outcome string) error {
	if _, err := s.claim(ctx, item); err != nil {
		return err
	}
	outcomesCounter.WithLabelValues(r.Kind(), outcome).Inc()
	return nil
}

func (s *Service) skipPrivatelyBragged(ctx context.Context, item Braggable, r DestinationResolver) (bool, error) {
	private, err := r.PrivatelyBragged(ctx, item.Record())
	if err != nil {
		return false, fmt.Errorf("failed to look up private activities: %w", err)
	}
	if !private {
		return false, nil
	}
	return true, s.skip(ctx, item, r, "private")
}

// withoutDuplicates drops channels where an equivalent activity was posted
// within the duplicate window.
func (s *Service) withoutDuplicates(ctx context.Context, a *models.Activity, r DestinationResolver, channels []string) ([]string, error) {
	if len(channels) == 0 || s.cfg.DuplicateWindow <= 0 {
		return channels, nil
	}
	since := s.now().Add(-s.cfg.DuplicateWindow)
	query := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("team_id = ? AND id <> ? AND type = ? AND moving_time = ?", r.Team().ID, a.ID, a.Type, a.MovingTime).
			Where("bragged_at >= ?", since)
	}

	var users []models.UserActivity
	if err := query(s.db.WithContext(ctx)).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to look up duplicates: %w", err)
	}
	var clubs []models.ClubActivity
	if err := query(s.db.WithContext(ctx)).Find(&clubs).Error; err != nil {
		return nil, fmt.Errorf("failed to look up duplicates: %w", err)
	}

	candidates := make([]*models.Activity, 0, len(users)+len(clubs))
	for i := range users {
		candidates = append(candidates, &users[i].Activity)
	}
	for i := range clubs {
		candidates = append(candidates, &clubs[i].Activity)
	}

	var fresh []string
	for _, channel := range channels {
		dup := false
		for _, c := range candidates {
			if _, ok := c.PostedTo(channel); ok && c.Equivalent(a) {
				dup = true
				break
			}
		}
		if !dup {
			fresh = append(fresh, channel)
		}
	}
	return fresh, nil
}

// threadParent finds the thread a post belongs in under the team's
// threading mode, or "" to post at the top level.
func (s *Service) threadParent(ctx context.Context, a *models.Activity, r DestinationResolver, channel string) string {
	at := a.StartDateLocal
	if at.IsZero() {
		at = a.StartDate
	}
	from, to, ok := bucket(r.Team().Threads, at)
	if !ok {
		return ""
	}

	prior, err := r.PriorPosts(ctx, a, from, to)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to look up thread parent")
		return ""
	}
	for i := range prior {
		if post, ok := prior[i].PostedTo(channel); ok {
			if post.ThreadTS != "" {
				return post.ThreadTS
			}
			return post.TS
		}
	}
	return ""
}

func (s *Service) persist(ctx context.Context, item Braggable, posts []models.ChannelMessage) error {
	channels := datatypes.JSONSlice[models.ChannelMessage](posts)
	if err := s.db.WithContext(ctx).Model(item).Update("channels", channels).Error; err != nil {
		return fmt.Errorf("failed to save posts of activity %s: %w", item.Record().StravaID, err)
	}
	item.Record().Channels = channels
	return nil
}

func (s *Service) disable(ctx context.Context, r DestinationResolver, m slackbot.Messenger, channel string, cause error) {
	s.log.Warn().Err(cause).Str("channel", channel).Str("kind", r.Kind()).Msg("destination is gone, disabling")
	disabledCounter.WithLabelValues(r.Kind()).Inc()
	if err := r.Disable(ctx, m, channel, cause); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("failed to disable destination")
	}
}

func kindOf(item Braggable) string {
	if _, ok := item.(*models.ClubActivity); ok {
		return "club"
	}
	return "user"
}
