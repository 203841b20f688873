package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"slava/internal/locks"
	"slava/internal/models"
	"slava/internal/workers"
)

// Syncer pulls and brags activities of one account.
type Syncer interface {
	SyncNew(ctx context.Context, user *models.User) (int, error)
	BragNext(ctx context.Context, user *models.User) ([]models.ChannelMessage, error)
	SyncClub(ctx context.Context, club *models.Club) (int, error)
	BragNextClub(ctx context.Context, club *models.Club) ([]models.ChannelMessage, error)
}

// Teams maintains billing and retention of teams.
type Teams interface {
	CheckSubscription(ctx context.Context, team *models.Team) error
	CheckTrial(ctx context.Context, team *models.Team) error
	Prune(ctx context.Context, team *models.Team) (int64, error)
	Purge(ctx context.Context) (int, error)
}

// Config holds cadences and sweep limits
type Config struct {
	MinuteInterval time.Duration
	HourInterval   time.Duration
	DayInterval    time.Duration
	Concurrency    int
	LockTTL        time.Duration
}

// DefaultConfig returns the default cadences
func DefaultConfig() Config {
	return Config{
		MinuteInterval: time.Minute,
		HourInterval:   time.Hour,
		DayInterval:    24 * time.Hour,
		Concurrency:    1,
		LockTTL:        5 * time.Minute,
	}
}

// SweepResult counts what a sweep did
type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Locked    int `json:"locked"`
}

// Scheduler runs the minute, hour and day sweeps
type Scheduler struct {
	db     *gorm.DB
	syncer Syncer
	teams  Teams
	locker locks.Locker
	cfg    Config
	log    zerolog.Logger

	cadences []*workers.CadenceWorker

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	started time.Time
	mu      sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(db *gorm.DB, syncer Syncer, teams Teams, locker locks.Locker, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	s := &Scheduler{
		db:     db,
		syncer: syncer,
		teams:  teams,
		locker: locker,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
	s.cadences = []*workers.CadenceWorker{
		workers.NewCadenceWorker("minute", cfg.MinuteInterval, s.sweep("minute", s.TickMinute), s.log),
		workers.NewCadenceWorker("hour", cfg.HourInterval, s.sweep("hour", s.TickHour), s.log),
		workers.NewCadenceWorker("day", cfg.DayInterval, s.sweep("day", s.TickDay), s.log),
	}
	return s
}

func (s *Scheduler) sweep(cadence string, tick func(context.Context) (SweepResult, error)) workers.Task {
	return func(ctx context.Context) error {
		timer := time.Now()
		res, err := tick(ctx)
		sweepDuration.WithLabelValues(cadence).Observe(time.Since(timer).Seconds())
		s.log.Debug().Str("cadence", cadence).Int("processed", res.Processed).Int("failed", res.Failed).Int("locked", res.Locked).Msg("sweep finished")
		return err
	}
}

// Start starts all cadences
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, c := range s.cadences {
		s.wg.Add(1)
		go func(c *workers.CadenceWorker) {
			defer s.wg.Done()
			c.Run(ctx)
		}(c)
	}

	s.running = true
	s.started = time.Now()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop stops all cadences and waits for running sweeps to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.running = false
	s.log.Info().Msg("scheduler stopped")
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStatus returns the current status of the scheduler
func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cadences := make([]workers.CadenceStats, 0, len(s.cadences))
	for _, c := range s.cadences {
		cadences = append(cadences, c.Stats())
	}

	status := map[string]interface{}{
		"running":     s.running,
		"concurrency": s.cfg.Concurrency,
		"cadences":    cadences,
	}
	if s.running {
		status["uptime"] = time.Since(s.started).Round(time.Second).String()
	}
	return status
}

// TickMinute syncs and brags every syncing user and club of a team that may
// post.
func (s *Scheduler) TickMinute(ctx context.Context) (SweepResult, error) {
	teams, err := s.postingTeams(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	if len(teams) == 0 {
		return SweepResult{}, nil
	}
	ids := make([]any, 0, len(teams))
	for _, t := range teams {
		ids = append(ids, t.ID)
	}

	var users []models.User
	if err := s.db.WithContext(ctx).
		Where("team_id IN ? AND sync_activities = ? AND access_token <> ''", ids, true).
		Find(&users).Error; err != nil {
		return SweepResult{}, fmt.Errorf("failed to load users: %w", err)
	}
	var clubs []models.Club
	if err := s.db.WithContext(ctx).
		Where("team_id IN ? AND sync_activities = ?", ids, true).
		Find(&clubs).Error; err != nil {
		return SweepResult{}, fmt.Errorf("failed to load clubs: %w", err)
	}

	jobs := make([]job, 0, len(users)+len(clubs))
	for i := range users {
		user := &users[i]
		jobs = append(jobs, job{key: locks.UserKey(user.ID), run: func(ctx context.Context) error {
			if _, err := s.syncer.SyncNew(ctx, user); err != nil {
				return fmt.Errorf("sync %s: %w", user.SlackUserID, err)
			}
			if _, err := s.syncer.BragNext(ctx, user); err != nil {
				return fmt.Errorf("brag %s: %w", user.SlackUserID, err)
			}
			return nil
		}})
	}
	for i := range clubs {
		club := &clubs[i]
		jobs = append(jobs, job{key: locks.ClubKey(club.ID), run: func(ctx context.Context) error {
			if _, err := s.syncer.SyncClub(ctx, club); err != nil {
				return fmt.Errorf("sync club %d: %w", club.StravaID, err)
			}
			if _, err := s.syncer.BragNextClub(ctx, club); err != nil {
				return fmt.Errorf("brag club %d: %w", club.StravaID, err)
			}
			return nil
		}})
	}

	return s.run(ctx, "minute", jobs, true)
}

// TickHour reconciles subscribed teams with billing.
func (s *Scheduler) TickHour(ctx context.Context) (SweepResult, error) {
	var teams []models.Team
	if err := s.db.WithContext(ctx).
		Where("active = ? AND subscribed = ? AND stripe_subscription_id <> ''", true, true).
		Find(&teams).Error; err != nil {
		return SweepResult{}, fmt.Errorf("failed to load subscribed teams: %w", err)
	}

	jobs := make([]job, 0, len(teams))
	for i := range teams {
		team := &teams[i]
		jobs = append(jobs, job{key: "team:" + team.ID.String(), run: func(ctx context.Context) error {
			return s.teams.CheckSubscription(ctx, team)
		}})
	}
	return s.run(ctx, "hour", jobs, false)
}

// TickDay expires trials, prunes old activities and purges removed teams.
func (s *Scheduler) TickDay(ctx context.Context) (SweepResult, error) {
	var teams []models.Team
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&teams).Error; err != nil {
		return SweepResult{}, fmt.Errorf("failed to load active teams: %w", err)
	}

	jobs := make([]job, 0, len(teams))
	for i := range teams {
		team := &teams[i]
		jobs = append(jobs, job{key: "team:" + team.ID.String(), run: func(ctx context.Context) error {
			trialErr := s.teams.CheckTrial(ctx, team)
			_, pruneErr := s.teams.Prune(ctx, team)
			return errors.Join(trialErr, pruneErr)
		}})
	}
	res, err := s.run(ctx, "day", jobs, false)
	if err != nil {
		return res, err
	}

	if _, err := s.teams.Purge(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to purge teams")
		accountsCounter.WithLabelValues("day", "failed").Inc()
		res.Failed++
	}
	return res, nil
}

// postingTeams are active teams whose trial or subscription is current.
func (s *Scheduler) postingTeams(ctx context.Context) ([]models.Team, error) {
	var teams []models.Team
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&teams).Error; err != nil {
		return nil, fmt.Errorf("failed to load active teams: %w", err)
	}
	posting := teams[:0]
	for _, t := range teams {
		if !t.SubscriptionExpired() {
			posting = append(posting, t)
		}
	}
	return posting, nil
}

type job struct {
	key string
	run func(ctx context.Context) error
}

// run executes jobs on a bounded pool. A failing job is logged and counted
// and never stops the others.
func (s *Scheduler) run(ctx context.Context, cadence string, jobs []job, lock bool) (SweepResult, error) {
	var processed, failed, locked atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, j := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if lock {
				unlock, err := s.locker.TryLock(gctx, j.key, s.cfg.LockTTL)
				if errors.Is(err, locks.ErrLocked) {
					locked.Add(1)
					accountsCounter.WithLabelValues(cadence, "locked").Inc()
					return nil
				} else if err != nil {
					failed.Add(1)
					accountsCounter.WithLabelValues(cadence, "failed").Inc()
					s.log.Error().Err(err).Str("key", j.key).Msg("failed to lock account")
					return nil
				}
				defer unlock()
			}

			if err := s.safely(gctx, j); err != nil {
				failed.Add(1)
				accountsCounter.WithLabelValues(cadence, "failed").Inc()
				s.log.Warn().Err(err).Str("cadence", cadence).Str("key", j.key).Msg("account failed")
				return nil
			}
			processed.Add(1)
			accountsCounter.WithLabelValues(cadence, "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Processed: int(processed.Load()), Failed: int(failed.Load()), Locked: int(locked.Load())}
	return res, ctx.Err()
}

// safely turns a panic in one account into an error.
func (s *Scheduler) safely(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.run(ctx)
}
