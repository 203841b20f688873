package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"gorm.io/gorm"

	"slava/internal/auth"
	"slava/internal/billing"
	"slava/internal/brag"
	"slava/internal/config"
	"slava/internal/database"
	"slava/internal/handlers"
	"slava/internal/locks"
	"slava/internal/maps"
	"slava/internal/services"
	"slava/internal/slackbot"
	"slava/internal/slash"
	"slava/internal/strava"
	"slava/internal/syncer"
	"slava/internal/worker"
)

// App wires the services every command needs.
type App struct {
	Config     config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Strava     *strava.Client
	Messengers slackbot.Factory
	Bragger    *brag.Service
	Syncer     *syncer.Service
	Teams      *services.TeamService
	Scheduler  *worker.Scheduler
	Signer     *auth.StateSigner
	Commander  *slash.Commander

	log zerolog.Logger
}

// NewApp connects to the database and, when configured, Redis.
func NewApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	db, err := database.Connect(database.LoadConfig())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, log: log}

	var locker locks.Locker = locks.NewMemoryLocker()
	if cfg.RedisURL != "" {
		a.Redis, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = locks.NewRedisLocker(a.Redis, "slava:lock:")
	} else {
		log.Warn().Msg("REDIS_URL is not set, account locks are local to this process")
	}

	var slackOpts []slack.Option
	if cfg.SlackAPIURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(cfg.SlackAPIURL))
	}
	a.Messengers = slackbot.NewFactory(slackOpts...)

	var mapProvider maps.Provider
	if cfg.GoogleMapsKey != "" {
		mapProvider = maps.NewGoogleStatic(cfg.GoogleMapsKey)
	}

	a.Strava = strava.NewClient(strava.Config{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		RedirectURL:  cfg.BaseURL + "/connect",
	})

	a.Bragger = brag.NewService(db, a.Messengers, mapProvider, brag.Config{
		DuplicateWindow: cfg.DuplicateWindow,
		PrivateFirst:    cfg.PrivateFirst,
	}, log)
	a.Syncer = syncer.NewService(db, a.Strava, a.Bragger, a.Messengers, locker, syncer.Config{
		PageSize: cfg.PageSize,
		MaxPages: cfg.MaxPages,
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
	}, log)
	a.Teams = services.NewTeamService(db, billing.NewStripe(cfg.StripeSecretKey, nil), a.Messengers, services.TeamConfig{
		GracePeriod:  cfg.GracePeriod,
		PurgeDelay:   cfg.PurgeDelay,
		SubscribeURL: cfg.SubscribeURL,
	}, log)
	a.Scheduler = worker.NewScheduler(db, a.Syncer, a.Teams, locker, worker.Config{
		MinuteInterval: cfg.MinuteInterval,
		HourInterval:   cfg.HourInterval,
		DayInterval:    cfg.DayInterval,
		Concurrency:    cfg.SyncConcurrency,
		LockTTL:        cfg.LockTTL,
	}, log)
	a.Signer = auth.NewStateSigner(cfg.JWTSecret, time.Hour)
	a.Commander = slash.NewCommander(db, a.Strava, a.Signer, a.Syncer, log)
	return a, nil
}

// Router builds the HTTP handlers. Webhook work runs on background.
func (a *App) Router(background *handlers.Background) (*handlers.Router, error) {
	docs, err := handlers.NewDocsHandler()
	if err != nil {
		return nil, fmt.Errorf("failed to render docs: %w", err)
	}
	return &handlers.Router{
		Log:     a.log,
		Status:  a.Scheduler,
		Strava:  handlers.NewStravaHandler(a.DB, a.Syncer, a.Config.StravaVerifyToken, background, a.log),
		Slack:   handlers.NewSlackHandler(a.DB, a.Commander, a.Teams, a.Config.SlackSigningSecret, a.log),
		Connect: handlers.NewConnectHandler(a.DB, a.Strava, a.Signer, a.Syncer, a.Messengers, background, a.log),
		Admin:   handlers.NewAdminHandler(a.DB, a.Syncer, a.Bragger, a.Config.AdminPassword, a.Config.TrialPeriod, a.log),
		Docs:    docs,
	}, nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if err := database.Close(a.DB); err != nil {
		a.log.Warn().Err(err).Msg("failed to close database")
	}
}
