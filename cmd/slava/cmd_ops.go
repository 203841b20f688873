package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"slava/internal/database"
	"slava/internal/models"
	"slava/internal/worker"
)

type MigrateCmd struct {
	flags *Flags
}

// NewMigrateCmd creates the migrate command
func NewMigrateCmd(flags *Flags) *MigrateCmd {
	return &MigrateCmd{flags: flags}
}

// Register adds the migrate command to the application
func (cmd *MigrateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Action: func(ctx context.Context, c *cli.Command) error {
			db, err := database.Connect(database.LoadConfig())
			if err != nil {
				return err
			}
			defer database.Close(db)
			return database.Migrate(db)
		},
	})
	return app
}

type SyncCmd struct {
	flags *Flags
}

// NewSyncCmd creates the sync command
func NewSyncCmd(flags *Flags) *SyncCmd {
	return &SyncCmd{flags: flags}
}

// Register adds the sync command to the application
func (cmd *SyncCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "sync",
		Usage:     "Sync and brag one user's activities",
		UsageText: "slava sync --team T0123 --user U0456 [--last]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "team", Usage: "Slack team id", Required: true},
			&cli.StringFlag{Name: "user", Usage: "Slack user id", Required: true},
			&cli.BoolFlag{Name: "last", Usage: "sync only the most recent activity"},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *SyncCmd) run(ctx context.Context, c *cli.Command) error {
	app, err := NewApp(ctx, cmd.flags.Config, log.Logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var user models.User
	err = app.DB.WithContext(ctx).
		Joins("JOIN teams ON teams.id = users.team_id").
		Where("teams.slack_team_id = ? AND users.slack_user_id = ?", c.String("team"), c.String("user")).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("user %s not found in team %s", c.String("user"), c.String("team"))
	} else if err != nil {
		return err
	}

	changed, posts, err := app.Syncer.SyncAndBrag(ctx, &user, c.Bool("last"))
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(c.Root().Writer, "synced %d activities, posted %d messages\n", changed, len(posts))
	return nil
}

type TickCmd struct {
	flags *Flags
}

// NewTickCmd creates the tick command
func NewTickCmd(flags *Flags) *TickCmd {
	return &TickCmd{flags: flags}
}

// Register adds the tick command to the application
func (cmd *TickCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "tick",
		Usage:       "Run one sweep and exit",
		UsageText:   "slava tick --cadence minute|hour|day",
		Description: "Runs a single scheduler sweep, for deployments that trigger sweeps from cron.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cadence", Usage: "minute, hour or day", Value: "minute"},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TickCmd) run(ctx context.Context, c *cli.Command) error {
	app, err := NewApp(ctx, cmd.flags.Config, log.Logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var tick func(context.Context) (worker.SweepResult, error)
	switch c.String("cadence") {
	case "minute":
		tick = app.Scheduler.TickMinute
	case "hour":
		tick = app.Scheduler.TickHour
	case "day":
		tick = app.Scheduler.TickDay
	default:
		return fmt.Errorf("unknown cadence %q", c.String("cadence"))
	}

	res, err := tick(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "processed=%d failed=%d locked=%d\n", res.Processed, res.Failed, res.Locked)
	return nil
}

type WebhookCmd struct {
	flags *Flags
}

// NewWebhookCmd creates the webhook command
func NewWebhookCmd(flags *Flags) *WebhookCmd {
	return &WebhookCmd{flags: flags}
}

// Register adds the webhook command to the application
func (cmd *WebhookCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "webhook",
		Usage:       "Register the Strava push subscription",
		Description: "Points the application's Strava push subscription at BASE_URL/api/strava/event, replacing any other.",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := cmd.flags.Config
			app, err := NewApp(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}
			defer app.Close()

			sub, err := app.Strava.EnsureSubscription(ctx, cfg.BaseURL+"/api/strava/event", cfg.StravaVerifyToken)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.Root().Writer, "subscription %d -> %s\n", sub.ID, sub.CallbackURL)
			return nil
		},
	})
	return app
}
