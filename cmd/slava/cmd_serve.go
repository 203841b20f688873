package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"slava/internal/database"
	"slava/internal/handlers"
)

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates the serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "serve",
		Usage:       "Run the HTTP server and the scheduler",
		Description: "Serves Slack and Strava callbacks and runs the minute, hour and day sweeps until interrupted.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "run database migrations before starting",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "no-scheduler",
				Usage: "serve HTTP only, for running more than one web process",
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	app, err := NewApp(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if c.Bool("migrate") {
		if err := database.Migrate(app.DB); err != nil {
			return err
		}
	}

	if !c.Bool("no-scheduler") {
		if err := app.Scheduler.Start(); err != nil {
			return err
		}
		defer app.Scheduler.Stop()
	}

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	background := handlers.NewBackground(2*time.Minute, log.Logger)
	router, err := app.Router(background)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("base_url", cfg.BaseURL).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal, gracefully shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	background.Wait()
	log.Info().Msg("shutdown complete")
	return nil
}
