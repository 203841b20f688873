package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/auth"
	"slava/internal/models"
	"slava/internal/slackbot"
	"slava/internal/strava"
)

// CodeExchanger trades an OAuth code for tokens.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*strava.Token, error)
}

// InitialSyncer pulls and brags the newest activity of a freshly connected user.
type InitialSyncer interface {
	SyncAndBrag(ctx context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error)
}

// ConnectHandler completes the Strava OAuth flow started by /slava connect
type ConnectHandler struct {
	db         *gorm.DB
	strava     CodeExchanger
	signer     *auth.StateSigner
	syncer     InitialSyncer
	messengers slackbot.Factory
	background *Background
	log        zerolog.Logger
}

// NewConnectHandler creates a new OAuth callback handler
func NewConnectHandler(db *gorm.DB, client CodeExchanger, signer *auth.StateSigner, syncer InitialSyncer, messengers slackbot.Factory, background *Background, log zerolog.Logger) *ConnectHandler {
	return &ConnectHandler{
		db:         db,
		strava:     client,
		signer:     signer,
		syncer:     syncer,
		messengers: messengers,
		background: background,
		log:        log.With().Str("component", "connect").Logger(),
	}
}

// Callback handles GET /connect
func (h *ConnectHandler) Callback(c *gin.Context) {
	if reason := c.Query("error"); reason != "" {
		h.page(c, http.StatusBadRequest, "Not connected", "Strava access was not granted ("+reason+"). Run /slava connect to try again.")
		return
	}

	state, err := h.signer.Verify(c.Query("state"))
	if err != nil {
		h.page(c, http.StatusBadRequest, "Link expired", "This link is invalid or has expired. Run /slava connect again.")
		return
	}

	ctx := c.Request.Context()
	var team models.Team
	err = h.db.WithContext(ctx).Where("slack_team_id = ? AND active = ?", state.TeamID, true).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.page(c, http.StatusNotFound, "Not connected", "This workspace is not active.")
		return
	} else if err != nil {
		h.fail(c, err)
		return
	}

	token, err := h.strava.ExchangeCode(ctx, c.Query("code"))
	if err != nil {
		h.log.Warn().Err(err).Str("team", team.String()).Str("user", state.SlackUserID).Msg("code exchange failed")
		h.page(c, http.StatusBadGateway, "Not connected", "Strava did not accept the authorization. Run /slava connect to try again.")
		return
	}

	user, err := h.connect(ctx, &team, state.SlackUserID, token)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.log.Info().Str("team", team.String()).Str("user", user.SlackUserID).Int64("athlete", user.AthleteID).Msg("connected strava account")
	h.background.Go("initial_sync", func(ctx context.Context) error {
		return h.welcome(ctx, &team, user)
	})
	h.page(c, http.StatusOK, "Connected", fmt.Sprintf("Your Strava account %s is now connected. You can close this window.", user.AthleteName))
}

func (h *ConnectHandler) connect(ctx context.Context, team *models.Team, slackUserID string, token *strava.Token) (*models.User, error) {
	var user models.User
	err := h.db.WithContext(ctx).Where("team_id = ? AND slack_user_id = ?", team.ID, slackUserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = *models.NewUser(team.ID, slackUserID, "")
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := token.Expiry()
	user.AccessToken = token.AccessToken
	user.RefreshToken = token.RefreshToken
	user.TokenExpiresAt = &expires
	user.ConnectedToStravaAt = &now
	if token.Athlete != nil {
		user.AthleteID = token.Athlete.ID
		user.AthleteName = token.Athlete.Name()
	}

	if err := h.db.WithContext(ctx).Save(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}
	return &user, nil
}

func (h *ConnectHandler) welcome(ctx context.Context, team *models.Team, user *models.User) error {
	text := fmt.Sprintf("Your Strava account %s is now connected. Your activities will be posted to the channels you and I are both in.", user.AthleteName)
	if err := h.messengers(team.Token).DirectMessage(ctx, user.SlackUserID, text); err != nil {
		h.log.Warn().Err(err).Str("user", user.SlackUserID).Msg("failed to send welcome message")
	}

	if team.SubscriptionExpired() {
		return nil
	}
	if _, _, err := h.syncer.SyncAndBrag(ctx, user, true); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	return nil
}

func (h *ConnectHandler) fail(c *gin.Context, err error) {
	h.log.Error().Err(err).Msg("connect failed")
	h.page(c, http.StatusInternalServerError, "Not connected", "Something went wrong, please try again.")
}

func (h *ConnectHandler) page(c *gin.Context, status int, title, message string) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(status, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Slava: %s</title>
    <style>body { font-family: sans-serif; max-width: 40rem; margin: 4rem auto; }</style>
</head>
<body>
    <main class="container">
        <h1>%s</h1>
        <p>%s</p>
    </main>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}
