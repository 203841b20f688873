package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"gorm.io/gorm"

	"slava/internal/models"
	"slava/internal/slash"
)

// CommandHandler answers slash commands.
type CommandHandler interface {
	Handle(ctx context.Context, req slash.Request) (slash.Response, error)
}

// TeamDeactivator stops work for a team that removed the app.
type TeamDeactivator interface {
	Deactivate(ctx context.Context, team *models.Team) error
}

// SlackHandler receives slash commands and Events API callbacks
type SlackHandler struct {
	db            *gorm.DB
	commands      CommandHandler
	teams         TeamDeactivator
	signingSecret string
	log           zerolog.Logger
}

// NewSlackHandler creates a new Slack handler. An empty signing secret turns
// off request verification, for local development only.
func NewSlackHandler(db *gorm.DB, commands CommandHandler, teams TeamDeactivator, signingSecret string, log zerolog.Logger) *SlackHandler {
	return &SlackHandler{
		db:            db,
		commands:      commands,
		teams:         teams,
		signingSecret: signingSecret,
		log:           log.With().Str("component", "slack").Logger(),
	}
}

// verifiedBody reads the request body and checks its signature. The body is
// restored so it can be parsed again.
func (h *SlackHandler) verifiedBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request"})
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if h.signingSecret == "" {
		return body, true
	}

	sv, err := slack.NewSecretsVerifier(c.Request.Header, h.signingSecret)
	if err == nil {
		if _, err = sv.Write(body); err == nil {
			err = sv.Ensure()
		}
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("rejected unsigned request")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return nil, false
	}
	return body, true
}

// Command handles POST /api/slack/command
func (h *SlackHandler) Command(c *gin.Context) {
	if _, ok := h.verifiedBody(c); !ok {
		return
	}

	cmd, err := slack.SlashCommandParse(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command"})
		return
	}

	res, err := h.commands.Handle(c.Request.Context(), slash.Request{
		TeamID:    cmd.TeamID,
		UserID:    cmd.UserID,
		UserName:  cmd.UserName,
		ChannelID: cmd.ChannelID,
		Text:      cmd.Text,
	})
	if err != nil {
		h.log.Error().Err(err).Str("team", cmd.TeamID).Str("user", cmd.UserID).Str("text", cmd.Text).Msg("command failed")
		c.JSON(http.StatusOK, gin.H{"response_type": "ephemeral", "text": "Sorry, something went wrong. Please try again."})
		return
	}

	responseType := "ephemeral"
	if res.InChannel {
		responseType = "in_channel"
	}
	c.JSON(http.StatusOK, gin.H{"response_type": responseType, "text": res.Text})
}

// Event handles POST /api/slack/event
func (h *SlackHandler) Event(c *gin.Context) {
	body, ok := h.verifiedBody(c)
	if !ok {
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event"})
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid challenge"})
			return
		}
		c.String(http.StatusOK, challenge.Challenge)
		return

	case slackevents.CallbackEvent:
		switch event.InnerEvent.Type {
		case "app_uninstalled", "tokens_revoked":
			if err := h.deactivate(c.Request.Context(), event.TeamID); err != nil {
				h.log.Error().Err(err).Str("team", event.TeamID).Msg("failed to deactivate team")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate team"})
				return
			}
		default:
			h.log.Debug().Str("team", event.TeamID).Str("event", event.InnerEvent.Type).Msg("ignored event")
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *SlackHandler) deactivate(ctx context.Context, slackTeamID string) error {
	var team models.Team
	err := h.db.WithContext(ctx).Where("slack_team_id = ?", slackTeamID).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	h.log.Info().Str("team", team.String()).Msg("app removed from workspace")
	return h.teams.Deactivate(ctx, &team)
}
