package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/models"
	"slava/internal/strava"
)

// ActivitySyncer keeps single activities in line with Strava.
type ActivitySyncer interface {
	SyncActivity(ctx context.Context, user *models.User, id string) error
	DeleteActivity(ctx context.Context, user *models.User, id string) error
}

// StravaHandler receives Strava push notifications
type StravaHandler struct {
	db          *gorm.DB
	syncer      ActivitySyncer
	verifyToken string
	background  *Background
	log         zerolog.Logger
}

// NewStravaHandler creates a new Strava webhook handler
func NewStravaHandler(db *gorm.DB, syncer ActivitySyncer, verifyToken string, background *Background, log zerolog.Logger) *StravaHandler {
	return &StravaHandler{
		db:          db,
		syncer:      syncer,
		verifyToken: verifyToken,
		background:  background,
		log:         log.With().Str("component", "strava_webhook").Logger(),
	}
}

// VerifySubscription handles GET /api/strava/event, the subscription handshake
func (h *StravaHandler) VerifySubscription(c *gin.Context) {
	if c.Query("hub.mode") != "subscribe" || c.Query("hub.verify_token") != h.verifyToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid verify token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hub.challenge": c.Query("hub.challenge")})
}

// ReceiveEvent handles POST /api/strava/event
func (h *StravaHandler) ReceiveEvent(c *gin.Context) {
	var event strava.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event"})
		return
	}

	h.log.Debug().
		Str("object", event.ObjectType).
		Str("aspect", event.AspectType).
		Int64("object_id", event.ObjectID).
		Int64("owner_id", event.OwnerID).
		Msg("received event")

	h.background.Go("strava_event", func(ctx context.Context) error {
		return h.HandleEvent(ctx, event)
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// HandleEvent applies one event to every user connected to the athlete.
func (h *StravaHandler) HandleEvent(ctx context.Context, event strava.Event) error {
	var users []models.User
	if err := h.db.WithContext(ctx).Where("athlete_id = ?", event.OwnerID).Find(&users).Error; err != nil {
		return err
	}

	var errs []error
	for i := range users {
		user := &users[i]
		if err := h.apply(ctx, user, event); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", user.SlackUserID, err))
		}
	}
	return errors.Join(errs...)
}

func (h *StravaHandler) apply(ctx context.Context, user *models.User, event strava.Event) error {
	if event.Deauthorized() {
		h.log.Info().Str("user", user.SlackUserID).Int64("athlete", event.OwnerID).Msg("athlete deauthorized")
		user.Disconnect()
		return h.db.WithContext(ctx).Save(user).Error
	}
	if event.ObjectType != strava.ObjectActivity || !user.Connected() {
		return nil
	}

	switch event.AspectType {
	case strava.AspectCreate, strava.AspectUpdate:
		if !user.SyncActivities {
			return nil
		}
		return h.syncer.SyncActivity(ctx, user, event.ActivityID())
	case strava.AspectDelete:
		return h.syncer.DeleteActivity(ctx, user, event.ActivityID())
	}
	return nil
}
