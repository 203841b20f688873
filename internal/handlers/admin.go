package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/brag"
	"slava/internal/locks"
	"slava/internal/models"
)

// UserSyncer syncs and brags one user on demand.
type UserSyncer interface {
	SyncAndBrag(ctx context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error)
}

// ActivityBragger repairs the posts of one activity.
type ActivityBragger interface {
	Rebrag(ctx context.Context, item brag.Braggable) ([]models.ChannelMessage, error)
	Unbrag(ctx context.Context, item brag.Braggable) error
}

// AdminHandler handles the admin interface
type AdminHandler struct {
	db       *gorm.DB
	syncer   UserSyncer
	bragger  ActivityBragger
	password string
	trial    time.Duration
	log      zerolog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(db *gorm.DB, syncer UserSyncer, bragger ActivityBragger, password string, trial time.Duration, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		db:       db,
		syncer:   syncer,
		bragger:  bragger,
		password: password,
		trial:    trial,
		log:      log.With().Str("component", "admin").Logger(),
	}
}

// AdminAuth middleware for basic password protection
func (h *AdminHandler) AdminAuth() gin.HandlerFunc {
	return gin.BasicAuth(gin.Accounts{
		"admin": h.password,
	})
}

type dashboardStats struct {
	Teams, ActiveTeams, Users, ConnectedUsers, Clubs, Activities, Pending int64
}

func (h *AdminHandler) stats(ctx context.Context) (dashboardStats, error) {
	var s dashboardStats
	db := h.db.WithContext(ctx)
	counts := []struct {
		query *gorm.DB
		out   *int64
	}{
		{db.Model(&models.Team{}), &s.Teams},
		{db.Model(&models.Team{}).Where("active = ?", true), &s.ActiveTeams},
		{db.Model(&models.User{}), &s.Users},
		{db.Model(&models.User{}).Where("access_token <> ''"), &s.ConnectedUsers},
		{db.Model(&models.Club{}), &s.Clubs},
		{db.Model(&models.UserActivity{}), &s.Activities},
		{db.Model(&models.UserActivity{}).Where("bragged_at IS NULL"), &s.Pending},
	}
	for _, c := range counts {
		if err := c.query.Count(c.out).Error; err != nil {
			return s, err
		}
	}
	return s, nil
}

// ServeAdminDashboard serves the main admin dashboard
func (h *AdminHandler) ServeAdminDashboard(c *gin.Context) {
	stats, err := h.stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}

	var teams []models.Team
	h.db.WithContext(c.Request.Context()).Order("created_at DESC").Limit(20).Find(&teams)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, generateAdminDashboardHTML(stats, teams))
}

func generateAdminDashboardHTML(s dashboardStats, teams []models.Team) string {
	var rows strings.Builder
	for _, t := range teams {
		status := "trial"
		switch {
		case !t.Active:
			status = "inactive"
		case t.Subscribed:
			status = "subscribed"
		case t.SubscriptionExpired():
			status = "expired"
		}
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(t.Name), html.EscapeString(t.SlackTeamID), status, t.CreatedAt.Format("2006-01-02"))
	}

	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Slava Admin</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 2rem; }
        .stats-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .stat-card { padding: 1rem; border: 1px solid #e5e7eb; border-radius: 8px; text-align: center; }
        .stat-number { font-size: 2rem; font-weight: 700; color: #fc4c02; }
        table { border-collapse: collapse; width: 100%; }
        th, td { border-bottom: 1px solid #e5e7eb; padding: 0.5rem; text-align: left; }
    </style>
</head>
<body>
    <h1>Slava Admin</h1>
    <div class="stats-grid">` +
		statCard(s.Teams, "Teams") +
		statCard(s.ActiveTeams, "Active teams") +
		statCard(s.Users, "Users") +
		statCard(s.ConnectedUsers, "Connected") +
		statCard(s.Clubs, "Clubs") +
		statCard(s.Activities, "Activities") +
		statCard(s.Pending, "Pending") + `
    </div>
    <h2>Recent teams</h2>
    <table>
        <tr><th>Name</th><th>Slack ID</th><th>Status</th><th>Installed</th></tr>
        ` + rows.String() + `
    </table>
</body>
</html>`
}

func statCard(n int64, label string) string {
	return fmt.Sprintf(`
        <div class="stat-card"><div class="stat-number">%d</div><div>%s</div></div>`, n, label)
}

// ListTeams handles GET /admin/api/teams
func (h *AdminHandler) ListTeams(c *gin.Context) {
	var teams []models.Team
	if err := h.db.WithContext(c.Request.Context()).Order("created_at DESC").Find(&teams).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list teams"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams, "count": len(teams)})
}

type createTeamRequest struct {
	SlackTeamID     string `json:"slack_team_id" binding:"required"`
	Name            string `json:"name"`
	Domain          string `json:"domain"`
	Token           string `json:"token" binding:"required"`
	BotUserID       string `json:"bot_user_id"`
	ActivatedUserID string `json:"activated_user_id"`
}

// CreateTeam handles POST /admin/api/teams. Reinstalling an existing team
// reactivates it with the new token.
func (h *AdminHandler) CreateTeam(c *gin.Context) {
	var req createTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var team models.Team
	err := h.db.WithContext(ctx).Where("slack_team_id = ?", req.SlackTeamID).First(&team).Error
	status := http.StatusOK
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		team = *models.NewTeam(req.SlackTeamID, req.Name, req.Token, h.trial)
		status = http.StatusCreated
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load team"})
		return
	default:
		team.Token = req.Token
		team.Active = true
		team.PurgeAt = nil
		if req.Name != "" {
			team.Name = req.Name
		}
	}
	team.Domain = req.Domain
	team.BotUserID = req.BotUserID
	if req.ActivatedUserID != "" {
		team.ActivatedUserID = req.ActivatedUserID
	}

	if err := h.db.WithContext(ctx).Save(&team).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save team"})
		return
	}
	h.log.Info().Str("team", team.String()).Int("status", status).Msg("team installed")
	c.JSON(status, team)
}

type subscribeRequest struct {
	StripeCustomerID     string `json:"stripe_customer_id"`
	StripeSubscriptionID string `json:"stripe_subscription_id" binding:"required"`
}

// Subscribe handles POST /admin/api/teams/:id/subscription
func (h *AdminHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	var team models.Team
	if !h.find(c, &team) {
		return
	}

	team.Subscribed = true
	team.StripeCustomerID = req.StripeCustomerID
	team.StripeSubscriptionID = req.StripeSubscriptionID
	team.ExpiredNotifiedAt = nil
	team.PastDueNotifiedAt = nil
	if err := h.db.WithContext(c.Request.Context()).Save(&team).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save team"})
		return
	}
	c.JSON(http.StatusOK, team)
}

// ListUsers handles GET /admin/api/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit := 50

	query := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if teamID := c.Query("team_id"); teamID != "" {
		query = query.Where("team_id = ?", teamID)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	var users []models.User
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count users"})
		return
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset((page - 1) * limit).Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "total": total, "page": page})
}

// SyncUser handles POST /admin/api/users/:id/sync
func (h *AdminHandler) SyncUser(c *gin.Context) {
	var user models.User
	if !h.find(c, &user) {
		return
	}
	if !user.Connected() {
		c.JSON(http.StatusConflict, gin.H{"error": "User is not connected to Strava"})
		return
	}

	changed, posts, err := h.syncer.SyncAndBrag(c.Request.Context(), &user, false)
	if errors.Is(err, locks.ErrLocked) {
		c.JSON(http.StatusConflict, gin.H{"error": "User is being synced"})
		return
	} else if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Sync failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": changed, "posts": posts})
}

// RebragActivity handles POST /admin/api/activities/:id/rebrag
func (h *AdminHandler) RebragActivity(c *gin.Context) {
	var activity models.UserActivity
	if !h.find(c, &activity) {
		return
	}
	posts, err := h.bragger.Rebrag(c.Request.Context(), &activity)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Rebrag failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

// UnbragActivity handles POST /admin/api/activities/:id/unbrag
func (h *AdminHandler) UnbragActivity(c *gin.Context) {
	var activity models.UserActivity
	if !h.find(c, &activity) {
		return
	}
	if err := h.bragger.Unbrag(c.Request.Context(), &activity); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Unbrag failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// find loads the record named by the :id parameter, answering the request
// when it cannot.
func (h *AdminHandler) find(c *gin.Context, out any) bool {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID format"})
		return false
	}
	err = h.db.WithContext(c.Request.Context()).First(out, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load record"})
		return false
	}
	return true
}
