package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusProvider reports background worker state.
type StatusProvider interface {
	GetStatus() map[string]interface{}
}

// Router holds every handler the server exposes.
type Router struct {
	Log     zerolog.Logger
	Status  StatusProvider
	Strava  *StravaHandler
	Slack   *SlackHandler
	Connect *ConnectHandler
	Admin   *AdminHandler
	Docs    *DocsHandler
}

// HealthCheck handles GET /health
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "slava",
	})
}

// WorkerStatus handles GET /api/worker/status
func (r *Router) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"worker_status": r.Status.GetStatus(),
	})
}

// Engine registers all routes on a new gin engine.
func (r *Router) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), requestLogger(r.Log))

	e.GET("/health", HealthCheck)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.Docs != nil {
		e.GET("/", r.Docs.ServeHome)
		e.GET("/doc/:doc", r.Docs.ServeMarkdownAsHTML)
	}
	if r.Connect != nil {
		e.GET("/connect", r.Connect.Callback)
	}

	api := e.Group("/api")
	{
		if r.Strava != nil {
			strava := api.Group("/strava")
			{
				strava.GET("/event", r.Strava.VerifySubscription)
				strava.POST("/event", r.Strava.ReceiveEvent)
			}
		}

		if r.Slack != nil {
			slack := api.Group("/slack")
			{
				slack.POST("/command", r.Slack.Command)
				slack.POST("/event", r.Slack.Event)
			}
		}

		if r.Status != nil {
			api.GET("/worker/status", r.WorkerStatus)
		}
	}

	if r.Admin != nil {
		admin := e.Group("/admin", r.Admin.AdminAuth())
		{
			admin.GET("/", r.Admin.ServeAdminDashboard)
			admin.GET("/api/teams", r.Admin.ListTeams)
			admin.POST("/api/teams", r.Admin.CreateTeam)
			admin.POST("/api/teams/:id/subscription", r.Admin.Subscribe)
			admin.GET("/api/users", r.Admin.ListUsers)
			admin.POST("/api/users/:id/sync", r.Admin.SyncUser)
			admin.POST("/api/activities/:id/rebrag", r.Admin.RebragActivity)
			admin.POST("/api/activities/:id/unbrag", r.Admin.UnbragActivity)
		}
	}

	return e
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
