// Package config reads runtime settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values for the service.
type Config struct {
	Port    string
	BaseURL string // public URL used for OAuth redirects and webhook callbacks

	// Scheduler
	MinuteInterval  time.Duration
	HourInterval    time.Duration
	DayInterval     time.Duration
	SyncConcurrency int
	LockTTL         time.Duration
	LockWait        time.Duration

	// Sync and brag
	PageSize        int
	MaxPages        int
	DuplicateWindow time.Duration
	PrivateFirst    bool

	// Teams
	TrialPeriod  time.Duration
	GracePeriod  time.Duration
	PurgeDelay   time.Duration
	SubscribeURL string

	// Strava
	StravaClientID     string
	StravaClientSecret string
	StravaVerifyToken  string

	// Slack
	SlackSigningSecret string
	SlackAPIURL        string

	// Stripe
	StripeSecretKey string

	// Redis; the in-process locker is used when empty.
	RedisURL string

	JWTSecret     string
	AdminPassword string
	GoogleMapsKey string
}

// Load reads environment variables into Config, applying defaults for local dev.
func Load() Config {
	return Config{
		Port:    getEnv("PORT", "8080"),
		BaseURL: strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:8080"), "/"),

		MinuteInterval:  getDurationEnv("TICK_MINUTE", time.Minute),
		HourInterval:    getDurationEnv("TICK_HOUR", time.Hour),
		DayInterval:     getDurationEnv("TICK_DAY", 24*time.Hour),
		SyncConcurrency: getIntEnv("SYNC_CONCURRENCY", 1),
		LockTTL:         getDurationEnv("LOCK_TTL", 5*time.Minute),
		LockWait:        getDurationEnv("LOCK_WAIT", 30*time.Second),

		PageSize:        getIntEnv("STRAVA_PAGE_SIZE", 30),
		MaxPages:        getIntEnv("STRAVA_MAX_PAGES", 10),
		DuplicateWindow: getDurationEnv("DUPLICATE_WINDOW", 24*time.Hour),
		PrivateFirst:    getBoolEnv("PRIVATE_BRAG_FIRST", false),

		TrialPeriod:  getDurationEnv("TRIAL_PERIOD", 14*24*time.Hour),
		GracePeriod:  getDurationEnv("GRACE_PERIOD", 7*24*time.Hour),
		PurgeDelay:   getDurationEnv("PURGE_DELAY", 30*24*time.Hour),
		SubscribeURL: getEnv("SUBSCRIBE_URL", ""),

		StravaClientID:     getEnv("STRAVA_CLIENT_ID", ""),
		StravaClientSecret: getEnv("STRAVA_CLIENT_SECRET", ""),
		StravaVerifyToken:  getEnv("STRAVA_VERIFY_TOKEN", "slava"),

		SlackSigningSecret: getEnv("SLACK_SIGNING_SECRET", ""),
		SlackAPIURL:        getEnv("SLACK_API_URL", ""),

		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		RedisURL:        getEnv("REDIS_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "admin123"),
		GoogleMapsKey: getEnv("GOOGLE_STATIC_MAPS_API_KEY", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
