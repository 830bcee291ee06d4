package config

import (
	"errors"
	"os"
	"strconv"
)

// Config holds runtime configuration loaded from the environment.
type Config struct {
	// DATABASE_URL selects the Postgres store; when empty the embedded
	// SQLite store at DBPath is used instead.
	DBConnString string
	DBPath       string
	// SESSION_KEY is the hex-encoded 32-byte AES key protecting stored
	// session cookies.
	SessionKey string
	// TELEGRAM_TOKEN enables the state-change notifier when set.
	TelegramToken string

	PlanIntervalMinutes int
	BasePostsPerHour    int
}

// FromEnv loads configuration from environment variables. SESSION_KEY is
// required; everything else falls back to a default.
func FromEnv() (*Config, error) {
	c := &Config{
		DBConnString:  os.Getenv("DATABASE_URL"),
		DBPath:        os.Getenv("DB_PATH"),
		SessionKey:    os.Getenv("SESSION_KEY"),
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
	}
	if c.SessionKey == "" {
		return nil, errors.New("SESSION_KEY is not set")
	}
	if c.DBPath == "" {
		c.DBPath = "connections.db"
	}
	c.PlanIntervalMinutes = intEnv("PLAN_INTERVAL_MINUTES", 10)
	c.BasePostsPerHour = intEnv("BASE_POSTS_PER_HOUR", 200)
	return c, nil
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
