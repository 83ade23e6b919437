// Package config loads service configuration from the environment, with
// optional .env support. Real environment variables always override the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamwatch/internal/stream"
)

// Config holds every tunable of the service. The interval and quota values
// differ across deployments; none of them is a contract.
type Config struct {
	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	HTTPPort      string

	Twitch      TwitchConfig
	YouTube     YouTubeConfig
	TwitCasting TwitCastingConfig

	// Periodic refresh cadence (timer-driven).
	UpdateInterval   time.Duration
	ScheduleInterval time.Duration

	// Admission gating. A user-initiated request installs MinIntervalShort
	// for BoostCooldown, then the gate reverts to MinInterval.
	MinInterval      time.Duration
	MinIntervalShort time.Duration
	BoostCooldown    time.Duration

	// How long a last-good snapshot stays displayable as a fallback.
	ValidityWindow time.Duration

	// How long a persisted quota/auth warning stays sticky without a
	// successful fetch clearing it.
	FlagValidity time.Duration

	// Pause between chunked upstream calls.
	ChunkDelay time.Duration

	UpdateOrder []stream.Platform
}

// TwitchConfig carries Helix credentials.
type TwitchConfig struct {
	Enabled     bool
	ClientID    string
	AccessToken string
}

// YouTubeConfig carries Data API credentials and the daily quota budget.
type YouTubeConfig struct {
	Enabled     bool
	APIKey      string
	AccessToken string

	QuotaBudget int
	// Anchor hour (UTC) for the provider's fixed daily quota reset.
	QuotaResetHourUTC int
}

// TwitCastingConfig carries app credentials and the watched user list
// fallback used when the roster database is empty.
type TwitCastingConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	UserIDs      []string
}

// Load reads configuration from the environment. An .env file is loaded if
// present; ENV_FILE overrides its path.
func Load() (Config, error) {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Overload(envFile); err != nil {
			return Config{}, fmt.Errorf("load ENV_FILE=%q: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),

		Twitch: TwitchConfig{
			Enabled:     getBool("TWITCH_ENABLED", true),
			ClientID:    os.Getenv("TWITCH_CLIENT_ID"),
			AccessToken: os.Getenv("TWITCH_ACCESS_TOKEN"),
		},
		YouTube: YouTubeConfig{
			Enabled:           getBool("YOUTUBE_ENABLED", true),
			APIKey:            os.Getenv("YOUTUBE_API_KEY"),
			AccessToken:       os.Getenv("YOUTUBE_ACCESS_TOKEN"),
			QuotaBudget:       getInt("YOUTUBE_DAILY_QUOTA_LIMIT", 10000),
			QuotaResetHourUTC: getInt("YOUTUBE_QUOTA_RESET_HOUR_UTC", 8),
		},
		TwitCasting: TwitCastingConfig{
			Enabled:      getBool("TWITCASTING_ENABLED", true),
			ClientID:     os.Getenv("TWITCASTING_CLIENT_ID"),
			ClientSecret: os.Getenv("TWITCASTING_CLIENT_SECRET"),
			UserIDs:      splitTrim(os.Getenv("TWITCASTING_USER_IDS")),
		},

		UpdateInterval:   time.Duration(getInt("UPDATE_INTERVAL_MIN", 5)) * time.Minute,
		ScheduleInterval: time.Duration(getInt("SCHEDULE_INTERVAL_MIN", 60)) * time.Minute,
		MinInterval:      time.Duration(getInt("MIN_INTERVAL_SEC", 60)) * time.Second,
		MinIntervalShort: time.Duration(getInt("MIN_INTERVAL_SHORT_SEC", 10)) * time.Second,
		BoostCooldown:    time.Duration(getInt("BOOST_COOLDOWN_SEC", 300)) * time.Second,
		ValidityWindow:   time.Duration(getInt("VALIDITY_WINDOW_HOURS", 12)) * time.Hour,
		FlagValidity:     time.Duration(getInt("FLAG_VALIDITY_HOURS", 24)) * time.Hour,
		ChunkDelay:       time.Duration(getInt("CHUNK_DELAY_MS", 200)) * time.Millisecond,

		UpdateOrder: parseOrder(os.Getenv("PLATFORM_UPDATE_ORDER")),
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.YouTube.Enabled && cfg.YouTube.APIKey == "" {
		return Config{}, fmt.Errorf("missing YOUTUBE_API_KEY (set YOUTUBE_ENABLED=false to disable)")
	}
	if cfg.Twitch.Enabled && cfg.Twitch.ClientID == "" {
		return Config{}, fmt.Errorf("missing TWITCH_CLIENT_ID (set TWITCH_ENABLED=false to disable)")
	}
	return cfg, nil
}

func parseOrder(s string) []stream.Platform {
	if s == "" {
		return stream.Platforms()
	}
	var out []stream.Platform
	for _, part := range splitTrim(s) {
		p := stream.Platform(strings.ToLower(part))
		if p.Valid() {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return stream.Platforms()
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v != "false" && v != "0"
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
