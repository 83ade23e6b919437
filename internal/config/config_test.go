package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamwatch/internal/stream"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("YOUTUBE_API_KEY", "key")
	t.Setenv("TWITCH_CLIENT_ID", "cid")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 5*time.Minute, cfg.UpdateInterval)
	require.Equal(t, time.Minute, cfg.MinInterval)
	require.Equal(t, 10*time.Second, cfg.MinIntervalShort)
	require.Equal(t, 10000, cfg.YouTube.QuotaBudget)
	require.Equal(t, 8, cfg.YouTube.QuotaResetHourUTC)
	require.Equal(t, stream.Platforms(), cfg.UpdateOrder)
}

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("YOUTUBE_ENABLED", "false")
	t.Setenv("TWITCH_ENABLED", "false")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresKeysOnlyWhenEnabled(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("YOUTUBE_ENABLED", "false")
	t.Setenv("TWITCH_ENABLED", "false")
	t.Setenv("YOUTUBE_API_KEY", "")
	t.Setenv("TWITCH_CLIENT_ID", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.YouTube.Enabled)
	require.False(t, cfg.Twitch.Enabled)
}

func TestParseOrder(t *testing.T) {
	require.Equal(t, []stream.Platform{stream.YouTube, stream.Twitch},
		parseOrder("youtube, twitch"))
	require.Equal(t, stream.Platforms(), parseOrder(""))
	require.Equal(t, stream.Platforms(), parseOrder("vimeo,dailymotion"))
}

func TestSplitTrim(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitTrim(" a , b ,"))
	require.Nil(t, splitTrim(""))
}
