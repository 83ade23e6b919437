// Package roster is the Postgres-backed list of watched channels: YouTube
// channel IDs and TwitCasting user IDs the pollers walk when no OAuth
// subscription list is available.
package roster

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamwatch/internal/platform"
	"streamwatch/internal/stream"
)

// Channel is one watched channel row.
type Channel struct {
	Platform  stream.Platform
	ChannelID string
	Name      string
	Icon      *string
	Active    bool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS watched_channels (
	platform    TEXT        NOT NULL,
	channel_id  TEXT        NOT NULL,
	name        TEXT        NOT NULL DEFAULT '',
	icon        TEXT,
	is_active   BOOLEAN     NOT NULL DEFAULT TRUE,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (platform, channel_id)
);
CREATE INDEX IF NOT EXISTS watched_channels_active_idx
	ON watched_channels (platform) WHERE is_active;
`

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	normalizedURL, schema := normalizeDatabaseURL(databaseURL)
	cfg, err := pgxpool.ParseConfig(normalizedURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		if cfg.ConnConfig.RuntimeParams == nil {
			cfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	// SimpleProtocol so the multi-statement schema SQL can run in one Exec.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return p, nil
}

func normalizeDatabaseURL(databaseURL string) (string, string) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return databaseURL, ""
	}
	q := u.Query()
	schema := q.Get("schema")
	if schema == "" {
		return databaseURL, ""
	}
	q.Del("schema")
	u.RawQuery = q.Encode()
	return u.String(), schema
}

// Roster reads and writes watched channels. It backs both the YouTube
// channel source and the TwitCasting user source of the platform adapters.
type Roster struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Roster { return &Roster{pool: pool} }

func (r *Roster) ApplySchema(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("nil pool")
	}
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *Roster) ListActive(ctx context.Context, p stream.Platform) ([]Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT platform, channel_id, name, icon, is_active
		FROM watched_channels
		WHERE platform = $1 AND is_active = true
		ORDER BY name ASC
	`, string(p))
	if err != nil {
		return nil, fmt.Errorf("query watched channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.Platform, &c.ChannelID, &c.Name, &c.Icon, &c.Active); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate channels: %w", rows.Err())
	}
	return out, nil
}

func (r *Roster) Upsert(ctx context.Context, c Channel) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO watched_channels (
			platform,
			channel_id,
			name,
			icon,
			is_active,
			updated_at
		) VALUES ($1,$2,$3,$4,TRUE,now())
		ON CONFLICT (platform, channel_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			icon = EXCLUDED.icon,
			is_active = TRUE,
			updated_at = now()
	`, string(c.Platform), c.ChannelID, c.Name, c.Icon)
	if err != nil {
		return fmt.Errorf("upsert channel (platform=%s id=%s): %w", c.Platform, c.ChannelID, err)
	}
	return nil
}

func (r *Roster) Deactivate(ctx context.Context, p stream.Platform, channelID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE watched_channels
		SET is_active = FALSE, updated_at = now()
		WHERE platform = $1 AND channel_id = $2
	`, string(p), channelID)
	if err != nil {
		return fmt.Errorf("deactivate channel (platform=%s id=%s): %w", p, channelID, err)
	}
	return nil
}

// YouTubeChannels implements platform.ChannelSource.
func (r *Roster) YouTubeChannels(ctx context.Context) ([]platform.WatchedChannel, error) {
	channels, err := r.ListActive(ctx, stream.YouTube)
	if err != nil {
		return nil, err
	}
	out := make([]platform.WatchedChannel, 0, len(channels))
	for _, c := range channels {
		out = append(out, platform.WatchedChannel{ChannelID: c.ChannelID, Name: c.Name})
	}
	return out, nil
}

// TwitCastingUserIDs implements platform.UserSource.
func (r *Roster) TwitCastingUserIDs(ctx context.Context) ([]string, error) {
	channels, err := r.ListActive(ctx, stream.TwitCasting)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, c.ChannelID)
	}
	return ids, nil
}
