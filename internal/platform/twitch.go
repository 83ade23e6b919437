package platform

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/stream"
)

const (
	twitchChunkSize  = 100
	twitchFollowsTTL = 24 * time.Hour
)

// TwitchClient fetches the authenticated user's followed live streams and
// schedules from the Helix API.
type TwitchClient struct {
	ClientID    string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
	ChunkDelay  time.Duration
	Logger      *zap.Logger

	follows *ttlCache[[]twitchFollow]
	userID  *ttlCache[string]
}

type twitchFollow struct {
	ID    string
	Login string
	Name  string
}

func NewTwitch(clientID, accessToken string, chunkDelay time.Duration, logger *zap.Logger) *TwitchClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwitchClient{
		ClientID:    clientID,
		AccessToken: accessToken,
		BaseURL:     "https://api.twitch.tv/helix",
		HTTPClient:  &http.Client{Timeout: 20 * time.Second},
		ChunkDelay:  chunkDelay,
		Logger:      logger,
		follows:     newTTLCache[[]twitchFollow](twitchFollowsTTL),
		userID:      newTTLCache[string](twitchFollowsTTL),
	}
}

func (c *TwitchClient) Name() stream.Platform { return stream.Twitch }

func (c *TwitchClient) header() http.Header {
	h := http.Header{}
	h.Set("Client-Id", c.ClientID)
	h.Set("Authorization", "Bearer "+c.AccessToken)
	return h
}

func (c *TwitchClient) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	u := c.BaseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return getJSON(ctx, c.HTTPClient, stream.Twitch, u, c.header(), out)
}

// FetchLive returns every live stream among the user's follows.
func (c *TwitchClient) FetchLive(ctx context.Context) ([]stream.Record, error) {
	follows, err := c.followedChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(follows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(follows))
	for _, f := range follows {
		ids = append(ids, f.ID)
	}

	var live []twitchStream
	var failed int
	for i, part := range chunk(ids, twitchChunkSize) {
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		params := url.Values{}
		for _, id := range part {
			params.Add("user_id", id)
		}
		var resp struct {
			Data []twitchStream `json:"data"`
		}
		if err := c.get(ctx, "/streams", params, &resp); err != nil {
			// A failed chunk never aborts the fetch; we keep whatever
			// chunks succeeded. Auth failures are terminal, though: every
			// remaining chunk would fail the same way.
			if stream.IsAuth(err) {
				return nil, err
			}
			failed++
			c.Logger.Warn("twitch: streams chunk failed", zap.Int("chunk", i), zap.Error(err))
			continue
		}
		live = append(live, resp.Data...)
	}
	if failed > 0 && len(live) == 0 {
		return nil, stream.NewError(stream.ErrTransient, stream.Twitch, "all stream chunks failed", nil)
	}

	icons := c.channelIcons(ctx, live)

	out := make([]stream.Record, 0, len(live))
	for _, s := range live {
		rec := stream.Record{
			ID:          s.ID,
			Platform:    stream.Twitch,
			ChannelID:   s.UserID,
			ChannelName: s.UserName,
			Title:       s.Title,
			URL:         "https://twitch.tv/" + s.UserLogin,
			Thumbnail:   thumbURL(s.ThumbnailURL),
			ViewerCount: s.ViewerCount,
			Category:    s.GameName,
		}
		if icon, ok := icons[s.UserID]; ok && icon != "" {
			ic := icon
			rec.ChannelIcon = &ic
		}
		if t, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
			tt := t.UTC()
			rec.StartTime = &tt
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchSchedule walks the followed channels' schedule segments. Channels
// without a schedule 404 and are skipped.
func (c *TwitchClient) FetchSchedule(ctx context.Context) ([]stream.ScheduleRecord, error) {
	follows, err := c.followedChannels(ctx)
	if err != nil {
		return nil, err
	}

	var out []stream.ScheduleRecord
	for i, f := range follows {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		var resp struct {
			Data struct {
				Segments []struct {
					ID        string `json:"id"`
					StartTime string `json:"start_time"`
					EndTime   string `json:"end_time"`
					Title     string `json:"title"`
					Category  *struct {
						Name string `json:"name"`
					} `json:"category"`
				} `json:"segments"`
			} `json:"data"`
		}
		params := url.Values{}
		params.Set("broadcaster_id", f.ID)
		if err := c.get(ctx, "/schedule", params, &resp); err != nil {
			if stream.IsAuth(err) {
				return nil, err
			}
			continue
		}
		for _, seg := range resp.Data.Segments {
			rec := stream.ScheduleRecord{
				Record: stream.Record{
					ID:          seg.ID,
					Platform:    stream.Twitch,
					ChannelID:   f.ID,
					ChannelName: f.Name,
					Title:       seg.Title,
					URL:         "https://twitch.tv/" + f.Login,
				},
			}
			if seg.Category != nil {
				rec.Category = seg.Category.Name
			}
			if t, err := time.Parse(time.RFC3339, seg.StartTime); err == nil {
				tt := t.UTC()
				rec.StartTime = &tt
			}
			if t, err := time.Parse(time.RFC3339, seg.EndTime); err == nil {
				tt := t.UTC()
				rec.EndTime = &tt
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// followedChannels resolves the authenticated user's follow list, cached for
// a day since follows barely change between polls.
func (c *TwitchClient) followedChannels(ctx context.Context) ([]twitchFollow, error) {
	if cached, ok := c.follows.get(); ok {
		return cached, nil
	}

	userID, err := c.selfID(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			BroadcasterID    string `json:"broadcaster_id"`
			BroadcasterLogin string `json:"broadcaster_login"`
			BroadcasterName  string `json:"broadcaster_name"`
		} `json:"data"`
	}
	params := url.Values{}
	params.Set("user_id", userID)
	params.Set("first", "100")
	if err := c.get(ctx, "/channels/followed", params, &resp); err != nil {
		// Reuse an expired follow list rather than dropping the whole pass.
		if cached, ok := c.follows.stale(); ok {
			c.Logger.Warn("twitch: follow refresh failed, reusing cached list", zap.Error(err))
			c.follows.extend()
			return cached, nil
		}
		return nil, err
	}

	follows := make([]twitchFollow, 0, len(resp.Data))
	for _, f := range resp.Data {
		follows = append(follows, twitchFollow{
			ID:    f.BroadcasterID,
			Login: f.BroadcasterLogin,
			Name:  f.BroadcasterName,
		})
	}
	c.follows.put(follows)
	return follows, nil
}

func (c *TwitchClient) selfID(ctx context.Context) (string, error) {
	if cached, ok := c.userID.get(); ok {
		return cached, nil
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/users", nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", stream.NewError(stream.ErrAuth, stream.Twitch, "no user for token", nil)
	}
	c.userID.put(resp.Data[0].ID)
	return resp.Data[0].ID, nil
}

// channelIcons resolves profile images for the live channels. Failures here
// only cost the icons, never the fetch.
func (c *TwitchClient) channelIcons(ctx context.Context, live []twitchStream) map[string]string {
	if len(live) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(live))
	var ids []string
	for _, s := range live {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			ids = append(ids, s.UserID)
		}
	}

	icons := make(map[string]string, len(ids))
	for i, part := range chunk(ids, twitchChunkSize) {
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		params := url.Values{}
		for _, id := range part {
			params.Add("id", id)
		}
		var resp struct {
			Data []struct {
				ID              string `json:"id"`
				ProfileImageURL string `json:"profile_image_url"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/users", params, &resp); err != nil {
			c.Logger.Warn("twitch: user icons chunk failed", zap.Error(err))
			continue
		}
		for _, u := range resp.Data {
			icons[u.ID] = u.ProfileImageURL
		}
	}
	return icons
}

type twitchStream struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	UserLogin    string `json:"user_login"`
	UserName     string `json:"user_name"`
	GameName     string `json:"game_name"`
	Title        string `json:"title"`
	ViewerCount  int64  `json:"viewer_count"`
	StartedAt    string `json:"started_at"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// thumbURL fills Helix's {width}x{height} template.
func thumbURL(tpl string) string {
	if tpl == "" {
		return ""
	}
	tpl = strings.ReplaceAll(tpl, "{width}", "320")
	return strings.ReplaceAll(tpl, "{height}", "180")
}
