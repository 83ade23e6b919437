package platform

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/quota"
	"streamwatch/internal/stream"
)

const (
	ytVideoChunkSize = 50

	ytSubscriptionsTTL = 24 * time.Hour
	ytLiveTTL          = 5 * time.Minute
	ytUpcomingTTL      = 30 * time.Minute

	// Enough upcoming streams; stop searching further channels once reached.
	ytUpcomingEnough = 20
)

// ChannelSource supplies the channels to watch when no OAuth token is
// available for the subscriptions endpoint (the roster database).
type ChannelSource interface {
	YouTubeChannels(ctx context.Context) ([]WatchedChannel, error)
}

// WatchedChannel is one roster entry.
type WatchedChannel struct {
	ChannelID string
	Name      string
	Icon      *string
}

// YouTubeClient fetches live and upcoming streams for subscribed channels.
// Every costed call is admitted through the quota Ledger first; above the
// high-water mark the client extends its caches instead of spending quota.
type YouTubeClient struct {
	APIKey      string
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
	ChunkDelay  time.Duration
	Ledger      *quota.Ledger
	Channels    ChannelSource
	Logger      *zap.Logger

	subscriptions *ttlCache[[]ytChannel]
	live          *ttlCache[[]stream.Record]
	upcoming      *ttlCache[[]stream.ScheduleRecord]
}

type ytChannel struct {
	ID   string
	Name string
}

func NewYouTube(apiKey, accessToken string, ledger *quota.Ledger, channels ChannelSource, chunkDelay time.Duration, logger *zap.Logger) *YouTubeClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YouTubeClient{
		APIKey:        apiKey,
		AccessToken:   accessToken,
		BaseURL:       "https://www.googleapis.com/youtube/v3",
		HTTPClient:    &http.Client{Timeout: 20 * time.Second},
		ChunkDelay:    chunkDelay,
		Ledger:        ledger,
		Channels:      channels,
		Logger:        logger,
		subscriptions: newTTLCache[[]ytChannel](ytSubscriptionsTTL),
		live:          newTTLCache[[]stream.Record](ytLiveTTL),
		upcoming:      newTTLCache[[]stream.ScheduleRecord](ytUpcomingTTL),
	}
}

func (c *YouTubeClient) Name() stream.Platform { return stream.YouTube }

func (c *YouTubeClient) get(ctx context.Context, endpoint string, params url.Values, authed bool, out any) error {
	if c.APIKey == "" {
		return stream.NewError(stream.ErrAuth, stream.YouTube, "missing API key", nil)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.APIKey)
	u := c.BaseURL + endpoint + "?" + params.Encode()

	h := http.Header{}
	if authed && c.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.AccessToken)
	}
	return getJSON(ctx, c.HTTPClient, stream.YouTube, u, h, out)
}

// reserve admits one costed call, or reports quota exhaustion as an error.
func (c *YouTubeClient) reserve(ctx context.Context, endpoint string) error {
	if c.Ledger == nil || c.Ledger.Reserve(ctx, endpoint) {
		return nil
	}
	return stream.NewError(stream.ErrQuota, stream.YouTube, "daily quota budget exhausted", nil)
}

// FetchLive returns current live streams for watched channels.
func (c *YouTubeClient) FetchLive(ctx context.Context) ([]stream.Record, error) {
	if cached, ok := c.live.get(); ok {
		return cached, nil
	}

	// Past the high-water mark stale data beats exhausting the budget:
	// restamp the expired cache and serve it.
	if c.Ledger != nil && c.Ledger.OverHighWater() {
		if cached, ok := c.live.stale(); ok {
			c.Logger.Info("youtube: quota high water, extending live cache")
			c.live.extend()
			return cached, ErrStaleServed
		}
	}

	channels, err := c.watchedChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}

	var videoIDs []string
	var failed int
	for i, ch := range channels {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		ids, err := c.searchEventVideoIDs(ctx, ch.ID, "live", 1)
		if err != nil {
			if stream.IsQuota(err) || stream.IsAuth(err) {
				return c.liveFallback(err)
			}
			failed++
			c.Logger.Warn("youtube: live search failed", zap.String("channel", ch.ID), zap.Error(err))
			continue
		}
		videoIDs = append(videoIDs, ids...)
	}
	if failed > 0 && failed == len(channels) {
		return c.liveFallback(stream.NewError(stream.ErrTransient, stream.YouTube, "all live searches failed", nil))
	}

	videos, err := c.fetchVideos(ctx, videoIDs)
	if err != nil {
		return c.liveFallback(err)
	}

	out := make([]stream.Record, 0, len(videos))
	for _, v := range videos {
		if v.LiveState != "live" {
			continue
		}
		out = append(out, v.record())
	}
	c.attachChannelIcons(ctx, out)
	c.live.put(out)
	return out, nil
}

// liveFallback serves the stale live cache on failure, if any exists.
func (c *YouTubeClient) liveFallback(err error) ([]stream.Record, error) {
	if cached, ok := c.live.stale(); ok && len(cached) > 0 {
		c.Logger.Warn("youtube: fetch failed, serving cached live data", zap.Error(err))
		return cached, ErrStaleServed
	}
	return nil, err
}

// FetchSchedule returns upcoming broadcasts for watched channels.
func (c *YouTubeClient) FetchSchedule(ctx context.Context) ([]stream.ScheduleRecord, error) {
	if cached, ok := c.upcoming.get(); ok {
		return cached, nil
	}
	if c.Ledger != nil && c.Ledger.OverHighWater() {
		if cached, ok := c.upcoming.stale(); ok {
			c.upcoming.extend()
			return cached, ErrStaleServed
		}
	}

	channels, err := c.watchedChannels(ctx)
	if err != nil {
		return nil, err
	}

	var out []stream.ScheduleRecord
	for i, ch := range channels {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if len(out) >= ytUpcomingEnough {
			break
		}
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		ids, err := c.searchEventVideoIDs(ctx, ch.ID, "upcoming", 3)
		if err != nil {
			if stream.IsQuota(err) || stream.IsAuth(err) {
				if cached, ok := c.upcoming.stale(); ok && len(cached) > 0 {
					c.upcoming.extend()
					return cached, ErrStaleServed
				}
				return nil, err
			}
			continue
		}
		if len(ids) == 0 {
			continue
		}
		videos, err := c.fetchVideos(ctx, ids)
		if err != nil {
			continue
		}
		for _, v := range videos {
			if v.LiveState != "upcoming" || v.ScheduledStartTime == nil {
				continue
			}
			rec := stream.ScheduleRecord{Record: v.record()}
			rec.StartTime = v.ScheduledStartTime
			rec.EndTime = v.ScheduledEndTime
			if v.Description != "" {
				d := v.Description
				rec.Description = &d
			}
			out = append(out, rec)
		}
	}

	c.upcoming.put(out)
	return out, nil
}

// watchedChannels prefers the OAuth subscription list; without a token it
// falls back to the roster database. A failed refresh reuses the expired
// subscription cache rather than failing the pass.
func (c *YouTubeClient) watchedChannels(ctx context.Context) ([]ytChannel, error) {
	if cached, ok := c.subscriptions.get(); ok {
		return cached, nil
	}

	if c.AccessToken == "" {
		if c.Channels == nil {
			return nil, stream.NewError(stream.ErrAuth, stream.YouTube, "no access token and no channel roster", nil)
		}
		watched, err := c.Channels.YouTubeChannels(ctx)
		if err != nil {
			return nil, stream.NewError(stream.ErrTransient, stream.YouTube, "load channel roster", err)
		}
		channels := make([]ytChannel, 0, len(watched))
		for _, w := range watched {
			channels = append(channels, ytChannel{ID: w.ChannelID, Name: w.Name})
		}
		c.subscriptions.put(channels)
		return channels, nil
	}

	if err := c.reserve(ctx, "/subscriptions"); err != nil {
		if cached, ok := c.subscriptions.stale(); ok {
			c.subscriptions.extend()
			return cached, nil
		}
		return nil, err
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("mine", "true")
	params.Set("maxResults", "50")
	params.Set("order", "relevance")
	var resp struct {
		Items []struct {
			Snippet struct {
				Title      string `json:"title"`
				ResourceID struct {
					ChannelID string `json:"channelId"`
				} `json:"resourceId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/subscriptions", params, true, &resp); err != nil {
		if cached, ok := c.subscriptions.stale(); ok {
			c.Logger.Warn("youtube: subscription refresh failed, reusing cached list", zap.Error(err))
			c.subscriptions.extend()
			return cached, nil
		}
		return nil, err
	}

	channels := make([]ytChannel, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Snippet.ResourceID.ChannelID == "" {
			continue
		}
		channels = append(channels, ytChannel{
			ID:   item.Snippet.ResourceID.ChannelID,
			Name: item.Snippet.Title,
		})
	}
	c.subscriptions.put(channels)
	return channels, nil
}

func (c *YouTubeClient) searchEventVideoIDs(ctx context.Context, channelID, eventType string, maxResults int) ([]string, error) {
	if err := c.reserve(ctx, "/search"); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("part", "id")
	params.Set("channelId", channelID)
	params.Set("maxResults", strconv.Itoa(maxResults))
	params.Set("order", "date")
	params.Set("type", "video")
	params.Set("eventType", eventType) // live | upcoming
	var resp struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/search", params, false, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.ID.VideoID != "" {
			out = append(out, it.ID.VideoID)
		}
	}
	return out, nil
}

type ytVideo struct {
	VideoID           string
	ChannelID         string
	ChannelName       string
	Title             string
	Description       string
	ThumbnailURL      string
	Category          string
	LiveState         string // live | upcoming | none
	ConcurrentViewers int64

	ActualStartTime    *time.Time
	ScheduledStartTime *time.Time
	ScheduledEndTime   *time.Time
}

func (v ytVideo) record() stream.Record {
	rec := stream.Record{
		ID:          v.VideoID,
		Platform:    stream.YouTube,
		ChannelID:   v.ChannelID,
		ChannelName: v.ChannelName,
		Title:       v.Title,
		URL:         "https://www.youtube.com/watch?v=" + v.VideoID,
		Thumbnail:   v.ThumbnailURL,
		ViewerCount: v.ConcurrentViewers,
		Category:    v.Category,
	}
	if v.ActualStartTime != nil {
		rec.StartTime = v.ActualStartTime
	} else {
		rec.StartTime = v.ScheduledStartTime
	}
	return rec
}

// fetchVideos resolves details for up to 50 IDs per call, chunked. A failed
// chunk is skipped; the fetch returns whatever chunks succeeded.
func (c *YouTubeClient) fetchVideos(ctx context.Context, videoIDs []string) ([]ytVideo, error) {
	if len(videoIDs) == 0 {
		return nil, nil
	}

	var out []ytVideo
	var failed int
	parts := chunk(videoIDs, ytVideoChunkSize)
	for i, part := range parts {
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		if err := c.reserve(ctx, "/videos"); err != nil {
			return out, err
		}
		params := url.Values{}
		params.Set("part", "snippet,liveStreamingDetails")
		params.Set("id", strings.Join(part, ","))
		var resp struct {
			Items []struct {
				ID      string `json:"id"`
				Snippet struct {
					Title                string `json:"title"`
					Description          string `json:"description"`
					ChannelID            string `json:"channelId"`
					ChannelTitle         string `json:"channelTitle"`
					CategoryID           string `json:"categoryId"`
					LiveBroadcastContent string `json:"liveBroadcastContent"`
					Thumbnails           struct {
						Maxres struct {
							URL string `json:"url"`
						} `json:"maxres"`
						High struct {
							URL string `json:"url"`
						} `json:"high"`
						Medium struct {
							URL string `json:"url"`
						} `json:"medium"`
						Default struct {
							URL string `json:"url"`
						} `json:"default"`
					} `json:"thumbnails"`
				} `json:"snippet"`
				LiveStreamingDetails struct {
					ActualStartTime    string  `json:"actualStartTime"`
					ScheduledStartTime string  `json:"scheduledStartTime"`
					ScheduledEndTime   string  `json:"scheduledEndTime"`
					ConcurrentViewers  *string `json:"concurrentViewers"`
				} `json:"liveStreamingDetails"`
			} `json:"items"`
		}
		if err := c.get(ctx, "/videos", params, false, &resp); err != nil {
			if stream.IsQuota(err) || stream.IsAuth(err) {
				return out, err
			}
			failed++
			c.Logger.Warn("youtube: videos chunk failed", zap.Int("chunk", i), zap.Error(err))
			continue
		}
		for _, it := range resp.Items {
			if it.ID == "" {
				continue
			}
			v := ytVideo{
				VideoID:      it.ID,
				ChannelID:    it.Snippet.ChannelID,
				ChannelName:  it.Snippet.ChannelTitle,
				Title:        it.Snippet.Title,
				Description:  it.Snippet.Description,
				Category:     it.Snippet.CategoryID,
				LiveState:    it.Snippet.LiveBroadcastContent,
				ThumbnailURL: pickThumb(it.Snippet.Thumbnails.Maxres.URL, it.Snippet.Thumbnails.High.URL, it.Snippet.Thumbnails.Medium.URL, it.Snippet.Thumbnails.Default.URL),
			}
			v.ActualStartTime = parseTimePtr(it.LiveStreamingDetails.ActualStartTime)
			v.ScheduledStartTime = parseTimePtr(it.LiveStreamingDetails.ScheduledStartTime)
			v.ScheduledEndTime = parseTimePtr(it.LiveStreamingDetails.ScheduledEndTime)
			if it.LiveStreamingDetails.ConcurrentViewers != nil {
				if n, err := strconv.ParseInt(*it.LiveStreamingDetails.ConcurrentViewers, 10, 64); err == nil {
					v.ConcurrentViewers = n
				}
			}
			out = append(out, v)
		}
	}
	if failed == len(parts) && failed > 0 {
		return nil, stream.NewError(stream.ErrTransient, stream.YouTube, "all video chunks failed", nil)
	}
	return out, nil
}

// attachChannelIcons fills ChannelIcon on records in place. Icon failures
// never cost the fetch.
func (c *YouTubeClient) attachChannelIcons(ctx context.Context, recs []stream.Record) {
	if len(recs) == 0 {
		return
	}
	seen := make(map[string]bool, len(recs))
	var ids []string
	for _, r := range recs {
		if !seen[r.ChannelID] {
			seen[r.ChannelID] = true
			ids = append(ids, r.ChannelID)
		}
	}

	icons := make(map[string]string, len(ids))
	for i, part := range chunk(ids, ytVideoChunkSize) {
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}
		if err := c.reserve(ctx, "/channels"); err != nil {
			return
		}
		params := url.Values{}
		params.Set("part", "snippet")
		params.Set("id", strings.Join(part, ","))
		var resp struct {
			Items []struct {
				ID      string `json:"id"`
				Snippet struct {
					Thumbnails struct {
						Default struct {
							URL string `json:"url"`
						} `json:"default"`
					} `json:"thumbnails"`
				} `json:"snippet"`
			} `json:"items"`
		}
		if err := c.get(ctx, "/channels", params, false, &resp); err != nil {
			c.Logger.Warn("youtube: channel icons chunk failed", zap.Error(err))
			continue
		}
		for _, it := range resp.Items {
			icons[it.ID] = it.Snippet.Thumbnails.Default.URL
		}
	}

	for i := range recs {
		if icon, ok := icons[recs[i].ChannelID]; ok && icon != "" {
			ic := icon
			recs[i].ChannelIcon = &ic
		}
	}
}

func pickThumb(urls ...string) string {
	for _, u := range urls {
		if u != "" {
			return u
		}
	}
	return ""
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	tt := t.UTC()
	return &tt
}
