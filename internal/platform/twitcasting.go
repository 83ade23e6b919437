package platform

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/stream"
)

// TwitCasting user IDs are alphanumeric plus underscore; anything else came
// from a typo in configuration and is filtered out before use.
var twcUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// UserSource supplies the watched TwitCasting user IDs (roster or config).
type UserSource interface {
	TwitCastingUserIDs(ctx context.Context) ([]string, error)
}

// StaticUsers is a UserSource over a fixed configured list.
type StaticUsers []string

func (s StaticUsers) TwitCastingUserIDs(context.Context) ([]string, error) {
	return s, nil
}

// TwitCastingClient polls each watched user's current live movie. The API
// has no batch endpoint and no schedule endpoint.
type TwitCastingClient struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	BaseURL      string
	HTTPClient   *http.Client
	ChunkDelay   time.Duration
	Users        UserSource
	Logger       *zap.Logger
}

func NewTwitCasting(clientID, clientSecret, accessToken string, users UserSource, chunkDelay time.Duration, logger *zap.Logger) *TwitCastingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwitCastingClient{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AccessToken:  accessToken,
		BaseURL:      "https://apiv2.twitcasting.tv",
		HTTPClient:   &http.Client{Timeout: 20 * time.Second},
		ChunkDelay:   chunkDelay,
		Users:        users,
		Logger:       logger,
	}
}

func (c *TwitCastingClient) Name() stream.Platform { return stream.TwitCasting }

func (c *TwitCastingClient) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("X-Api-Version", "2.0")
	if c.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.AccessToken)
	} else {
		basic := base64.StdEncoding.EncodeToString([]byte(c.ClientID + ":" + c.ClientSecret))
		h.Set("Authorization", "Basic "+basic)
	}
	return h
}

// FetchLive checks every valid watched user. A single user's failure is
// logged and skipped; the fetch returns whoever did resolve.
func (c *TwitCastingClient) FetchLive(ctx context.Context) ([]stream.Record, error) {
	userIDs, err := c.Users.TwitCastingUserIDs(ctx)
	if err != nil {
		return nil, stream.NewError(stream.ErrTransient, stream.TwitCasting, "load user roster", err)
	}

	valid := userIDs[:0:0]
	for _, id := range userIDs {
		if twcUserIDPattern.MatchString(id) {
			valid = append(valid, id)
		} else {
			c.Logger.Warn("twitcasting: dropping malformed user id", zap.String("user_id", id))
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	var out []stream.Record
	var missing, failed int
	for i, userID := range valid {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if i > 0 {
			pace(ctx, c.ChunkDelay)
		}

		var resp struct {
			Movie *struct {
				ID               string `json:"id"`
				Title            string `json:"title"`
				IsLive           bool   `json:"is_live"`
				SmallThumbnail   string `json:"small_thumbnail"`
				Category         string `json:"category"`
				CurrentViewCount int64  `json:"current_view_count"`
				Created          int64  `json:"created"`
			} `json:"movie"`
			Broadcaster *struct {
				ID       string `json:"id"`
				ScreenID string `json:"screen_id"`
				Name     string `json:"name"`
				Image    string `json:"image"`
			} `json:"broadcaster"`
		}
		err := getJSON(ctx, c.HTTPClient, stream.TwitCasting, c.BaseURL+"/users/"+userID+"/current_live", c.header(), &resp)
		if err != nil {
			if stream.IsAuth(err) {
				return nil, err
			}
			// A user with no current live answers 404; that is an expected
			// skip, not an upstream failure.
			if errors.Is(err, errNotFound) {
				missing++
				continue
			}
			c.Logger.Warn("twitcasting: user lookup failed", zap.String("user", userID), zap.Error(err))
			failed++
			continue
		}
		if resp.Movie == nil || !resp.Movie.IsLive || resp.Broadcaster == nil {
			continue
		}

		m, b := resp.Movie, resp.Broadcaster
		rec := stream.Record{
			ID:          m.ID,
			Platform:    stream.TwitCasting,
			ChannelID:   b.ID,
			ChannelName: b.Name,
			Title:       firstNonEmpty(m.Title, b.ScreenID),
			URL:         "https://twitcasting.tv/" + b.ScreenID,
			Thumbnail:   m.SmallThumbnail,
			ViewerCount: m.CurrentViewCount,
			Category:    m.Category,
		}
		if b.Image != "" {
			icon := b.Image
			rec.ChannelIcon = &icon
		}
		if m.Created > 0 {
			t := time.Unix(m.Created, 0).UTC()
			rec.StartTime = &t
		}
		out = append(out, rec)
	}

	// All-404 means nobody is live. Anything else taking down every lookup
	// is an outage, and an empty set cannot be trusted.
	if failed > 0 && missing+failed == len(valid) && len(out) == 0 {
		return nil, stream.NewError(stream.ErrTransient, stream.TwitCasting, "every user lookup failed", nil)
	}
	return out, nil
}

// FetchSchedule is a no-op: TwitCasting has no schedule API.
func (c *TwitCastingClient) FetchSchedule(context.Context) ([]stream.ScheduleRecord, error) {
	return nil, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
