package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/quota"
	"streamwatch/internal/stream"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestTwitchChunkFailureTolerated(t *testing.T) {
	var streamCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			if r.URL.Query().Get("id") != "" {
				writeJSON(w, map[string]any{"data": []any{}})
				return
			}
			writeJSON(w, map[string]any{"data": []map[string]string{{"id": "self"}}})
		case "/channels/followed":
			// 150 follows forces two /streams chunks of 100 and 50.
			follows := make([]map[string]string, 150)
			for i := range follows {
				follows[i] = map[string]string{
					"broadcaster_id":    fmt.Sprintf("b%d", i),
					"broadcaster_login": fmt.Sprintf("login%d", i),
					"broadcaster_name":  fmt.Sprintf("name%d", i),
				}
			}
			writeJSON(w, map[string]any{"data": follows})
		case "/streams":
			if streamCalls.Add(1) == 1 {
				http.Error(w, "upstream sad", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]any{"data": []map[string]any{{
				"id":           "s1",
				"user_id":      "b120",
				"user_login":   "login120",
				"user_name":    "name120",
				"title":        "hi",
				"viewer_count": 42,
				"started_at":   "2025-03-10T12:00:00Z",
				"game_name":    "Chatting",
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTwitch("cid", "tok", 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "s1", recs[0].ID)
	require.Equal(t, int64(42), recs[0].ViewerCount)
	require.Equal(t, int32(2), streamCalls.Load())
}

func TestTwitchEmptySuccessfulFetchTrusted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users":
			writeJSON(w, map[string]any{"data": []map[string]string{{"id": "self"}}})
		case "/channels/followed":
			writeJSON(w, map[string]any{"data": []map[string]string{{
				"broadcaster_id": "b1", "broadcaster_login": "l1", "broadcaster_name": "n1",
			}}})
		case "/streams":
			writeJSON(w, map[string]any{"data": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTwitch("cid", "tok", 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestTwitchAuthErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewTwitch("cid", "expired", 0, nil)
	c.BaseURL = srv.URL

	_, err := c.FetchLive(context.Background())
	require.Error(t, err)
	require.True(t, stream.IsAuth(err))
}

func TestTwitCastingFiltersMalformedUserIDs(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		requested = append(requested, parts[2])
		writeJSON(w, map[string]any{
			"movie": map[string]any{
				"id": "m1", "title": "live!", "is_live": true,
				"current_view_count": 7, "created": 1741600800,
			},
			"broadcaster": map[string]any{
				"id": parts[2], "screen_id": parts[2], "name": "Name",
			},
		})
	}))
	defer srv.Close()

	c := NewTwitCasting("cid", "secret", "", StaticUsers{"good_id", "bad id!", "also-bad"}, 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"good_id"}, requested)
	require.Len(t, recs, 1)
	require.Equal(t, stream.TwitCasting, recs[0].Platform)
}

func TestTwitCastingUserFailureSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "offline_user") {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"movie":       map[string]any{"id": "m2", "is_live": true, "title": "t"},
			"broadcaster": map[string]any{"id": "u2", "screen_id": "u2", "name": "U2"},
		})
	}))
	defer srv.Close()

	c := NewTwitCasting("cid", "secret", "", StaticUsers{"offline_user", "u2"}, 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "m2", recs[0].ID)
}

func TestTwitCastingAllUsersOfflineIsEmptySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewTwitCasting("cid", "secret", "", StaticUsers{"u1", "u2"}, 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestTwitCastingTotalOutageIsTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "u1") {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewTwitCasting("cid", "secret", "", StaticUsers{"u1", "u2", "u3"}, 0, nil)
	c.BaseURL = srv.URL

	recs, err := c.FetchLive(context.Background())
	require.Error(t, err)
	require.Empty(t, recs)
	require.False(t, stream.IsAuth(err))
	require.False(t, stream.IsQuota(err))
	require.Equal(t, stream.ErrTransient, stream.KindOf(err))
}

type rosterStub []WatchedChannel

func (r rosterStub) YouTubeChannels(context.Context) ([]WatchedChannel, error) {
	return r, nil
}

func newYouTubeFixture(t *testing.T, budget int) (*YouTubeClient, *httptest.Server, *atomic.Int32) {
	t.Helper()
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			searches.Add(1)
			writeJSON(w, map[string]any{"items": []map[string]any{
				{"id": map[string]string{"videoId": "v1"}},
			}})
		case "/videos":
			writeJSON(w, map[string]any{"items": []map[string]any{{
				"id": "v1",
				"snippet": map[string]any{
					"title":                "live now",
					"channelId":            "ch1",
					"channelTitle":         "Channel One",
					"liveBroadcastContent": "live",
				},
				"liveStreamingDetails": map[string]any{
					"actualStartTime":   "2025-03-10T11:00:00Z",
					"concurrentViewers": "123",
				},
			}}})
		case "/channels":
			writeJSON(w, map[string]any{"items": []any{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	ledger := quota.New(kvstore.NewMemory(), budget, 8, nil)
	c := NewYouTube("key", "", ledger, rosterStub{{ChannelID: "ch1", Name: "Channel One"}}, 0, nil)
	c.BaseURL = srv.URL
	return c, srv, &searches
}

func TestYouTubeFetchLiveHappyPath(t *testing.T) {
	c, _, _ := newYouTubeFixture(t, 10000)

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "v1", recs[0].ID)
	require.Equal(t, int64(123), recs[0].ViewerCount)
}

func TestYouTubeShortLivedCacheSkipsRefetch(t *testing.T) {
	c, _, searches := newYouTubeFixture(t, 10000)

	_, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	first := searches.Load()

	_, err = c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, searches.Load(), "second fetch within TTL must not hit the API")
}

func TestYouTubeQuotaDeniedWithoutCache(t *testing.T) {
	// Budget too small for a single search (cost 100).
	c, _, _ := newYouTubeFixture(t, 50)

	_, err := c.FetchLive(context.Background())
	require.Error(t, err)
	require.True(t, stream.IsQuota(err))
}

func TestYouTubeHighWaterExtendsCache(t *testing.T) {
	c, _, searches := newYouTubeFixture(t, 1000)

	recs, err := c.FetchLive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	callsAfterFirst := searches.Load()

	// Burn past the high-water mark, then expire the live cache.
	for c.Ledger != nil && !c.Ledger.OverHighWater() {
		require.True(t, c.Ledger.Reserve(context.Background(), "/search"))
	}
	c.live.mu.Lock()
	c.live.at = time.Now().Add(-time.Hour)
	c.live.mu.Unlock()

	got, err := c.FetchLive(context.Background())
	require.ErrorIs(t, err, ErrStaleServed)
	require.Len(t, got, 1)
	require.Equal(t, callsAfterFirst, searches.Load(), "extension must not spend quota")
}

func TestChunkSplitsAtSize(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	parts := chunk(ids, 2)
	require.Len(t, parts, 3)
	require.Equal(t, []string{"a", "b"}, parts[0])
	require.Equal(t, []string{"e"}, parts[2])
	require.Nil(t, chunk(nil, 2))
}
