// Package platform holds the per-platform adapters behind a single Client
// interface so nothing upstack ever switches on a platform name.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"streamwatch/internal/stream"
)

// Client is one platform adapter. Fetches honor ctx cancellation; a cancelled
// fetch may still complete, but its result is discarded at commit time by the
// orchestrator.
type Client interface {
	Name() stream.Platform
	FetchLive(ctx context.Context) ([]stream.Record, error)
	FetchSchedule(ctx context.Context) ([]stream.ScheduleRecord, error)
}

// ErrStaleServed marks a successful return whose records came from the
// adapter's own cache instead of a fresh call (quota high-water extension,
// or reuse of an expired list after a failed refresh). The orchestrator maps
// it to a cache-fallback outcome.
var ErrStaleServed = errors.New("served cached data")

// errNotFound marks a 404. TwitCasting answers 404 for a user with no
// current live, so its adapter treats it as an expected condition rather
// than a failure.
var errNotFound = errors.New("not found")

// Registry is the ordered table of enabled adapters the orchestrator walks.
type Registry struct {
	clients map[stream.Platform]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[stream.Platform]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get returns the adapter for p, if registered.
func (r *Registry) Get(p stream.Platform) (Client, bool) {
	c, ok := r.clients[p]
	return c, ok
}

// Enabled filters order down to registered platforms, preserving order.
func (r *Registry) Enabled(order []stream.Platform) []stream.Platform {
	var out []stream.Platform
	for _, p := range order {
		if _, ok := r.clients[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// chunk splits ids into slices of at most size. The upstream APIs cap how
// many IDs one call may carry.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// pace sleeps between chunked calls to stay under per-second rate limits,
// returning early if ctx is done.
func pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// getJSON issues a GET and decodes the body, classifying HTTP failures into
// the shared error taxonomy.
func getJSON(ctx context.Context, hc *http.Client, platform stream.Platform, rawURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	res, err := hc.Do(req)
	if err != nil {
		return stream.NewError(stream.ErrTransient, platform, "http request", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return classifyStatus(platform, res.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return stream.NewError(stream.ErrTransient, platform, "decode json", err)
	}
	return nil
}

func classifyStatus(platform stream.Platform, status int, body []byte) error {
	msg := fmt.Sprintf("http %d: %s", status, truncate(body, 512))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// 403 from the YouTube Data API can also mean quota exhaustion; the
		// reason field in the body disambiguates.
		if platform == stream.YouTube && containsQuotaReason(body) {
			return stream.NewError(stream.ErrQuota, platform, msg, nil)
		}
		return stream.NewError(stream.ErrAuth, platform, msg, nil)
	case status == http.StatusTooManyRequests:
		return stream.NewError(stream.ErrQuota, platform, msg, nil)
	case status == http.StatusNotFound:
		return stream.NewError(stream.ErrTransient, platform, msg, errNotFound)
	default:
		return stream.NewError(stream.ErrTransient, platform, msg, nil)
	}
}

func containsQuotaReason(body []byte) bool {
	var resp struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	for _, e := range resp.Error.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "dailyLimitExceeded" || e.Reason == "rateLimitExceeded" {
			return true
		}
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
