package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"streamwatch/internal/stream"
)

// Event types pushed to the UI boundary.
const (
	EventStreamLive = "stream.live"
	EventReminder   = "schedule.reminder"
	EventBadge      = "badge.count"
	EventStatus     = "update.status"
)

// Event is one fire-and-forget message for the UI.
type Event struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	URL   string          `json:"url,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at"`
}

// Alerter delivers events. Implementations must not block the update path.
type Alerter interface {
	Alert(ctx context.Context, ev Event)
}

// NewStreamEvent builds the alert for a stream that just went live.
func NewStreamEvent(r stream.Record) Event {
	data, _ := json.Marshal(r)
	return Event{
		ID:    uuid.New().String(),
		Type:  EventStreamLive,
		Title: fmt.Sprintf("%s is live", r.ChannelName),
		Body:  r.Title,
		URL:   r.URL,
		Data:  data,
		At:    time.Now().UTC(),
	}
}

// NewReminderEvent builds the alert for a schedule about to start.
func NewReminderEvent(s stream.ScheduleRecord) Event {
	data, _ := json.Marshal(s)
	return Event{
		ID:    uuid.New().String(),
		Type:  EventReminder,
		Title: "Stream starting soon",
		Body:  fmt.Sprintf("%s - %s", s.ChannelName, s.Title),
		URL:   s.URL,
		Data:  data,
		At:    time.Now().UTC(),
	}
}

// NewBadgeEvent carries the current live-stream count for the UI badge.
func NewBadgeEvent(count int) Event {
	data, _ := json.Marshal(map[string]int{"count": count})
	return Event{
		ID:   uuid.New().String(),
		Type: EventBadge,
		Data: data,
		At:   time.Now().UTC(),
	}
}

// RedisChannel is the pub/sub channel other instances and headless
// subscribers listen on.
const RedisChannel = "streamwatch:events"

// RedisAlerter publishes events to Redis pub/sub.
type RedisAlerter struct {
	Client *redis.Client
	Logger *zap.Logger
}

func (a *RedisAlerter) Alert(ctx context.Context, ev Event) {
	if a == nil || a.Client == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := a.Client.Publish(ctx, RedisChannel, raw).Err(); err != nil && a.Logger != nil {
		a.Logger.Warn("notify: redis publish failed", zap.Error(err))
	}
}

// Multi fans one event out to several alerters.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, ev Event) {
	for _, a := range m {
		if a != nil {
			a.Alert(ctx, ev)
		}
	}
}
