package stream

import "time"

// Platform identifies a supported live-streaming service.
type Platform string

const (
	Twitch      Platform = "twitch"
	YouTube     Platform = "youtube"
	TwitCasting Platform = "twitcasting"

	// All is the pseudo-target for "refresh every platform in order".
	All Platform = "all"
)

// Platforms lists every real platform in the default update order.
func Platforms() []Platform {
	return []Platform{Twitch, YouTube, TwitCasting}
}

// Valid reports whether p names a real platform (not All).
func (p Platform) Valid() bool {
	switch p {
	case Twitch, YouTube, TwitCasting:
		return true
	}
	return false
}

// Record is one live stream as fetched from a platform. Records are immutable;
// a platform's whole set is replaced on each successful fetch.
type Record struct {
	ID          string   `json:"id"`
	Platform    Platform `json:"platform"`
	ChannelID   string   `json:"channel_id"`
	ChannelName string   `json:"channel_name"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Thumbnail   string   `json:"thumbnail"`
	ChannelIcon *string  `json:"channel_icon,omitempty"`

	ViewerCount int64      `json:"viewer_count"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	Category    string     `json:"category"`
}

// Key is the identity of a record across poll cycles.
func (r Record) Key() string {
	return string(r.Platform) + ":" + r.ID
}

// ScheduleRecord is an upcoming broadcast. ReminderMinutes is the only field
// mutated in place by the user; refetches must re-attach it by ID.
type ScheduleRecord struct {
	Record

	EndTime         *time.Time `json:"end_time,omitempty"`
	Description     *string    `json:"description,omitempty"`
	ReminderMinutes *int       `json:"reminder_minutes,omitempty"`
}

// Settings are the user-tunable knobs persisted across restarts.
type Settings struct {
	UpdateIntervalMin    int        `json:"update_interval_min"`
	ScheduleIntervalMin  int        `json:"schedule_interval_min"`
	UpdateOrder          []Platform `json:"update_order"`
	NotificationsEnabled bool       `json:"notifications_enabled"`
	DefaultReminderMin   int        `json:"default_reminder_min"`
}

// DefaultSettings mirrors the shipped defaults.
func DefaultSettings() Settings {
	return Settings{
		UpdateIntervalMin:    5,
		ScheduleIntervalMin:  60,
		UpdateOrder:          Platforms(),
		NotificationsEnabled: true,
		DefaultReminderMin:   15,
	}
}
