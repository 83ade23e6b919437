// Package schedule keeps the set of upcoming broadcasts and fires reminder
// alerts ahead of their start times.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/notify"
	"streamwatch/internal/stream"
)

const scheduleKey = "schedules"

// Set holds the current schedule records. Refreshes replace records wholesale
// per platform but carry user-set reminders across by identity, so a refetch
// never loses a reminder.
type Set struct {
	kv      kvstore.Store
	alerter notify.Alerter
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	items  map[string]stream.ScheduleRecord
	timers map[string]*time.Timer
}

func New(kv kvstore.Store, alerter notify.Alerter, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{
		kv:      kv,
		alerter: alerter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		items:   make(map[string]stream.ScheduleRecord),
		timers:  make(map[string]*time.Timer),
	}
	s.restore()
	return s
}

// SetClock replaces the clock; for tests.
func (s *Set) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Set) restore() {
	if s.kv == nil {
		return
	}
	var records []stream.ScheduleRecord
	ok, err := kvstore.GetJSON(context.Background(), s.kv, scheduleKey, &records)
	if err != nil {
		s.logger.Warn("schedule: restore failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	for _, r := range records {
		s.items[r.Key()] = r
	}
	s.recomputeTimersLocked()
}

// Refresh replaces the records of each platform present in byPlatform,
// re-attaching reminders from the previous generation of the same record.
// Platforms absent from the map keep their current records, so one
// platform's failed fetch never wipes another's schedules.
func (s *Set) Refresh(ctx context.Context, byPlatform map[stream.Platform][]stream.ScheduleRecord) {
	s.mu.Lock()
	for platform, records := range byPlatform {
		prev := make(map[string]*int)
		for key, item := range s.items {
			if item.Platform == platform {
				prev[key] = item.ReminderMinutes
				delete(s.items, key)
			}
		}
		for _, r := range records {
			if r.ReminderMinutes == nil {
				r.ReminderMinutes = prev[r.Key()]
			}
			s.items[r.Key()] = r
		}
	}
	s.recomputeTimersLocked()
	snapshot := s.allLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
}

// SetReminder sets or clears (minutes <= 0) the reminder on one schedule.
func (s *Set) SetReminder(ctx context.Context, key string, minutes int) bool {
	s.mu.Lock()
	item, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if minutes <= 0 {
		item.ReminderMinutes = nil
	} else {
		item.ReminderMinutes = &minutes
	}
	s.items[key] = item
	s.recomputeTimersLocked()
	snapshot := s.allLocked()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	return true
}

// All returns the schedule set ordered by start time.
func (s *Set) All() []stream.ScheduleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked()
}

func (s *Set) allLocked() []stream.ScheduleRecord {
	out := make([]stream.ScheduleRecord, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartTime, out[j].StartTime
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		case !ti.Equal(*tj):
			return ti.Before(*tj)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Close stops all pending reminder timers.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Set) persist(ctx context.Context, records []stream.ScheduleRecord) {
	if s.kv == nil {
		return
	}
	if err := kvstore.SetJSON(ctx, s.kv, scheduleKey, records); err != nil {
		s.logger.Warn("schedule: persist failed", zap.Error(err))
	}
}

// reminderAt returns when the reminder for r should fire, if it has one.
func reminderAt(r stream.ScheduleRecord) (time.Time, bool) {
	if r.ReminderMinutes == nil || r.StartTime == nil {
		return time.Time{}, false
	}
	return r.StartTime.Add(-time.Duration(*r.ReminderMinutes) * time.Minute), true
}

func (s *Set) recomputeTimersLocked() {
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	now := s.now()
	for key, item := range s.items {
		at, ok := reminderAt(item)
		if !ok || !at.After(now) {
			continue
		}
		item := item
		key := key
		s.timers[key] = time.AfterFunc(at.Sub(now), func() {
			s.fire(key, item)
		})
	}
}

func (s *Set) fire(key string, item stream.ScheduleRecord) {
	s.mu.Lock()
	delete(s.timers, key)
	s.mu.Unlock()
	if s.alerter == nil {
		return
	}
	s.logger.Info("schedule: reminder fired",
		zap.String("key", key),
		zap.String("title", item.Title))
	s.alerter.Alert(context.Background(), notify.NewReminderEvent(item))
}
