// Package results holds the last-known-good stream set per platform and
// decides between fresh data and cached fallback.
package results

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/stream"
)

const keyPrefix = "results:"

type snapshot struct {
	Records []stream.Record `json:"records"`
	At      time.Time       `json:"at"`
}

// Store keeps per-platform snapshots. Cross-platform slices are disjoint, so
// a single mutex is plenty; the orchestrator already serializes writers per
// platform.
type Store struct {
	mu        sync.RWMutex
	snapshots map[stream.Platform]snapshot
	validity  time.Duration
	kv        kvstore.Store
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Store with the given fallback validity window, restoring
// persisted snapshots so a restart resumes with the last known state.
func New(kv kvstore.Store, validity time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		snapshots: make(map[stream.Platform]snapshot),
		validity:  validity,
		kv:        kv,
		logger:    logger,
		now:       time.Now,
	}
	s.restore()
	return s
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) restore() {
	if s.kv == nil {
		return
	}
	ctx := context.Background()
	for _, p := range stream.Platforms() {
		var snap snapshot
		ok, err := kvstore.GetJSON(ctx, s.kv, keyPrefix+string(p), &snap)
		if err != nil {
			s.logger.Warn("results: restore failed", zap.String("platform", string(p)), zap.Error(err))
			continue
		}
		if ok {
			s.snapshots[p] = snap
		}
	}
}

// Commit replaces platform's snapshot with records. An empty set never
// erases a previously good snapshot: a transient failure that yields nothing
// must not regress the display. Returns whether the snapshot changed.
func (s *Store) Commit(ctx context.Context, platform stream.Platform, records []stream.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.snapshots[platform]
	if len(records) == 0 && had && len(prev.Records) > 0 {
		return false
	}

	snap := snapshot{Records: records, At: s.now().UTC()}
	s.snapshots[platform] = snap
	if s.kv != nil {
		if err := kvstore.SetJSON(ctx, s.kv, keyPrefix+string(platform), snap); err != nil {
			s.logger.Warn("results: persist failed", zap.String("platform", string(platform)), zap.Error(err))
		}
	}
	return true
}

// Displayable returns platform's snapshot if it is fresher than the validity
// window, else nil. Data past the window is too stale to show even as a
// fallback. The read is idempotent.
func (s *Store) Displayable(platform stream.Platform) []stream.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[platform]
	if !ok {
		return nil
	}
	if s.now().Sub(snap.At) >= s.validity {
		return nil
	}
	out := make([]stream.Record, len(snap.Records))
	copy(out, snap.Records)
	return out
}

// LastGoodAt returns when platform's snapshot was committed, zero if none.
func (s *Store) LastGoodAt(platform stream.Platform) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[platform].At
}

// MergeAll concatenates displayable snapshots in the given platform order.
func (s *Store) MergeAll(order []stream.Platform) []stream.Record {
	var out []stream.Record
	for _, p := range order {
		out = append(out, s.Displayable(p)...)
	}
	return out
}
