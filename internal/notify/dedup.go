// Package notify decides which freshly fetched streams deserve a user-visible
// alert and publishes them to whoever is listening.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/stream"
)

const notifiedKey = "notified_ids"

// Deduplicator diffs fetched stream sets against the previously-notified ID
// set. A stream that stays online across poll cycles is notified once; one
// that goes offline and comes back counts as new again.
type Deduplicator struct {
	mu       sync.Mutex
	notified map[string]bool
	kv       kvstore.Store
	logger   *zap.Logger
}

func NewDeduplicator(kv kvstore.Store, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deduplicator{
		notified: make(map[string]bool),
		kv:       kv,
		logger:   logger,
	}
	d.restore()
	return d
}

func (d *Deduplicator) restore() {
	if d.kv == nil {
		return
	}
	var ids []string
	ok, err := kvstore.GetJSON(context.Background(), d.kv, notifiedKey, &ids)
	if err != nil {
		d.logger.Warn("notify: restore failed", zap.Error(err))
		return
	}
	if ok {
		for _, id := range ids {
			d.notified[id] = true
		}
	}
}

// FindNew returns the records in current whose identity key is not in the
// previously-notified set. Pure read; the set is unchanged.
func (d *Deduplicator) FindNew(current []stream.Record) []stream.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []stream.Record
	for _, r := range current {
		if !d.notified[r.Key()] {
			out = append(out, r)
		}
	}
	return out
}

// Replace swaps the notified set for the full current ID set and persists it.
func (d *Deduplicator) Replace(ctx context.Context, current []stream.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = make(map[string]bool, len(current))
	ids := make([]string, 0, len(current))
	for _, r := range current {
		d.notified[r.Key()] = true
		ids = append(ids, r.Key())
	}
	if d.kv != nil {
		if err := kvstore.SetJSON(ctx, d.kv, notifiedKey, ids); err != nil {
			d.logger.Warn("notify: persist failed", zap.Error(err))
		}
	}
}
