// Package quota tracks consumption of a metered upstream API against a
// rolling daily budget and answers admission-control queries before any
// costed call is made.
package quota

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/kvstore"
)

const stateKey = "quota:youtube"

// Cost per endpoint in quota units. Unlisted endpoints cost 1.
// search.list is two orders of magnitude more expensive than list calls,
// which is what makes the ledger worth having.
var DefaultCosts = map[string]int{
	"/search":        100,
	"/videos":        1,
	"/channels":      1,
	"/subscriptions": 1,
}

// Endpoints that are nice-to-have rather than core; they are cut off early
// so the remaining budget keeps the live checks alive through the day.
var lowPriority = map[string]bool{
	"/subscriptions": true,
}

// Thresholds as fractions of the daily budget.
const (
	HighWaterMark     = 0.7
	LowPriorityCutoff = 0.9
)

// State is the persisted ledger snapshot.
type State struct {
	DailyUsage int          `json:"daily_usage"`
	Budget     int          `json:"budget"`
	ResetAt    time.Time    `json:"reset_at"`
	History    []UsageEntry `json:"history,omitempty"`
}

// UsageEntry records one reservation for diagnostics.
type UsageEntry struct {
	Endpoint string    `json:"endpoint"`
	Cost     int       `json:"cost"`
	At       time.Time `json:"at"`
}

// Ledger rations a daily quota budget. Reservations are atomic; usage only
// grows until the anchored daily reset instant.
type Ledger struct {
	mu        sync.Mutex
	state     State
	costs     map[string]int
	resetHour int
	store     kvstore.Store
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCosts overrides the endpoint cost table.
func WithCosts(costs map[string]int) Option {
	return func(l *Ledger) { l.costs = costs }
}

// New builds a Ledger with the given daily budget and reset anchor hour
// (UTC). Prior same-day state is restored from the store if present.
func New(store kvstore.Store, budget, resetHourUTC int, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		costs:     DefaultCosts,
		resetHour: resetHourUTC,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.state = State{Budget: budget, ResetAt: l.nextReset(l.now())}

	if store != nil {
		var saved State
		ok, err := kvstore.GetJSON(context.Background(), store, stateKey, &saved)
		if err != nil {
			logger.Warn("quota: restore failed", zap.Error(err))
		} else if ok && !saved.ResetAt.IsZero() {
			// Budget tracking survives a restart within the same day.
			saved.Budget = budget
			l.state = saved
		}
	}
	return l
}

// Reserve admits or denies one call to endpoint. On success the cost is
// committed immediately and the state persisted.
func (l *Ledger) Reserve(ctx context.Context, endpoint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeResetLocked()

	cost, ok := l.costs[endpoint]
	if !ok {
		cost = 1
	}
	if l.state.DailyUsage+cost > l.state.Budget {
		l.logger.Warn("quota: reservation denied",
			zap.String("endpoint", endpoint),
			zap.Int("cost", cost),
			zap.Int("usage", l.state.DailyUsage),
			zap.Int("budget", l.state.Budget))
		return false
	}
	if lowPriority[endpoint] && float64(l.state.DailyUsage) > float64(l.state.Budget)*LowPriorityCutoff {
		l.logger.Warn("quota: low-priority endpoint cut off",
			zap.String("endpoint", endpoint),
			zap.Int("usage", l.state.DailyUsage))
		return false
	}

	l.state.DailyUsage += cost
	l.state.History = append(l.state.History, UsageEntry{
		Endpoint: endpoint,
		Cost:     cost,
		At:       l.now().UTC(),
	})
	l.persistLocked(ctx)
	return true
}

// OverHighWater reports whether usage has crossed the stale-data-preferred
// threshold: above it, clients should extend caches rather than spend quota.
func (l *Ledger) OverHighWater() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetLocked()
	return float64(l.state.DailyUsage) > float64(l.state.Budget)*HighWaterMark
}

// Usage returns the current usage and budget.
func (l *Ledger) Usage() (used, budget int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeResetLocked()
	return l.state.DailyUsage, l.state.Budget, l.state.ResetAt
}

func (l *Ledger) maybeResetLocked() {
	now := l.now()
	if now.Before(l.state.ResetAt) {
		return
	}
	l.logger.Info("quota: daily reset",
		zap.Int("prev_usage", l.state.DailyUsage),
		zap.Time("reset_at", l.state.ResetAt))
	l.state.DailyUsage = 0
	l.state.History = nil
	l.state.ResetAt = l.nextReset(now)
	l.persistLocked(context.Background())
}

// nextReset is the next occurrence of the fixed anchor hour, matching a
// provider that resets at a fixed daily instant rather than rolling 24h.
func (l *Ledger) nextReset(now time.Time) time.Time {
	n := now.UTC()
	cand := time.Date(n.Year(), n.Month(), n.Day(), l.resetHour, 0, 0, 0, time.UTC)
	if !cand.After(n) {
		cand = cand.Add(24 * time.Hour)
	}
	return cand
}

func (l *Ledger) persistLocked(ctx context.Context) {
	if l.store == nil {
		return
	}
	if err := kvstore.SetJSON(ctx, l.store, stateKey, l.state); err != nil {
		l.logger.Warn("quota: persist failed", zap.Error(err))
	}
}
