// Package orchestrator serializes platform updates: one fetch per platform at
// a time, rate-gated, cancellable, and always resolving to an outcome instead
// of an error. A platform failing never blocks the others.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/notify"
	"streamwatch/internal/platform"
	"streamwatch/internal/quota"
	"streamwatch/internal/results"
	"streamwatch/internal/schedule"
	"streamwatch/internal/stream"
)

const (
	runStateKey = "runstate"
	settingsKey = "settings"
	flagPrefix  = "flags:"

	// Shown alongside the standing quota flag so the UI can point users at
	// the site while the API is exhausted.
	youtubeFallbackURL = "https://www.youtube.com/feed/subscriptions"
)

// Config carries the orchestrator tunables.
type Config struct {
	Order            []stream.Platform
	MinInterval      time.Duration // between requests to one platform
	MinIntervalShort time.Duration // gate while a user boost is active
	BoostCooldown    time.Duration // how long a user request keeps the short gate
	FlagValidity     time.Duration // standing flags older than this are dropped
}

// Report is the resolution of one check request.
type Report struct {
	Outcomes []stream.Outcome `json:"outcomes"`
	Streams  []stream.Record  `json:"streams"`
}

// PlatformStatus is the per-platform slice of /api/status.
type PlatformStatus struct {
	Running       bool       `json:"running"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
	LastGoodAt    *time.Time `json:"last_good_at,omitempty"`
}

// QuotaStatus reports ledger usage for the UI.
type QuotaStatus struct {
	Used    int       `json:"used"`
	Budget  int       `json:"budget"`
	ResetAt time.Time `json:"reset_at"`
}

// Status is the full /api/status payload.
type Status struct {
	Platforms map[stream.Platform]PlatformStatus `json:"platforms"`
	Flags     []stream.Flag                      `json:"flags,omitempty"`
	Quota     *QuotaStatus                       `json:"quota,omitempty"`
	Settings  stream.Settings                    `json:"settings"`
}

type runState struct {
	running       bool
	lastRequestAt time.Time
	lastGoodAt    time.Time
	cancel        context.CancelFunc
}

// pass is the queue of one CheckStreams invocation. Each invocation owns its
// queue, so overlapping passes never consume each other's entries; Cancel
// purges a platform from every registered pass.
type pass struct {
	pending map[stream.Platform]bool
}

type persistedState struct {
	LastRequestAt time.Time `json:"last_request_at"`
	LastGoodAt    time.Time `json:"last_good_at"`
}

// Orchestrator owns per-platform run state and the update queue.
type Orchestrator struct {
	cfg       Config
	registry  *platform.Registry
	results   *results.Store
	dedup     *notify.Deduplicator
	alerter   notify.Alerter
	schedules *schedule.Set
	ledger    *quota.Ledger
	kv        kvstore.Store
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	states     map[stream.Platform]*runState
	passes     map[*pass]struct{}
	boostUntil time.Time
	flags      map[stream.Platform]stream.Flag
	settings   stream.Settings
}

func New(cfg Config, registry *platform.Registry, res *results.Store, dedup *notify.Deduplicator,
	alerter notify.Alerter, schedules *schedule.Set, ledger *quota.Ledger,
	kv kvstore.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Order) == 0 {
		cfg.Order = stream.Platforms()
	}
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		results:   res,
		dedup:     dedup,
		alerter:   alerter,
		schedules: schedules,
		ledger:    ledger,
		kv:        kv,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		states:    make(map[stream.Platform]*runState),
		passes:    make(map[*pass]struct{}),
		flags:     make(map[stream.Platform]stream.Flag),
		settings:  stream.DefaultSettings(),
	}
	o.settings.UpdateOrder = cfg.Order
	o.restore()
	return o
}

// SetClock replaces the clock; for tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

func (o *Orchestrator) restore() {
	if o.kv == nil {
		return
	}
	ctx := context.Background()

	var persisted map[stream.Platform]persistedState
	if ok, err := kvstore.GetJSON(ctx, o.kv, runStateKey, &persisted); err == nil && ok {
		for p, ps := range persisted {
			o.states[p] = &runState{lastRequestAt: ps.LastRequestAt, lastGoodAt: ps.LastGoodAt}
		}
	}

	var settings stream.Settings
	if ok, err := kvstore.GetJSON(ctx, o.kv, settingsKey, &settings); err == nil && ok {
		o.settings = settings
	}

	keys := make([]string, 0, len(stream.Platforms()))
	for _, p := range stream.Platforms() {
		keys = append(keys, flagPrefix+string(p))
	}
	got, err := o.kv.Get(ctx, keys...)
	if err != nil {
		o.logger.Warn("orchestrator: flag restore failed", zap.Error(err))
		return
	}
	for _, p := range stream.Platforms() {
		raw, ok := got[flagPrefix+string(p)]
		if !ok {
			continue
		}
		var f stream.Flag
		if err := json.Unmarshal(raw, &f); err == nil && f.Kind != "" {
			o.flags[p] = f
		}
	}
}

// CheckStreams resolves an update request for one platform or for All.
// Targets run strictly one after another; every target gets exactly one
// outcome. The returned streams are the merged displayable snapshots.
func (o *Orchestrator) CheckStreams(ctx context.Context, target stream.Platform, userInitiated bool) Report {
	targets := o.expand(target)
	if len(targets) == 0 {
		return Report{Outcomes: []stream.Outcome{{
			Platform: target,
			Code:     stream.OutcomeError,
			Detail:   fmt.Sprintf("unknown platform %q", target),
			At:       o.clock(),
		}}}
	}

	ps := &pass{pending: make(map[stream.Platform]bool, len(targets))}
	o.mu.Lock()
	if userInitiated {
		o.boostUntil = o.now().Add(o.cfg.BoostCooldown)
	}
	for _, p := range targets {
		ps.pending[p] = true
	}
	o.passes[ps] = struct{}{}
	o.mu.Unlock()

	outcomes := make([]stream.Outcome, 0, len(targets))
	for _, p := range targets {
		outcomes = append(outcomes, o.runOne(ctx, ps, p))
	}

	o.mu.Lock()
	delete(o.passes, ps)
	o.mu.Unlock()

	o.afterPass(ctx, outcomes)
	return Report{Outcomes: outcomes, Streams: o.results.MergeAll(o.Order())}
}

// Cancel cancels in-flight fetches and purges queued targets for the given
// platforms (or all of them for stream.All). Late results of a cancelled
// fetch are discarded when they reach the commit boundary.
func (o *Orchestrator) Cancel(platforms ...stream.Platform) {
	targets := make([]stream.Platform, 0, len(platforms))
	for _, p := range platforms {
		if p == stream.All {
			targets = append(targets, stream.Platforms()...)
			continue
		}
		targets = append(targets, p)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range targets {
		for ps := range o.passes {
			delete(ps.pending, p)
		}
		if st, ok := o.states[p]; ok && st.cancel != nil {
			st.cancel()
		}
	}
}

func (o *Orchestrator) expand(target stream.Platform) []stream.Platform {
	if target == stream.All {
		return o.registry.Enabled(o.Order())
	}
	if !target.Valid() {
		return nil
	}
	if _, ok := o.registry.Get(target); !ok {
		return nil
	}
	return []stream.Platform{target}
}

func (o *Orchestrator) runOne(ctx context.Context, ps *pass, p stream.Platform) stream.Outcome {
	now := o.clock()

	o.mu.Lock()
	if !ps.pending[p] {
		o.mu.Unlock()
		return stream.Outcome{Platform: p, Code: stream.OutcomeCancelled, Detail: "cancelled while queued", At: now}
	}
	delete(ps.pending, p)

	st := o.stateLocked(p)
	if st.running {
		o.mu.Unlock()
		return stream.Outcome{Platform: p, Code: stream.OutcomeAlreadyRunning, At: now}
	}
	gate := o.cfg.MinInterval
	if now.Before(o.boostUntil) {
		gate = o.cfg.MinIntervalShort
	}
	if !st.lastRequestAt.IsZero() && now.Sub(st.lastRequestAt) < gate {
		o.mu.Unlock()
		return stream.Outcome{
			Platform: p,
			Code:     stream.OutcomeTooSoon,
			Detail:   fmt.Sprintf("next request allowed at %s", st.lastRequestAt.Add(gate).Format(time.RFC3339)),
			At:       now,
		}
	}
	client, ok := o.registry.Get(p)
	if !ok {
		o.mu.Unlock()
		return stream.Outcome{Platform: p, Code: stream.OutcomeError, Detail: "platform not registered", At: now}
	}
	st.running = true
	st.lastRequestAt = now
	fctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	o.mu.Unlock()

	records, err := client.FetchLive(fctx)
	// Commit boundary: a cancelled fetch is discarded even when it completed.
	interrupted := fctx.Err() != nil
	cancel()

	o.mu.Lock()
	st.running = false
	st.cancel = nil
	o.mu.Unlock()

	outcome := o.resolve(ctx, p, st, records, err, interrupted)
	if outcome.Fetched() {
		o.persistRunState(ctx)
	}
	o.logger.Info("orchestrator: update resolved",
		zap.String("platform", string(p)),
		zap.String("outcome", string(outcome.Code)),
		zap.Int("records", len(records)))
	return outcome
}

func (o *Orchestrator) resolve(ctx context.Context, p stream.Platform, st *runState,
	records []stream.Record, err error, interrupted bool) stream.Outcome {
	now := o.clock()
	switch {
	case interrupted:
		return stream.Outcome{Platform: p, Code: stream.OutcomeCancelled, At: now}
	case err == nil:
		o.results.Commit(ctx, p, records)
		o.clearFlag(ctx, p)
		o.mu.Lock()
		st.lastGoodAt = now
		o.mu.Unlock()
		return stream.Outcome{Platform: p, Code: stream.OutcomeSuccess, At: now}
	case errors.Is(err, platform.ErrStaleServed):
		// The store already holds the last good snapshot with its original
		// fetch timestamp; committing the served copy would restart the
		// validity window on data that is not actually fresh.
		return stream.Outcome{Platform: p, Code: stream.OutcomeCacheFallback, At: now}
	case stream.IsQuota(err):
		o.setFlag(ctx, p, stream.Flag{
			Kind:    stream.ErrQuota,
			Message: o.quotaMessage(),
			URL:     youtubeFallbackURL,
			At:      now,
		})
		return stream.Outcome{Platform: p, Code: stream.OutcomeQuotaExceeded, Detail: err.Error(), At: now}
	case stream.IsAuth(err):
		o.setFlag(ctx, p, stream.Flag{
			Kind:    stream.ErrAuth,
			Message: fmt.Sprintf("%s authorization failed; reconnect the account", p),
			At:      now,
		})
		return stream.Outcome{Platform: p, Code: stream.OutcomeAuthError, Detail: err.Error(), At: now}
	default:
		return stream.Outcome{Platform: p, Code: stream.OutcomeError, Detail: err.Error(), At: now}
	}
}

// afterPass merges the snapshots, notifies newly-live streams once, and
// pushes the badge count. Runs only when at least one target produced data.
func (o *Orchestrator) afterPass(ctx context.Context, outcomes []stream.Outcome) {
	fetched := false
	for _, oc := range outcomes {
		if oc.Fetched() {
			fetched = true
			break
		}
	}
	if !fetched {
		return
	}

	merged := o.results.MergeAll(o.Order())
	if o.dedup != nil {
		fresh := o.dedup.FindNew(merged)
		if o.alerter != nil && o.Settings().NotificationsEnabled {
			for _, r := range fresh {
				o.alerter.Alert(ctx, notify.NewStreamEvent(r))
			}
		}
		o.dedup.Replace(ctx, merged)
	}
	if o.alerter != nil {
		o.alerter.Alert(ctx, notify.NewBadgeEvent(len(merged)))
	}
}

// CheckSchedules refreshes the schedule set from every schedule-capable
// platform. Failures are absorbed per platform; a platform that failed keeps
// its previous schedules.
func (o *Orchestrator) CheckSchedules(ctx context.Context) ([]stream.ScheduleRecord, []stream.Outcome) {
	byPlatform := make(map[stream.Platform][]stream.ScheduleRecord)
	var outcomes []stream.Outcome

	for _, p := range o.registry.Enabled(o.Order()) {
		client, _ := o.registry.Get(p)
		recs, err := client.FetchSchedule(ctx)
		now := o.clock()
		switch {
		case err == nil:
			byPlatform[p] = recs
			outcomes = append(outcomes, stream.Outcome{Platform: p, Code: stream.OutcomeSuccess, At: now})
		case errors.Is(err, platform.ErrStaleServed):
			byPlatform[p] = recs
			outcomes = append(outcomes, stream.Outcome{Platform: p, Code: stream.OutcomeCacheFallback, At: now})
		case stream.IsQuota(err):
			o.setFlag(ctx, p, stream.Flag{Kind: stream.ErrQuota, Message: o.quotaMessage(), URL: youtubeFallbackURL, At: now})
			outcomes = append(outcomes, stream.Outcome{Platform: p, Code: stream.OutcomeQuotaExceeded, Detail: err.Error(), At: now})
		case stream.IsAuth(err):
			o.setFlag(ctx, p, stream.Flag{Kind: stream.ErrAuth, Message: fmt.Sprintf("%s authorization failed", p), At: now})
			outcomes = append(outcomes, stream.Outcome{Platform: p, Code: stream.OutcomeAuthError, Detail: err.Error(), At: now})
		default:
			o.logger.Warn("orchestrator: schedule fetch failed",
				zap.String("platform", string(p)), zap.Error(err))
			outcomes = append(outcomes, stream.Outcome{Platform: p, Code: stream.OutcomeError, Detail: err.Error(), At: now})
		}
	}

	if o.schedules != nil {
		o.schedules.Refresh(ctx, byPlatform)
		return o.schedules.All(), outcomes
	}
	return nil, outcomes
}

// Status assembles the /api/status payload.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	now := o.now()
	s := Status{
		Platforms: make(map[stream.Platform]PlatformStatus, len(o.states)),
		Settings:  o.settings,
	}
	for p, st := range o.states {
		ps := PlatformStatus{Running: st.running}
		if !st.lastRequestAt.IsZero() {
			t := st.lastRequestAt
			ps.LastRequestAt = &t
		}
		if !st.lastGoodAt.IsZero() {
			t := st.lastGoodAt
			ps.LastGoodAt = &t
		}
		s.Platforms[p] = ps
	}
	for _, f := range o.flags {
		if o.cfg.FlagValidity > 0 && now.Sub(f.At) > o.cfg.FlagValidity {
			continue
		}
		s.Flags = append(s.Flags, f)
	}
	o.mu.Unlock()

	if o.ledger != nil {
		used, budget, resetAt := o.ledger.Usage()
		s.Quota = &QuotaStatus{Used: used, Budget: budget, ResetAt: resetAt}
	}
	return s
}

// Settings returns the current settings snapshot.
func (o *Orchestrator) Settings() stream.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings validates, applies, and persists a new settings snapshot.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s stream.Settings) error {
	for _, p := range s.UpdateOrder {
		if !p.Valid() {
			return fmt.Errorf("invalid platform %q in update order", p)
		}
	}
	if s.UpdateIntervalMin <= 0 || s.ScheduleIntervalMin <= 0 {
		return errors.New("intervals must be positive")
	}
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	if o.kv != nil {
		if err := kvstore.SetJSON(ctx, o.kv, settingsKey, s); err != nil {
			return fmt.Errorf("persist settings: %w", err)
		}
	}
	return nil
}

// Results exposes the result store for the read-only boundary endpoints.
func (o *Orchestrator) Results() *results.Store { return o.results }

// Order is the effective platform update order.
func (o *Orchestrator) Order() []stream.Platform {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.settings.UpdateOrder) > 0 {
		return append([]stream.Platform(nil), o.settings.UpdateOrder...)
	}
	return append([]stream.Platform(nil), o.cfg.Order...)
}

func (o *Orchestrator) clock() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now()
}

func (o *Orchestrator) stateLocked(p stream.Platform) *runState {
	st, ok := o.states[p]
	if !ok {
		st = &runState{}
		o.states[p] = st
	}
	return st
}

func (o *Orchestrator) quotaMessage() string {
	msg := "YouTube API quota exceeded; updates resume after the daily reset"
	if o.ledger != nil {
		_, _, resetAt := o.ledger.Usage()
		msg = fmt.Sprintf("YouTube API quota exceeded; updates resume at %s", resetAt.Format(time.RFC3339))
	}
	return msg
}

func (o *Orchestrator) setFlag(ctx context.Context, p stream.Platform, f stream.Flag) {
	o.mu.Lock()
	o.flags[p] = f
	o.mu.Unlock()
	if o.kv == nil {
		return
	}
	if err := kvstore.SetJSON(ctx, o.kv, flagPrefix+string(p), f); err != nil {
		o.logger.Warn("orchestrator: flag persist failed", zap.Error(err))
	}
}

func (o *Orchestrator) clearFlag(ctx context.Context, p stream.Platform) {
	o.mu.Lock()
	_, had := o.flags[p]
	delete(o.flags, p)
	o.mu.Unlock()
	if !had || o.kv == nil {
		return
	}
	if err := kvstore.SetJSON(ctx, o.kv, flagPrefix+string(p), stream.Flag{}); err != nil {
		o.logger.Warn("orchestrator: flag clear failed", zap.Error(err))
	}
}

func (o *Orchestrator) persistRunState(ctx context.Context) {
	if o.kv == nil {
		return
	}
	o.mu.Lock()
	persisted := make(map[stream.Platform]persistedState, len(o.states))
	for p, st := range o.states {
		persisted[p] = persistedState{LastRequestAt: st.lastRequestAt, LastGoodAt: st.lastGoodAt}
	}
	o.mu.Unlock()
	if err := kvstore.SetJSON(ctx, o.kv, runStateKey, persisted); err != nil {
		o.logger.Warn("orchestrator: run state persist failed", zap.Error(err))
	}
}
