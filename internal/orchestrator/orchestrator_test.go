package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/notify"
	"streamwatch/internal/platform"
	"streamwatch/internal/results"
	"streamwatch/internal/stream"
)

// fakeClient is a scriptable platform adapter.
type fakeClient struct {
	platform stream.Platform

	mu       sync.Mutex
	calls    int32
	inflight atomic.Int32
	maxSeen  atomic.Int32

	// fetch is invoked per FetchLive call; defaults to returning records.
	fetch   func(ctx context.Context, call int32) ([]stream.Record, error)
	records []stream.Record
}

func (f *fakeClient) Name() stream.Platform { return f.platform }

func (f *fakeClient) FetchLive(ctx context.Context) ([]stream.Record, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	fetch := f.fetch
	records := f.records
	f.mu.Unlock()
	if fetch != nil {
		return fetch(ctx, call)
	}
	return records, nil
}

func (f *fakeClient) FetchSchedule(context.Context) ([]stream.ScheduleRecord, error) {
	return nil, nil
}

func (f *fakeClient) callCount() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rec(p stream.Platform, id string) stream.Record {
	return stream.Record{ID: id, Platform: p, ChannelName: "ch-" + id, Title: "t-" + id}
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (a *fakeAlerter) Alert(_ context.Context, ev notify.Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *fakeAlerter) byType(t string) []notify.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []notify.Event
	for _, ev := range a.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, clients ...platform.Client) (*Orchestrator, *fakeAlerter, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemory()
	alerter := &fakeAlerter{}
	res := results.New(kv, 12*time.Hour, nil)
	dedup := notify.NewDeduplicator(kv, nil)
	o := New(Config{
		MinInterval:      time.Minute,
		MinIntervalShort: 10 * time.Second,
		BoostCooldown:    5 * time.Minute,
		FlagValidity:     24 * time.Hour,
	}, platform.NewRegistry(clients...), res, dedup, alerter, nil, nil, kv, nil)
	return o, alerter, kv
}

func TestNoDoubleRunPerPlatform(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	client := &fakeClient{platform: stream.Twitch}
	client.fetch = func(ctx context.Context, call int32) ([]stream.Record, error) {
		close(started)
		<-release
		return []stream.Record{rec(stream.Twitch, "s1")}, nil
	}
	o, _, _ := newTestOrchestrator(t, client)

	var first Report
	done := make(chan struct{})
	go func() {
		first = o.CheckStreams(context.Background(), stream.Twitch, false)
		close(done)
	}()
	<-started

	// Second request while the first fetch is in flight.
	second := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeAlreadyRunning, second.Outcomes[0].Code)

	close(release)
	<-done
	require.Equal(t, stream.OutcomeSuccess, first.Outcomes[0].Code)
	require.Equal(t, int32(1), client.callCount())
	require.EqualValues(t, 1, client.maxSeen.Load())
}

func TestAllRunsSequentiallyInOrder(t *testing.T) {
	var order []stream.Platform
	var mu sync.Mutex
	mk := func(p stream.Platform) *fakeClient {
		c := &fakeClient{platform: p}
		c.fetch = func(ctx context.Context, call int32) ([]stream.Record, error) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return []stream.Record{rec(p, string(p)+"-1")}, nil
		}
		return c
	}
	tw, yt, tc := mk(stream.Twitch), mk(stream.YouTube), mk(stream.TwitCasting)
	o, _, _ := newTestOrchestrator(t, tw, yt, tc)

	report := o.CheckStreams(context.Background(), stream.All, false)
	require.Len(t, report.Outcomes, 3)
	for _, oc := range report.Outcomes {
		require.Equal(t, stream.OutcomeSuccess, oc.Code)
	}
	require.Equal(t, []stream.Platform{stream.Twitch, stream.YouTube, stream.TwitCasting}, order)
	// Merged streams follow the same order.
	require.Equal(t, stream.Twitch, report.Streams[0].Platform)
	require.Equal(t, stream.TwitCasting, report.Streams[2].Platform)
}

func TestOneFailureNeverBlocksTheQueue(t *testing.T) {
	tw := &fakeClient{platform: stream.Twitch}
	tw.fetch = func(context.Context, int32) ([]stream.Record, error) {
		return nil, stream.NewError(stream.ErrTransient, stream.Twitch, "upstream sad", nil)
	}
	yt := &fakeClient{platform: stream.YouTube, records: []stream.Record{rec(stream.YouTube, "v1")}}
	o, _, _ := newTestOrchestrator(t, tw, yt)

	report := o.CheckStreams(context.Background(), stream.All, false)
	require.Equal(t, stream.OutcomeError, report.Outcomes[0].Code)
	require.Equal(t, stream.OutcomeSuccess, report.Outcomes[1].Code)
	require.Len(t, report.Streams, 1)
}

func TestCancelledFetchDiscardedAtCommit(t *testing.T) {
	started := make(chan struct{})
	client := &fakeClient{platform: stream.Twitch}
	client.fetch = func(ctx context.Context, call int32) ([]stream.Record, error) {
		if call == 1 {
			close(started)
			<-ctx.Done()
			// The fetch "completes" with records despite cancellation.
			return []stream.Record{rec(stream.Twitch, "late")}, nil
		}
		return nil, nil
	}
	o, _, _ := newTestOrchestrator(t, client)

	var report Report
	done := make(chan struct{})
	go func() {
		report = o.CheckStreams(context.Background(), stream.Twitch, false)
		close(done)
	}()
	<-started
	o.Cancel(stream.Twitch)
	<-done

	require.Equal(t, stream.OutcomeCancelled, report.Outcomes[0].Code)
	require.Empty(t, o.Results().Displayable(stream.Twitch), "late records must not be committed")
}

func TestTooSoonGateAndUserBoost(t *testing.T) {
	client := &fakeClient{platform: stream.Twitch, records: []stream.Record{rec(stream.Twitch, "s1")}}
	o, _, _ := newTestOrchestrator(t, client)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetClock(func() time.Time { return now })

	first := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeSuccess, first.Outcomes[0].Code)

	// 30s later: under the 60s gate.
	now = base.Add(30 * time.Second)
	second := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeTooSoon, second.Outcomes[0].Code)
	require.Len(t, second.Streams, 1, "rejection still returns cached data")

	// A user-initiated request installs the 10s gate: 30s elapsed passes it.
	third := o.CheckStreams(context.Background(), stream.Twitch, true)
	require.Equal(t, stream.OutcomeSuccess, third.Outcomes[0].Code)

	// Once the boost cooldown has lapsed the long gate applies again.
	now = now.Add(10 * time.Minute)
	fourth := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeSuccess, fourth.Outcomes[0].Code)
	now = now.Add(30 * time.Second)
	fifth := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeTooSoon, fifth.Outcomes[0].Code)
}

func TestQuotaErrorSetsStandingFlag(t *testing.T) {
	yt := &fakeClient{platform: stream.YouTube}
	yt.fetch = func(context.Context, int32) ([]stream.Record, error) {
		return nil, stream.NewError(stream.ErrQuota, stream.YouTube, "quota denied", nil)
	}
	o, _, _ := newTestOrchestrator(t, yt)

	report := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeQuotaExceeded, report.Outcomes[0].Code)

	status := o.Status()
	require.Len(t, status.Flags, 1)
	require.Equal(t, stream.ErrQuota, status.Flags[0].Kind)
	require.NotEmpty(t, status.Flags[0].URL)
}

func TestSuccessClearsStandingFlag(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	yt := &fakeClient{platform: stream.YouTube}
	yt.fetch = func(context.Context, int32) ([]stream.Record, error) {
		if fail.Load() {
			return nil, stream.NewError(stream.ErrAuth, stream.YouTube, "token expired", nil)
		}
		return []stream.Record{rec(stream.YouTube, "v1")}, nil
	}
	o, _, _ := newTestOrchestrator(t, yt)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetClock(func() time.Time { return now })

	o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Len(t, o.Status().Flags, 1)

	fail.Store(false)
	now = base.Add(2 * time.Minute)
	report := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeSuccess, report.Outcomes[0].Code)
	require.Empty(t, o.Status().Flags)
}

func TestCacheFallbackOutcome(t *testing.T) {
	var stale atomic.Bool
	yt := &fakeClient{platform: stream.YouTube}
	yt.fetch = func(context.Context, int32) ([]stream.Record, error) {
		if stale.Load() {
			return []stream.Record{rec(stream.YouTube, "v1")}, platform.ErrStaleServed
		}
		return []stream.Record{rec(stream.YouTube, "v1")}, nil
	}
	o, _, _ := newTestOrchestrator(t, yt)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetClock(func() time.Time { return now })
	o.Results().SetClock(func() time.Time { return now })

	first := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeSuccess, first.Outcomes[0].Code)

	stale.Store(true)
	now = base.Add(2 * time.Minute)
	report := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeCacheFallback, report.Outcomes[0].Code)
	require.Len(t, report.Streams, 1, "last good snapshot is still displayable")
}

func TestCacheFallbackKeepsOriginalFetchTime(t *testing.T) {
	var stale atomic.Bool
	yt := &fakeClient{platform: stream.YouTube}
	yt.fetch = func(context.Context, int32) ([]stream.Record, error) {
		if stale.Load() {
			return []stream.Record{rec(stream.YouTube, "v1")}, platform.ErrStaleServed
		}
		return []stream.Record{rec(stream.YouTube, "v1")}, nil
	}
	o, _, _ := newTestOrchestrator(t, yt)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetClock(func() time.Time { return now })
	o.Results().SetClock(func() time.Time { return now })

	first := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeSuccess, first.Outcomes[0].Code)

	// A fallback must not restart the validity window: served-from-cache
	// records 13h after the last good fetch leave nothing displayable.
	stale.Store(true)
	now = base.Add(13 * time.Hour)
	report := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeCacheFallback, report.Outcomes[0].Code)
	require.Empty(t, report.Streams)
	require.Empty(t, o.Results().Displayable(stream.YouTube))
}

func TestOverlappingPassesKeepSeparateQueues(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tw := &fakeClient{platform: stream.Twitch}
	tw.fetch = func(ctx context.Context, call int32) ([]stream.Record, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return []stream.Record{rec(stream.Twitch, "s1")}, nil
	}
	yt := &fakeClient{platform: stream.YouTube, records: []stream.Record{rec(stream.YouTube, "v1")}}
	o, _, _ := newTestOrchestrator(t, tw, yt)

	var all Report
	done := make(chan struct{})
	go func() {
		all = o.CheckStreams(context.Background(), stream.All, false)
		close(done)
	}()
	<-started

	// A single-platform request while the all-platform pass is blocked must
	// not consume the other pass's queue entry.
	direct := o.CheckStreams(context.Background(), stream.YouTube, false)
	require.Equal(t, stream.OutcomeSuccess, direct.Outcomes[0].Code)

	close(release)
	<-done
	require.Equal(t, stream.OutcomeSuccess, all.Outcomes[0].Code)
	require.Equal(t, stream.OutcomeTooSoon, all.Outcomes[1].Code,
		"no cancel was issued, so youtube resolves via the admission gate")
}

func TestCancelPurgesQueuedTarget(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tw := &fakeClient{platform: stream.Twitch}
	tw.fetch = func(ctx context.Context, call int32) ([]stream.Record, error) {
		close(started)
		<-release
		return []stream.Record{rec(stream.Twitch, "s1")}, nil
	}
	yt := &fakeClient{platform: stream.YouTube, records: []stream.Record{rec(stream.YouTube, "v1")}}
	o, _, _ := newTestOrchestrator(t, tw, yt)

	var all Report
	done := make(chan struct{})
	go func() {
		all = o.CheckStreams(context.Background(), stream.All, false)
		close(done)
	}()
	<-started

	// Cancelling a platform that is still queued drops it from the pass.
	o.Cancel(stream.YouTube)
	close(release)
	<-done

	require.Equal(t, stream.OutcomeSuccess, all.Outcomes[0].Code)
	require.Equal(t, stream.OutcomeCancelled, all.Outcomes[1].Code)
	require.Equal(t, int32(0), yt.callCount())
}

func TestPassNotifiesNewStreamsAndBadge(t *testing.T) {
	client := &fakeClient{platform: stream.Twitch, records: []stream.Record{
		rec(stream.Twitch, "a"), rec(stream.Twitch, "b"),
	}}
	o, alerter, _ := newTestOrchestrator(t, client)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	o.SetClock(func() time.Time { return now })

	o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Len(t, alerter.byType(notify.EventStreamLive), 2)

	// Same set again: no re-notify, badge still pushed.
	now = base.Add(2 * time.Minute)
	o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Len(t, alerter.byType(notify.EventStreamLive), 2)
	require.Len(t, alerter.byType(notify.EventBadge), 2)
}

func TestUnknownPlatformResolvesToErrorOutcome(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakeClient{platform: stream.Twitch})
	report := o.CheckStreams(context.Background(), stream.Platform("vimeo"), false)
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, stream.OutcomeError, report.Outcomes[0].Code)
}

func TestUpdateSettingsValidatesAndPersists(t *testing.T) {
	o, _, kv := newTestOrchestrator(t, &fakeClient{platform: stream.Twitch})
	s := stream.DefaultSettings()
	s.UpdateOrder = []stream.Platform{stream.YouTube, stream.Twitch}
	require.NoError(t, o.UpdateSettings(context.Background(), s))
	require.Equal(t, []stream.Platform{stream.YouTube, stream.Twitch}, o.Order())

	s.UpdateOrder = []stream.Platform{"vimeo"}
	require.Error(t, o.UpdateSettings(context.Background(), s))

	// A fresh orchestrator over the same store picks the settings up.
	o2 := New(Config{MinInterval: time.Minute}, platform.NewRegistry(&fakeClient{platform: stream.Twitch}),
		results.New(kv, 12*time.Hour, nil), notify.NewDeduplicator(kv, nil), nil, nil, nil, kv, nil)
	require.Equal(t, []stream.Platform{stream.YouTube, stream.Twitch}, o2.Order())
}

func TestScheduleCheckAbsorbsFailures(t *testing.T) {
	tw := &fakeClient{platform: stream.Twitch}
	o, _, _ := newTestOrchestrator(t, tw)
	_, outcomes := o.CheckSchedules(context.Background())
	require.Len(t, outcomes, 1)
	require.Equal(t, stream.OutcomeSuccess, outcomes[0].Code)
}

func TestTransientErrorDetailSurfaces(t *testing.T) {
	tw := &fakeClient{platform: stream.Twitch}
	tw.fetch = func(context.Context, int32) ([]stream.Record, error) {
		return nil, errors.New("connection reset")
	}
	o, _, _ := newTestOrchestrator(t, tw)
	report := o.CheckStreams(context.Background(), stream.Twitch, false)
	require.Equal(t, stream.OutcomeError, report.Outcomes[0].Code)
	require.Contains(t, report.Outcomes[0].Detail, "connection reset")
}
