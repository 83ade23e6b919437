package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/stream"
)

func rec(platform stream.Platform, id string) stream.Record {
	return stream.Record{ID: id, Platform: platform, ChannelID: "ch-" + id}
}

func TestCommitAntiRegression(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), 12*time.Hour, nil)

	require.True(t, s.Commit(ctx, stream.Twitch, []stream.Record{rec(stream.Twitch, "a")}))
	require.Len(t, s.Displayable(stream.Twitch), 1)

	// Empty commit never erases a previously good snapshot.
	require.False(t, s.Commit(ctx, stream.Twitch, nil))
	require.Len(t, s.Displayable(stream.Twitch), 1)

	// Non-empty commit always replaces.
	require.True(t, s.Commit(ctx, stream.Twitch, []stream.Record{rec(stream.Twitch, "b"), rec(stream.Twitch, "c")}))
	got := s.Displayable(stream.Twitch)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
}

func TestCommitEmptyOnColdStoreIsTrusted(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), 12*time.Hour, nil)

	// With no prior snapshot an empty successful result commits fine.
	require.True(t, s.Commit(ctx, stream.YouTube, nil))
	require.Empty(t, s.Displayable(stream.YouTube))
}

func TestStalenessCutoff(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), 12*time.Hour, nil)

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	s.Commit(ctx, stream.Twitch, []stream.Record{rec(stream.Twitch, "a")})

	clock = base.Add(11 * time.Hour)
	require.Len(t, s.Displayable(stream.Twitch), 1)
	// Idempotent read.
	require.Len(t, s.Displayable(stream.Twitch), 1)

	clock = base.Add(13 * time.Hour)
	require.Empty(t, s.Displayable(stream.Twitch))
}

func TestMergeAllFollowsOrder(t *testing.T) {
	ctx := context.Background()
	s := New(kvstore.NewMemory(), 12*time.Hour, nil)

	s.Commit(ctx, stream.YouTube, []stream.Record{rec(stream.YouTube, "y1")})
	s.Commit(ctx, stream.Twitch, []stream.Record{rec(stream.Twitch, "t1")})

	merged := s.MergeAll([]stream.Platform{stream.Twitch, stream.YouTube, stream.TwitCasting})
	require.Len(t, merged, 2)
	require.Equal(t, stream.Twitch, merged[0].Platform)
	require.Equal(t, stream.YouTube, merged[1].Platform)
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()

	s := New(kv, 12*time.Hour, nil)
	s.Commit(ctx, stream.Twitch, []stream.Record{rec(stream.Twitch, "a")})

	s2 := New(kv, 12*time.Hour, nil)
	require.Len(t, s2.Displayable(stream.Twitch), 1)
}
