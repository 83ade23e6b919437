package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"streamwatch/internal/kvstore"
	"streamwatch/internal/stream"
)

func rec(id string) stream.Record {
	return stream.Record{ID: id, Platform: stream.Twitch}
}

func TestFindNewSetDifference(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(kvstore.NewMemory(), nil)

	d.Replace(ctx, []stream.Record{rec("A"), rec("B")})

	// Notified {A,B}, fetched {A,C} -> exactly {C}.
	got := d.FindNew([]stream.Record{rec("A"), rec("C")})
	require.Len(t, got, 1)
	require.Equal(t, "C", got[0].ID)

	// Same set -> nothing new.
	require.Empty(t, d.FindNew([]stream.Record{rec("A"), rec("B")}))
}

func TestOfflineThenOnlineRenotifies(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(kvstore.NewMemory(), nil)

	d.Replace(ctx, []stream.Record{rec("A")})
	require.Empty(t, d.FindNew([]stream.Record{rec("A")}))

	// Stream goes offline: the notified set is replaced with the current
	// (empty) set, so its return counts as new again.
	d.Replace(ctx, nil)
	require.Len(t, d.FindNew([]stream.Record{rec("A")}), 1)
}

func TestIdentityKeyIncludesPlatform(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(kvstore.NewMemory(), nil)

	d.Replace(ctx, []stream.Record{{ID: "1", Platform: stream.Twitch}})
	got := d.FindNew([]stream.Record{{ID: "1", Platform: stream.YouTube}})
	require.Len(t, got, 1)
}

func TestNotifiedSetSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()

	d := NewDeduplicator(kv, nil)
	d.Replace(ctx, []stream.Record{rec("A")})

	d2 := NewDeduplicator(kv, nil)
	require.Empty(t, d2.FindNew([]stream.Record{rec("A")}))
}
