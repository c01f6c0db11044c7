package friendloc_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/friendloc"
	"github.com/example/livemap/internal/livemap/domain"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

// flakyStore fails snapshot reads while down is set.
type flakyStore struct {
	*friendloc.MemoryStore
	down atomic.Bool
}

func (f *flakyStore) Snapshot(ctx context.Context, ids []string) (map[string]domain.Position, error) {
	if f.down.Load() {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.Snapshot(ctx, ids)
}

func newChannel(t *testing.T, store friendloc.Store, notifier friendloc.Notifier) *friendloc.Channel {
	t.Helper()
	ch := friendloc.New(store, notifier, friendloc.Options{RetryBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, nil)
	require.NoError(t, ch.StartListening())
	t.Cleanup(ch.StopListening)
	return ch
}

// waitFor reads snapshots until match accepts one.
func waitFor(t *testing.T, stream <-chan map[string]domain.Position, match func(map[string]domain.Position) bool) map[string]domain.Position {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-stream:
			require.True(t, ok, "stream closed")
			if match(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasKeys(keys ...string) func(map[string]domain.Position) bool {
	return func(snap map[string]domain.Position) bool {
		if len(snap) != len(keys) {
			return false
		}
		for _, k := range keys {
			if _, ok := snap[k]; !ok {
				return false
			}
		}
		return true
	}
}

func TestObserveExcludesSelf(t *testing.T) {
	ctx := context.Background()
	store := friendloc.NewMemoryStore(nil)
	ch := newChannel(t, store, friendloc.NewMemoryNotifier())

	require.NoError(t, ch.UpdateUserLocation(ctx, "me", 1, 1))
	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 2, 2))

	stream := ch.ObserveFriendLocations(ctx, "me", []string{"me", "f1"})
	snap := waitFor(t, stream, hasKeys("f1"))
	require.NotContains(t, snap, "me")

	require.NoError(t, ch.UpdateUserLocation(ctx, "me", 3, 3))
	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 4, 4))
	snap = waitFor(t, stream, func(s map[string]domain.Position) bool { return s["f1"].Latitude == 4 })
	require.NotContains(t, snap, "me")
}

func TestObserveEmitsOnChangesForRosterOnly(t *testing.T) {
	ctx := context.Background()
	ch := newChannel(t, friendloc.NewMemoryStore(nil), friendloc.NewMemoryNotifier())

	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1", "f2"})
	waitFor(t, stream, hasKeys())

	require.NoError(t, ch.UpdateUserLocation(ctx, "stranger", 5, 5))
	require.NoError(t, ch.UpdateUserLocation(ctx, "f2", 6, 6))
	snap := waitFor(t, stream, hasKeys("f2"))
	require.Equal(t, 6.0, snap["f2"].Longitude)

	require.NoError(t, ch.RemoveUserLocation(ctx, "f2"))
	waitFor(t, stream, hasKeys())
}

func TestRemoveWithoutPublishIsSafe(t *testing.T) {
	ch := newChannel(t, friendloc.NewMemoryStore(nil), friendloc.NewMemoryNotifier())
	require.NoError(t, ch.RemoveUserLocation(context.Background(), "never-published"))
	require.ErrorIs(t, ch.RemoveUserLocation(context.Background(), ""), friendloc.ErrMissingUser)
}

func TestUpdateValidatesInput(t *testing.T) {
	ch := newChannel(t, friendloc.NewMemoryStore(nil), friendloc.NewMemoryNotifier())
	require.ErrorIs(t, ch.UpdateUserLocation(context.Background(), "", 1, 1), friendloc.ErrMissingUser)
	require.ErrorIs(t, ch.UpdateUserLocation(context.Background(), "u", 91, 1), domain.ErrInvalidCoordinate)
}

func TestReceiptTimeWinsOverCallerClock(t *testing.T) {
	receipt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := friendloc.NewMemoryStore(stubClock{t: receipt})

	pos, err := store.Put(context.Background(), "u1", 10, 20)
	require.NoError(t, err)
	require.Equal(t, receipt.UnixMilli(), pos.CapturedAtMillis)
}

func TestStopListeningClosesStreamsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	notifier := friendloc.NewMemoryNotifier()
	ch := friendloc.New(friendloc.NewMemoryStore(nil), notifier, friendloc.Options{}, nil)

	closed := ch.ObserveFriendLocations(ctx, "me", []string{"f1"})
	_, open := <-closed
	require.False(t, open, "observing before StartListening yields a closed stream")

	require.NoError(t, ch.StartListening())
	require.NoError(t, ch.StartListening())
	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1"})
	waitFor(t, stream, hasKeys())

	ch.StopListening()
	ch.StopListening()
	for range stream {
	}
	require.Eventually(t, func() bool { return notifier.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 1, 1))
}

func TestObserverStopsWithItsContext(t *testing.T) {
	notifier := friendloc.NewMemoryNotifier()
	ch := newChannel(t, friendloc.NewMemoryStore(nil), notifier)
	ctx, cancel := context.WithCancel(context.Background())

	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1"})
	waitFor(t, stream, hasKeys())
	cancel()
	for range stream {
	}
	require.Eventually(t, func() bool { return notifier.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectResubscribesTransparently(t *testing.T) {
	ctx := context.Background()
	notifier := friendloc.NewMemoryNotifier()
	ch := newChannel(t, friendloc.NewMemoryStore(nil), notifier)

	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 1, 1))
	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1", "f2"})
	waitFor(t, stream, hasKeys("f1"))

	notifier.Disconnect()
	require.Eventually(t, func() bool { return notifier.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.UpdateUserLocation(ctx, "f2", 2, 2))
	waitFor(t, stream, hasKeys("f1", "f2"))
}

func TestStoreOutageKeepsLastKnownPositions(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: friendloc.NewMemoryStore(nil)}
	ch := newChannel(t, store, friendloc.NewMemoryNotifier())

	require.NoError(t, ch.UpdateUserLocation(ctx, "f1", 1, 1))
	stream := ch.ObserveFriendLocations(ctx, "me", []string{"f1", "f2"})
	waitFor(t, stream, hasKeys("f1"))

	store.down.Store(true)
	require.NoError(t, ch.UpdateUserLocation(ctx, "f2", 2, 2))

	select {
	case snap := <-stream:
		t.Fatalf("no snapshot expected during outage, got %v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	store.down.Store(false)
	waitFor(t, stream, hasKeys("f1", "f2"))
}
