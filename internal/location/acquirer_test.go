package location_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/livemap/domain"
	"github.com/example/livemap/internal/location"
)

func newAcquirer(p location.Platform, timeout time.Duration) *location.Acquirer {
	return location.NewAcquirer(p, location.Options{Timeout: timeout, UpdateInterval: 10 * time.Millisecond}, nil)
}

func TestCurrentLocationWithoutPermissionSkipsPlatform(t *testing.T) {
	platform := location.NewSimulatedPlatform(46.5, 6.6)
	platform.SetPermission(false)
	acq := newAcquirer(platform, time.Second)

	res := acq.CurrentLocation(context.Background())
	require.Equal(t, domain.PermissionDenied{}, res)
	require.False(t, acq.HasLocationPermission())
	require.Zero(t, platform.Requests())
}

func TestCurrentLocationDisabledServices(t *testing.T) {
	platform := location.NewSimulatedPlatform(46.5, 6.6)
	platform.SetEnabled(false)

	res := newAcquirer(platform, time.Second).CurrentLocation(context.Background())
	require.Equal(t, domain.LocationDisabled{}, res)
	require.Zero(t, platform.Requests())
}

func TestCurrentLocationSuccess(t *testing.T) {
	platform := location.NewSimulatedPlatform(46.5089, 6.6283)

	res := newAcquirer(platform, time.Second).CurrentLocation(context.Background())
	success, ok := res.(domain.Success)
	require.True(t, ok, "unexpected result %#v", res)
	require.Equal(t, 46.5089, success.Position.Latitude)
	require.Equal(t, 6.6283, success.Position.Longitude)
	require.NotZero(t, success.Position.CapturedAtMillis)
}

func TestCurrentLocationTimeoutResolvesOnce(t *testing.T) {
	platform := location.NewSimulatedPlatform(46.5, 6.6)
	platform.SetDelay(150 * time.Millisecond)
	acq := newAcquirer(platform, 20*time.Millisecond)

	start := time.Now()
	res := acq.CurrentLocation(context.Background())
	require.Equal(t, domain.Timeout{}, res)
	require.Less(t, time.Since(start), 150*time.Millisecond)

	// let the late callback fire; it must be dropped without blocking or panicking
	time.Sleep(200 * time.Millisecond)
}

func TestCurrentLocationMapsPlatformErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.LocationResult
	}{
		{name: "revoked", err: location.ErrPlatformPermission, want: domain.PermissionDenied{}},
		{name: "disabled", err: location.ErrPlatformDisabled, want: domain.LocationDisabled{}},
		{name: "transient", err: errors.New("gps glitch"), want: domain.Failure{Message: "gps glitch"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			platform := location.NewSimulatedPlatform(46.5, 6.6)
			platform.SetError(tc.err)
			res := newAcquirer(platform, time.Second).CurrentLocation(context.Background())
			require.Equal(t, tc.want, res)
		})
	}
}

func TestCurrentLocationRejectsOutOfRangeFix(t *testing.T) {
	platform := location.NewSimulatedPlatform(123, 6.6)
	res := newAcquirer(platform, time.Second).CurrentLocation(context.Background())
	_, ok := res.(domain.Failure)
	require.True(t, ok)
}

func TestLocationUpdatesStreamsUntilCancelled(t *testing.T) {
	platform := location.NewSimulatedPlatform(46.5, 6.6)
	acq := newAcquirer(platform, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	updates := acq.LocationUpdates(ctx)
	for i := 0; i < 2; i++ {
		select {
		case pos := <-updates:
			require.Equal(t, 46.5, pos.Latitude)
		case <-time.After(time.Second):
			t.Fatal("expected location update")
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-updates:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
