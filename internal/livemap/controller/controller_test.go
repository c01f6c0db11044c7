package controller_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/livemap/internal/config"
	"github.com/example/livemap/internal/friendloc"
	"github.com/example/livemap/internal/livemap/controller"
	"github.com/example/livemap/internal/livemap/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type stubLocation struct {
	permission atomic.Bool
	calls      atomic.Int32
	mu         sync.Mutex
	result     domain.LocationResult
	updates    chan domain.Position
}

func newStubLocation(permission bool, result domain.LocationResult) *stubLocation {
	s := &stubLocation{result: result, updates: make(chan domain.Position)}
	s.permission.Store(permission)
	return s
}

func (s *stubLocation) HasLocationPermission() bool { return s.permission.Load() }

func (s *stubLocation) CurrentLocation(context.Context) domain.LocationResult {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *stubLocation) setResult(r domain.LocationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

func (s *stubLocation) LocationUpdates(ctx context.Context) <-chan domain.Position {
	out := make(chan domain.Position)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pos := <-s.updates:
				select {
				case out <- pos:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// recordingChannel wraps a real channel and counts lifecycle and write calls.
type recordingChannel struct {
	*friendloc.Channel
	starts  atomic.Int32
	stops   atomic.Int32
	mu      sync.Mutex
	updates []domain.Position
	removes []string
}

func newRecordingChannel() *recordingChannel {
	store := friendloc.NewMemoryStore(nil)
	ch := friendloc.New(store, friendloc.NewMemoryNotifier(), friendloc.Options{RetryBackoff: 10 * time.Millisecond}, nil)
	return &recordingChannel{Channel: ch}
}

func (r *recordingChannel) StartListening() error {
	r.starts.Add(1)
	return r.Channel.StartListening()
}

func (r *recordingChannel) StopListening() {
	r.stops.Add(1)
	r.Channel.StopListening()
}

func (r *recordingChannel) UpdateUserLocation(ctx context.Context, userID string, lat, lon float64) error {
	r.mu.Lock()
	r.updates = append(r.updates, domain.Position{UserID: userID, Latitude: lat, Longitude: lon})
	r.mu.Unlock()
	return r.Channel.UpdateUserLocation(ctx, userID, lat, lon)
}

func (r *recordingChannel) RemoveUserLocation(ctx context.Context, userID string) error {
	r.mu.Lock()
	r.removes = append(r.removes, userID)
	r.mu.Unlock()
	return r.Channel.RemoveUserLocation(ctx, userID)
}

func (r *recordingChannel) published() []domain.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Position(nil), r.updates...)
}

func (r *recordingChannel) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removes...)
}

type stubGraph struct {
	mu      sync.Mutex
	friends []string
	err     error
}

func (g *stubGraph) GetFriends(context.Context, string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.friends...), g.err
}

func (g *stubGraph) set(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.friends = ids
}

type stubCatalog struct {
	events []domain.Event
	err    error
}

func (c stubCatalog) GetAllVisibleEvents(context.Context) ([]domain.Event, error) {
	return c.events, c.err
}

type flyTo struct {
	point domain.Point
	opts  domain.CameraOptions
}

type stubCamera struct {
	mu    sync.Mutex
	calls []flyTo
}

func (c *stubCamera) FlyTo(point domain.Point, opts domain.CameraOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, flyTo{point, opts})
}

func (c *stubCamera) flights() []flyTo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]flyTo(nil), c.calls...)
}

type fixture struct {
	ctrl    *controller.Controller
	loc     *stubLocation
	channel *recordingChannel
	graph   *stubGraph
	camera  *stubCamera
	cfg     config.Map
}

func newFixture(t *testing.T, identity domain.Identity, catalog domain.EventCatalog) *fixture {
	t.Helper()
	f := &fixture{
		loc:     newStubLocation(true, domain.Timeout{}),
		channel: newRecordingChannel(),
		graph:   &stubGraph{},
		camera:  &stubCamera{},
		cfg:     config.Default(),
	}
	f.ctrl = controller.New(controller.Deps{
		Location: f.loc,
		Channel:  f.channel,
		Identity: identity,
		Friends:  f.graph,
		Events:   catalog,
		Camera:   f.camera,
	}, controller.Options{Map: f.cfg}, nil)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.ctrl.Start(context.Background())
	t.Cleanup(f.ctrl.Close)
}

func (f *fixture) apply(t *testing.T, ev controller.Event) domain.MapUiState {
	t.Helper()
	s, err := f.ctrl.Apply(context.Background(), ev)
	require.NoError(t, err)
	return s
}

// locate runs LocateUser and waits for the acquisition to land.
func (f *fixture) locate(t *testing.T) domain.MapUiState {
	t.Helper()
	before := f.loc.calls.Load()
	s := f.apply(t, controller.LocateUser{})
	require.True(t, s.IsLoading)
	require.Eventually(t, func() bool {
		return f.loc.calls.Load() > before && !f.ctrl.State().IsLoading
	}, waitFor, tick)
	return f.ctrl.State()
}

func TestInitialState(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	s := f.ctrl.State()
	require.True(t, s.IsEventsView)
	require.False(t, s.HasLocationPermission)
	require.Nil(t, s.TargetLocation)
	require.Empty(t, s.FriendLocations)
	require.Empty(t, s.Events)
}

func TestPermissionDeniedFlow(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)

	s := f.apply(t, controller.SetLocationPermission{Granted: false})
	require.Equal(t, "location permission required", s.Error())

	s = f.apply(t, controller.LocateUser{})
	require.Equal(t, "permission required for feature", s.Error())
	require.False(t, s.IsLoading)
	require.Nil(t, s.TargetLocation)
	require.Zero(t, f.loc.calls.Load())
}

func TestSuccessfulLocate(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.loc.setResult(domain.Success{Position: domain.Position{Latitude: 46.5089, Longitude: 6.6283}})
	f.start(t)
	f.apply(t, controller.SetLocationPermission{Granted: true})

	s := f.locate(t)

	require.NotNil(t, s.TargetLocation)
	require.Equal(t, 6.6283, s.TargetLocation.Lon())
	require.Equal(t, 46.5089, s.TargetLocation.Lat())
	require.Equal(t, f.cfg.Camera.LocateZoom, s.TargetZoom)
	require.True(t, s.ShouldAnimateToLocation)
	require.Nil(t, s.ErrorMessage)
}

func TestLocateTimeoutKeepsTarget(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.loc.setResult(domain.Timeout{})
	f.start(t)
	f.apply(t, controller.SetLocationPermission{Granted: true})
	before := f.apply(t, controller.SetTargetLocation{Lat: 46.52, Lon: 6.57})

	s := f.locate(t)

	require.Equal(t, f.cfg.Messages.Timeout, s.Error())
	require.Equal(t, before.TargetLocation, s.TargetLocation)
	require.Equal(t, f.cfg.Camera.TargetZoom, s.TargetZoom)
	require.False(t, s.ShouldAnimateToLocation)
}

func TestLocateAlwaysClearsLoading(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		name    string
		result  domain.LocationResult
		message *string
	}{
		{"success", domain.Success{Position: domain.Position{Latitude: 1, Longitude: 2}}, nil},
		{"error", domain.Failure{Message: "gps glitch"}, ptr(cfg.Messages.LocationErrorPrefix + "gps glitch")},
		{"timeout", domain.Timeout{}, ptr(cfg.Messages.Timeout)},
		{"permission_denied", domain.PermissionDenied{}, ptr(cfg.Messages.PermissionDenied)},
		{"disabled", domain.LocationDisabled{}, ptr(cfg.Messages.LocationDisabled)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, domain.StaticIdentity("me"), nil)
			f.loc.setResult(tc.result)
			f.start(t)
			f.apply(t, controller.SetLocationPermission{Granted: true})

			s := f.locate(t)

			require.False(t, s.IsLoading)
			require.Equal(t, tc.message, s.ErrorMessage)
			require.Equal(t, tc.name, domain.ResultLabel(tc.result))
		})
	}
}

func TestAnimationFlagIsEdgeTriggered(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.loc.setResult(domain.Success{Position: domain.Position{Latitude: 46.5089, Longitude: 6.6283}})
	f.start(t)
	f.apply(t, controller.SetLocationPermission{Granted: true})
	require.True(t, f.locate(t).ShouldAnimateToLocation)

	issued, err := f.ctrl.AnimateToUserLocation(context.Background())
	require.NoError(t, err)
	require.True(t, issued)
	require.False(t, f.ctrl.State().ShouldAnimateToLocation)

	flights := f.camera.flights()
	require.Len(t, flights, 1)
	require.Equal(t, domain.NewPoint(46.5089, 6.6283), flights[0].point)
	require.Equal(t, f.cfg.Camera.LocateDuration, flights[0].opts.Duration)
	require.Equal(t, f.cfg.Camera.LocateZoom, flights[0].opts.Zoom)

	for _, ev := range []controller.Event{controller.ToggleView{}, controller.ClearError{}, controller.ClearLocationAnimation{}, controller.UpdateSearchText{Text: "x"}} {
		require.False(t, f.apply(t, ev).ShouldAnimateToLocation)
	}

	f.loc.setResult(domain.Timeout{})
	require.False(t, f.locate(t).ShouldAnimateToLocation)

	f.loc.setResult(domain.Success{Position: domain.Position{Latitude: 1, Longitude: 1}})
	require.True(t, f.locate(t).ShouldAnimateToLocation)
}

func TestAnimateToUserLocationWithoutTargetIsNoop(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)

	issued, err := f.ctrl.AnimateToUserLocation(context.Background())
	require.NoError(t, err)
	require.False(t, issued)
	require.Empty(t, f.camera.flights())
}

func TestAnimateToTargetDelegates(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	p := domain.NewPoint(46.5, 6.6)

	f.ctrl.AnimateToTarget(p, 0)

	flights := f.camera.flights()
	require.Len(t, flights, 1)
	require.Equal(t, p, flights[0].point)
	require.Equal(t, domain.CameraOptions{
		Duration: f.cfg.Camera.AnimationDuration,
		Zoom:     f.cfg.Camera.DefaultZoom,
		Bearing:  f.cfg.Camera.Bearing,
		Pitch:    f.cfg.Camera.Pitch,
	}, flights[0].opts)
}

func TestSimpleEvents(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)

	require.False(t, f.apply(t, controller.ToggleView{}).IsEventsView)
	require.True(t, f.apply(t, controller.ToggleView{}).IsEventsView)
	require.Equal(t, "  café ", f.apply(t, controller.UpdateSearchText{Text: "  café "}).SearchText)

	s := f.apply(t, controller.SetLocationPermission{Granted: false})
	require.NotNil(t, s.ErrorMessage)
	s = f.apply(t, controller.SetLocationPermission{Granted: true})
	require.Nil(t, s.ErrorMessage)
	require.True(t, s.HasLocationPermission)

	f.apply(t, controller.SetLocationPermission{Granted: false})
	s = f.apply(t, controller.ClearError{})
	require.Nil(t, s.ErrorMessage)
	require.False(t, s.HasLocationPermission)
	require.Equal(t, "  café ", s.SearchText)

	s = f.apply(t, controller.SetTargetLocation{Lat: 10, Lon: 20, Zoom: 3})
	require.Equal(t, domain.NewPoint(10, 20), *s.TargetLocation)
	require.Equal(t, 3.0, s.TargetZoom)
}

func TestEventsLoadedOnStart(t *testing.T) {
	events := []domain.Event{{UID: "e1", Title: "Launch"}}
	f := newFixture(t, domain.StaticIdentity("me"), stubCatalog{events: events})
	f.start(t)

	require.Eventually(t, func() bool { return len(f.ctrl.State().Events) == 1 }, waitFor, tick)
	require.Equal(t, "e1", f.ctrl.State().Events[0].UID)
}

func TestEventsFailureSetsMessage(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), stubCatalog{err: errors.New("catalog down")})
	f.start(t)

	require.Eventually(t, func() bool {
		return f.ctrl.State().Error() == f.cfg.Messages.EventsUnavailable
	}, waitFor, tick)
}

func TestRosterShrinkDropsRemovedFriend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.graph.set("f1", "f2", "me")
	f.start(t)

	require.NoError(t, f.channel.UpdateUserLocation(ctx, "f1", 46.51, 6.56))
	require.NoError(t, f.channel.UpdateUserLocation(ctx, "f2", 46.52, 6.57))
	require.NoError(t, f.channel.UpdateUserLocation(ctx, "me", 46.53, 6.58))
	require.Eventually(t, func() bool { return len(f.ctrl.State().FriendLocations) == 2 }, waitFor, tick)
	require.NotContains(t, f.ctrl.State().FriendLocations, "me")

	f.graph.set("f1")
	f.ctrl.Dispatch(controller.RefreshRoster{})
	require.Eventually(t, func() bool {
		friends := f.ctrl.State().FriendLocations
		_, ok := friends["f1"]
		return len(friends) == 1 && ok
	}, waitFor, tick)

	// a late update from the removed friend does not come back
	require.NoError(t, f.channel.UpdateUserLocation(ctx, "f2", 40, 6))
	require.NoError(t, f.channel.UpdateUserLocation(ctx, "f1", 41, 6))
	require.Eventually(t, func() bool { return f.ctrl.State().FriendLocations["f1"].Latitude == 41 }, waitFor, tick)
	require.NotContains(t, f.ctrl.State().FriendLocations, "f2")
}

func TestRapidFriendUpdatesSettleOnLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.graph.set("f1")
	f.start(t)

	require.NoError(t, f.channel.UpdateUserLocation(ctx, "f1", 10, 6))
	require.Eventually(t, func() bool { return len(f.ctrl.State().FriendLocations) == 1 }, waitFor, tick)
	for i := 1; i <= 20; i++ {
		require.NoError(t, f.channel.UpdateUserLocation(ctx, "f1", 10+float64(i), 6))
	}
	require.Eventually(t, func() bool { return f.ctrl.State().FriendLocations["f1"].Latitude == 30 }, waitFor, tick)
}

func TestStartAndCloseDriveChannelLifecycleOnce(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.ctrl.Start(context.Background())
	f.ctrl.Start(context.Background())
	f.ctrl.Close()
	f.ctrl.Close()

	require.EqualValues(t, 1, f.channel.starts.Load())
	require.EqualValues(t, 1, f.channel.stops.Load())

	_, err := f.ctrl.Apply(context.Background(), controller.ToggleView{})
	require.ErrorIs(t, err, controller.ErrClosed)
	_, open := <-f.ctrl.Updates()
	for open {
		_, open = <-f.ctrl.Updates()
	}
}

func TestApplyBeforeStart(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	_, err := f.ctrl.Apply(context.Background(), controller.ToggleView{})
	require.ErrorIs(t, err, controller.ErrNotStarted)
	f.ctrl.Close()
	require.Zero(t, f.channel.stops.Load())
}

func TestUpdatesFeedConflates(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)
	for i := 0; i < 5; i++ {
		f.apply(t, controller.ToggleView{})
	}
	f.apply(t, controller.UpdateSearchText{Text: "last"})

	var latest domain.MapUiState
	require.Eventually(t, func() bool {
		select {
		case latest = <-f.ctrl.Updates():
		default:
		}
		return latest.SearchText == "last"
	}, waitFor, tick)
	require.False(t, latest.IsEventsView)
}

func TestShareCurrentLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)

	f.loc.permission.Store(false)
	require.Nil(t, f.ctrl.ShareCurrentLocation(ctx))
	require.Zero(t, f.loc.calls.Load())

	f.loc.permission.Store(true)
	f.loc.setResult(domain.Timeout{})
	require.Equal(t, domain.Timeout{}, f.ctrl.ShareCurrentLocation(ctx))

	f.loc.setResult(domain.Success{Position: domain.Position{Latitude: 46.5, Longitude: 6.6}})
	require.IsType(t, domain.Success{}, f.ctrl.ShareCurrentLocation(ctx))
	require.Eventually(t, func() bool { return len(f.channel.published()) == 1 }, waitFor, tick)
	require.Equal(t, "me", f.channel.published()[0].UserID)
	require.Equal(t, 46.5, f.channel.published()[0].Latitude)
}

func TestShareRequiresIdentity(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity(""), nil)
	f.loc.setResult(domain.Success{Position: domain.Position{Latitude: 1, Longitude: 1}})
	f.start(t)

	require.Nil(t, f.ctrl.ShareCurrentLocation(context.Background()))
	require.False(t, f.ctrl.StartLocationSharing())
	f.ctrl.StopSharingLocation(context.Background())
	require.Empty(t, f.channel.removed())
}

func TestLocationSharingLoop(t *testing.T) {
	f := newFixture(t, domain.StaticIdentity("me"), nil)
	f.start(t)

	f.ctrl.StopSharingLocation(context.Background())
	require.Equal(t, []string{"me"}, f.channel.removed())

	require.True(t, f.ctrl.StartLocationSharing())
	require.True(t, f.ctrl.StartLocationSharing())
	f.loc.updates <- domain.Position{Latitude: 10, Longitude: 11}
	f.loc.updates <- domain.Position{Latitude: 12, Longitude: 13}
	require.Eventually(t, func() bool { return len(f.channel.published()) == 2 }, waitFor, tick)

	f.ctrl.StopSharingLocation(context.Background())
	require.False(t, f.ctrl.Sharing())
	require.Equal(t, []string{"me", "me"}, f.channel.removed())
}

func ptr(s string) *string { return &s }
