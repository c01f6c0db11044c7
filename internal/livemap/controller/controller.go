// Package controller owns the map screen state. A single loop goroutine applies
// every mutation; background work posts its results back onto the loop.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/livemap/internal/config"
	"github.com/example/livemap/internal/livemap/domain"
)

var (
	// ErrNotStarted is returned when events are sent before Start.
	ErrNotStarted = errors.New("controller not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// LocationSource is the location acquisition capability.
type LocationSource interface {
	HasLocationPermission() bool
	CurrentLocation(ctx context.Context) domain.LocationResult
	LocationUpdates(ctx context.Context) <-chan domain.Position
}

// FriendChannel is the friend location channel capability.
type FriendChannel interface {
	StartListening() error
	StopListening()
	UpdateUserLocation(ctx context.Context, userID string, lat, lon float64) error
	RemoveUserLocation(ctx context.Context, userID string) error
	ObserveFriendLocations(ctx context.Context, selfID string, friendIDs []string) <-chan map[string]domain.Position
}

// Deps are the collaborators of a controller. Events and Camera may be nil.
type Deps struct {
	Location LocationSource
	Channel  FriendChannel
	Identity domain.Identity
	Friends  domain.SocialGraph
	Events   domain.EventCatalog
	Camera   domain.Camera
}

// Options tunes a controller.
type Options struct {
	Map config.Map
	// RosterRefresh polls the social graph for roster changes; 0 disables polling.
	RosterRefresh time.Duration
	// PublishTimeout bounds fire-and-forget position publishes.
	PublishTimeout time.Duration
}

// Controller is the single source of truth for the map screen.
type Controller struct {
	deps   Deps
	opts   Options
	msgs   config.Messages
	logger *zap.Logger

	state   atomic.Pointer[domain.MapUiState]
	updates chan domain.MapUiState
	ops     chan func()

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	// owned by the loop
	roster       domain.Roster
	rosterGen    uint64
	rosterCancel context.CancelFunc
	locating     int

	shareMu     sync.Mutex
	shareCancel context.CancelFunc
}

// New constructs a controller in the initial state. Call Start to begin.
func New(deps Deps, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:    deps,
		opts:    opts,
		msgs:    opts.Map.Messages,
		logger:  logger,
		updates: make(chan domain.MapUiState, 1),
		ops:     make(chan func(), 16),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	initial := domain.InitialState()
	c.state.Store(&initial)
	return c
}

// Start opens the friend channel, loads the roster and the events, and runs
// the loop until ctx ends or Close is called. Only the first call has effect.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		context.AfterFunc(ctx, c.cancel)
		if err := c.deps.Channel.StartListening(); err != nil {
			c.logger.Error("start friend channel", zap.Error(err))
		}
		c.started.Store(true)
		go c.run()
		_ = c.submit(c.ctx, func() {
			c.refreshRoster()
			c.refreshEvents()
		})
	})
}

// Close stops the loop, the roster subscription and the sharing loop, and
// closes the friend channel. It is safe to call repeatedly.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if !c.started.Load() {
			return
		}
		<-c.done
		c.stopSharingLoop()
		c.deps.Channel.StopListening()
		c.wg.Wait()
	})
}

// State returns the latest published state.
func (c *Controller) State() domain.MapUiState {
	return *c.state.Load()
}

// Updates delivers published states. Slow readers only see the latest one.
// The channel closes when the loop stops.
func (c *Controller) Updates() <-chan domain.MapUiState {
	return c.updates
}

// Dispatch queues ev for the loop. Events sent before Start or after Close
// are dropped.
func (c *Controller) Dispatch(ev Event) {
	if err := c.submit(c.ctx, func() { c.apply(ev) }); err != nil {
		c.logger.Debug("event dropped", zap.String("event", ev.eventName()), zap.Error(err))
	}
}

// Apply runs ev on the loop and returns the state right after it. Work that
// ev starts in the background, such as an acquisition, may still be pending.
func (c *Controller) Apply(ctx context.Context, ev Event) (domain.MapUiState, error) {
	var s domain.MapUiState
	if err := c.exec(ctx, func() {
		c.apply(ev)
		s = c.State()
	}); err != nil {
		return domain.MapUiState{}, err
	}
	return s, nil
}

func (c *Controller) run() {
	defer close(c.done)
	defer close(c.updates)

	var tick <-chan time.Time
	if c.opts.RosterRefresh > 0 {
		ticker := time.NewTicker(c.opts.RosterRefresh)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case op := <-c.ops:
			op()
		case <-tick:
			c.refreshRoster()
		case <-c.ctx.Done():
			if c.rosterCancel != nil {
				c.rosterCancel()
			}
			return
		}
	}
}

func (c *Controller) submit(ctx context.Context, op func()) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.ops <- op:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) exec(ctx context.Context, op func()) error {
	ran := make(chan struct{})
	if err := c.submit(ctx, func() { op(); close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands a background result to the loop.
func (c *Controller) post(op func()) {
	_ = c.submit(c.ctx, op)
}

// background runs fn on a tracked goroutine.
func (c *Controller) background(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// update publishes a new state derived from the current one. Loop only.
func (c *Controller) update(fn func(domain.MapUiState) domain.MapUiState) {
	next := fn(*c.state.Load())
	c.state.Store(&next)
	select {
	case c.updates <- next:
	default:
		select {
		case <-c.updates:
		default:
		}
		c.updates <- next
	}
}

func (c *Controller) apply(ev Event) {
	eventsTotal.WithLabelValues(ev.eventName()).Inc()
	switch ev := ev.(type) {
	case ToggleView:
		c.update(func(s domain.MapUiState) domain.MapUiState {
			s.IsEventsView = !s.IsEventsView
			return s
		})
	case UpdateSearchText:
		c.update(func(s domain.MapUiState) domain.MapUiState {
			s.SearchText = ev.Text
			return s
		})
	case SetLocationPermission:
		c.update(func(s domain.MapUiState) domain.MapUiState {
			s.HasLocationPermission = ev.Granted
			if !ev.Granted {
				return s.WithError(c.msgs.PermissionRequired)
			}
			return s.WithoutError()
		})
	case SetTargetLocation:
		zoom := ev.Zoom
		if zoom == 0 {
			zoom = c.opts.Map.Camera.TargetZoom
		}
		c.update(func(s domain.MapUiState) domain.MapUiState {
			return s.WithTarget(domain.NewPoint(ev.Lat, ev.Lon), zoom)
		})
	case LocateUser:
		c.locateUser()
	case ClearError:
		c.update(domain.MapUiState.WithoutError)
	case ClearLocationAnimation:
		if !c.State().ShouldAnimateToLocation {
			return
		}
		c.update(func(s domain.MapUiState) domain.MapUiState {
			s.ShouldAnimateToLocation = false
			return s
		})
	case RefreshEvents:
		c.refreshEvents()
	case RefreshRoster:
		c.refreshRoster()
	}
}

func (c *Controller) locateUser() {
	if !c.State().HasLocationPermission {
		c.update(func(s domain.MapUiState) domain.MapUiState {
			return s.WithError(c.msgs.PermissionRequiredForFeature)
		})
		return
	}
	c.locating++
	c.update(func(s domain.MapUiState) domain.MapUiState {
		s.IsLoading = true
		return s
	})
	ctx := c.ctx
	c.background(func() {
		res := c.deps.Location.CurrentLocation(ctx)
		c.post(func() { c.locateDone(res) })
	})
}

func (c *Controller) locateDone(res domain.LocationResult) {
	c.locating--
	locateResultTotal.WithLabelValues(domain.ResultLabel(res)).Inc()
	loading := c.locating > 0
	c.update(func(s domain.MapUiState) domain.MapUiState {
		s.IsLoading = loading
		switch r := res.(type) {
		case domain.Success:
			s = s.WithTarget(r.Position.Point(), c.opts.Map.Camera.LocateZoom).WithoutError()
			s.ShouldAnimateToLocation = true
		case domain.Failure:
			s = s.WithError(c.msgs.LocationErrorPrefix + r.Message)
		case domain.Timeout:
			s = s.WithError(c.msgs.Timeout)
		case domain.PermissionDenied:
			s = s.WithError(c.msgs.PermissionDenied)
		case domain.LocationDisabled:
			s = s.WithError(c.msgs.LocationDisabled)
		}
		return s
	})
}

func (c *Controller) refreshEvents() {
	if c.deps.Events == nil {
		return
	}
	ctx := c.ctx
	c.background(func() {
		events, err := c.deps.Events.GetAllVisibleEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("load events", zap.Error(err))
			c.post(func() {
				c.update(func(s domain.MapUiState) domain.MapUiState {
					return s.WithError(c.msgs.EventsUnavailable)
				})
			})
			return
		}
		c.post(func() {
			c.update(func(s domain.MapUiState) domain.MapUiState { return s.WithEvents(events) })
		})
	})
}

// refreshRoster fetches the friend list in the background and installs it on
// the loop.
func (c *Controller) refreshRoster() {
	selfID, ok := c.deps.Identity.CurrentUserID()
	if !ok || c.deps.Friends == nil {
		c.installRoster("", nil)
		return
	}
	ctx := c.ctx
	c.background(func() {
		ids, err := c.deps.Friends.GetFriends(ctx, selfID)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("load friend roster", zap.String("user_id", selfID), zap.Error(err))
			}
			return
		}
		c.post(func() { c.installRoster(selfID, ids) })
	})
}

// installRoster replaces the friend subscription when the roster changed. The
// previous subscription is cancelled before the new one starts, and snapshots
// it already queued are discarded by generation.
func (c *Controller) installRoster(selfID string, ids []string) {
	roster := domain.NewRoster(ids...).Without(selfID)
	if c.roster != nil && roster.Equal(c.roster) {
		return
	}
	if c.rosterCancel != nil {
		c.rosterCancel()
		c.rosterCancel = nil
		rosterResubscribeTotal.Inc()
	}
	c.rosterGen++
	c.roster = roster
	c.update(func(s domain.MapUiState) domain.MapUiState {
		return s.WithFriends(filterRoster(s.FriendLocations, roster))
	})
	if len(roster) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.rosterCancel = cancel
	gen := c.rosterGen
	stream := c.deps.Channel.ObserveFriendLocations(ctx, selfID, roster.IDs())
	c.logger.Debug("friend roster subscribed", zap.Int("friends", len(roster)), zap.Uint64("generation", gen))
	c.background(func() {
		for snap := range stream {
			c.forwardFriends(gen, roster, snap)
		}
	})
}

// forwardFriends posts snap to the loop, which drops it if the roster moved
// on since generation gen.
func (c *Controller) forwardFriends(gen uint64, roster domain.Roster, snap map[string]domain.Position) {
	c.post(func() {
		if gen != c.rosterGen {
			return
		}
		c.update(func(s domain.MapUiState) domain.MapUiState {
			return s.WithFriends(filterRoster(snap, roster))
		})
	})
}

func filterRoster(in map[string]domain.Position, roster domain.Roster) map[string]domain.Position {
	out := make(map[string]domain.Position, len(in))
	for id, pos := range in {
		if roster.Contains(id) {
			out[id] = pos
		}
	}
	return out
}
