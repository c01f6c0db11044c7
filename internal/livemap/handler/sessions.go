package handler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/controller"
	"github.com/example/livemap/internal/livemap/domain"
	"github.com/example/livemap/internal/markers"
)

var (
	errSessionNotFound = errors.New("session not found")
	errTooManySessions = errors.New("too many sessions")
)

var (
	sessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livemap_sessions",
		Help: "Open map sessions",
	})
	sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_sessions_expired_total",
		Help: "Sessions closed after staying idle past the TTL",
	})
)

// Deps are shared by every session.
type Deps struct {
	Location controller.LocationSource
	Channel  controller.FriendChannel
	Friends  domain.SocialGraph
	Events   domain.EventCatalog
	Icons    markers.IconLoader
	// EventWriter and FriendWriter back the catalog write routes; nil
	// disables them.
	EventWriter  EventWriter
	FriendWriter FriendWriter
}

// sharedChannel leaves the channel lifecycle to the process; sessions only
// observe and publish.
type sharedChannel struct {
	controller.FriendChannel
}

func (sharedChannel) StartListening() error { return nil }
func (sharedChannel) StopListening()        {}

// Flight is a recorded fly-to command.
type Flight struct {
	Point      domain.Point `json:"point"`
	Zoom       float64      `json:"zoom"`
	DurationMs int64        `json:"durationMs"`
	Bearing    float64      `json:"bearing"`
	Pitch      float64      `json:"pitch"`
}

// recordingCamera is the rendering surface of a remote session: it keeps the
// last command for the client to replay.
type recordingCamera struct {
	mu   sync.Mutex
	last *Flight
}

func (c *recordingCamera) FlyTo(point domain.Point, opts domain.CameraOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &Flight{
		Point:      point,
		Zoom:       opts.Zoom,
		DurationMs: opts.Duration.Milliseconds(),
		Bearing:    opts.Bearing,
		Pitch:      opts.Pitch,
	}
}

func (c *recordingCamera) Last() *Flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type session struct {
	id        uuid.UUID
	owner     string
	created   time.Time
	lastSeen  atomic.Int64
	ctrl      *controller.Controller
	camera    *recordingCamera
	style     *markers.MemoryStyle
	styleMu   sync.Mutex
	streaming atomic.Bool
}

func (s *session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// idle reports whether s saw no request for ttl. An open stream keeps it alive.
func (s *session) idle(now time.Time, ttl time.Duration) bool {
	if s.streaming.Load() {
		return false
	}
	return now.Sub(time.Unix(0, s.lastSeen.Load())) > ttl
}

// registry owns the open sessions.
type registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	perUser  map[string]int
	maxUser  int
	deps     Deps
	opts     controller.Options
	now      func() time.Time
	logger   *zap.Logger
}

func newRegistry(deps Deps, opts controller.Options, maxPerUser int, logger *zap.Logger) *registry {
	return &registry{
		sessions: map[uuid.UUID]*session{},
		perUser:  map[string]int{},
		maxUser:  maxPerUser,
		deps:     deps,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *registry) open(ctx context.Context, userID string) (*session, error) {
	r.mu.Lock()
	if r.maxUser > 0 && r.perUser[userID] >= r.maxUser {
		r.mu.Unlock()
		return nil, errTooManySessions
	}
	r.perUser[userID]++
	r.mu.Unlock()

	now := r.now()
	s := &session{
		id:      uuid.New(),
		owner:   userID,
		created: now,
		camera:  &recordingCamera{},
		style:   markers.NewMemoryStyle(),
	}
	s.touch(now)
	s.ctrl = controller.New(controller.Deps{
		Location: r.deps.Location,
		Channel:  sharedChannel{r.deps.Channel},
		Identity: domain.StaticIdentity(userID),
		Friends:  r.deps.Friends,
		Events:   r.deps.Events,
		Camera:   s.camera,
	}, r.opts, r.logger.With(zap.String("session", s.id.String())))
	s.ctrl.Start(context.Background())
	if _, err := s.ctrl.Apply(ctx, controller.SetLocationPermission{Granted: r.deps.Location.HasLocationPermission()}); err != nil {
		s.ctrl.Close()
		r.release(userID)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	sessionsGauge.Inc()
	return s, nil
}

// get returns the session only to its owner and marks it as seen.
func (r *registry) get(id uuid.UUID, userID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.owner != userID {
		return nil, errSessionNotFound
	}
	s.touch(r.now())
	return s, nil
}

func (r *registry) list() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// owned lists the sessions belonging to any of users.
func (r *registry) owned(users ...string) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for _, s := range r.sessions {
		for _, u := range users {
			if s.owner == u {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (r *registry) close(id uuid.UUID, userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.owner != userID {
		r.mu.Unlock()
		return errSessionNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.shutdown(s)
	return nil
}

func (r *registry) shutdown(s *session) {
	s.ctrl.Close()
	r.release(s.owner)
	sessionsGauge.Dec()
}

// reap closes sessions idle for longer than ttl and returns how many.
func (r *registry) reap(ttl time.Duration) int {
	now := r.now()
	r.mu.Lock()
	var expired []*session
	for id, s := range r.sessions {
		if s.idle(now, ttl) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("session expired",
			zap.String("session", s.id.String()),
			zap.String("user_id", s.owner),
			zap.Duration("age", now.Sub(s.created)))
		r.shutdown(s)
		sessionsExpired.Inc()
	}
	return len(expired)
}

// reapEvery runs reap on every tick until stop closes.
func (r *registry) reapEvery(ttl, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.reap(ttl)
		}
	}
}

func (r *registry) release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perUser[userID] <= 1 {
		delete(r.perUser, userID)
		return
	}
	r.perUser[userID]--
}

func (r *registry) closeAll() {
	sessions := r.list()
	r.mu.Lock()
	r.sessions = map[uuid.UUID]*session{}
	r.perUser = map[string]int{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.ctrl.Close()
		sessionsGauge.Dec()
	}
}
