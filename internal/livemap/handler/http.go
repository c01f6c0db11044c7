// Package handler exposes map sessions over HTTP. Each session is a map state
// controller owned by the authenticated user that created it.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/example/livemap/internal/auth"
	"github.com/example/livemap/internal/config"
	"github.com/example/livemap/internal/friendloc"
	"github.com/example/livemap/internal/livemap/controller"
	"github.com/example/livemap/internal/livemap/domain"
	"github.com/example/livemap/internal/markers"
)

// Middlewares are applied around the API. Nil entries are skipped.
type Middlewares struct {
	Auth    func(http.Handler) http.Handler
	Limit   func(http.Handler) http.Handler
	Publish func(http.Handler) http.Handler
}

// Options configures the handler.
type Options struct {
	Controller         controller.Options
	MaxSessionsPerUser int
	// SessionIdleTTL closes sessions without requests for this long; 0 keeps
	// them until deleted.
	SessionIdleTTL time.Duration
	// ReapInterval defaults to a quarter of SessionIdleTTL.
	ReapInterval time.Duration
	// CatalogRelayed means event writes reach sessions through the outbox
	// relay, so the write route does not broadcast a refresh itself.
	CatalogRelayed bool
}

// HTTP serves the map API.
type HTTP struct {
	deps      Deps
	cfg       config.Map
	sessions  *registry
	engine    *markers.Engine
	clusterer markers.Clusterer
	logger    *zap.Logger
	relayed   bool

	stopReaper chan struct{}
	reaperDone chan struct{}
	stopOnce   sync.Once
}

// NewHTTP constructs a handler.
func NewHTTP(deps Deps, opts Options, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Controller.Map
	h := &HTTP{
		deps:       deps,
		cfg:        cfg,
		sessions:   newRegistry(deps, opts.Controller, opts.MaxSessionsPerUser, logger.Named("session")),
		engine:     markers.NewEngine(cfg.Cluster, deps.Icons, logger.Named("markers")),
		clusterer:  markers.Clusterer{RadiusPx: cfg.Cluster.RadiusPx, MaxZoom: cfg.Cluster.MaxZoom},
		logger:     logger,
		relayed:    opts.CatalogRelayed,
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	if opts.SessionIdleTTL <= 0 {
		close(h.reaperDone)
		return h
	}
	interval := opts.ReapInterval
	if interval <= 0 {
		interval = opts.SessionIdleTTL / 4
	}
	go func() {
		defer close(h.reaperDone)
		h.sessions.reapEvery(opts.SessionIdleTTL, interval, h.stopReaper)
	}()
	return h
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router(mw Middlewares) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if mw.Auth != nil {
		r.Use(mw.Auth)
	}
	if mw.Limit != nil {
		r.Use(mw.Limit)
	}
	r.Post("/v1/sessions", h.createSession)
	r.Route("/v1/sessions/{id}", func(r chi.Router) {
		r.Get("/state", h.getState)
		r.Get("/stream", h.stream)
		r.Post("/events", h.postEvent)
		r.Get("/features", h.getFeatures)
		r.Get("/style", h.getStyle)
		r.Post("/camera/locate", h.locateCamera)
		r.Post("/share", h.startShare)
		r.Delete("/share", h.stopShare)
		r.Delete("/", h.deleteSession)
	})
	r.Group(func(r chi.Router) {
		if mw.Publish != nil {
			r.Use(mw.Publish)
		}
		r.Put("/v1/locations/me", h.putLocation)
		r.Delete("/v1/locations/me", h.deleteLocation)
		if h.deps.EventWriter != nil {
			r.Put("/v1/events/{uid}", h.putEvent)
		}
		if h.deps.FriendWriter != nil {
			r.Put("/v1/friends/{id}", h.befriend)
			r.Delete("/v1/friends/{id}", h.unfriend)
		}
	})
	return r
}

// Broadcast dispatches ev to every open session and returns the number of
// sessions addressed.
func (h *HTTP) Broadcast(ev controller.Event) int {
	sessions := h.sessions.list()
	for _, s := range sessions {
		s.ctrl.Dispatch(ev)
	}
	return len(sessions)
}

// Shutdown closes every open session.
func (h *HTTP) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopReaper) })
	<-h.reaperDone
	h.sessions.closeAll()
}

type sessionResponse struct {
	ID    uuid.UUID         `json:"id"`
	State domain.MapUiState `json:"state"`
}

func userID(r *http.Request) (string, bool) {
	return auth.IdentityFromContext(r.Context()).CurrentUserID()
}

func (h *HTTP) createSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	s, err := h.sessions.open(r.Context(), user)
	if err != nil {
		if errors.Is(err, errTooManySessions) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Info("session opened", zap.String("session", s.id.String()), zap.String("user_id", user))
	writeJSON(w, http.StatusCreated, sessionResponse{ID: s.id, State: s.ctrl.State()})
}

func (h *HTTP) session(w http.ResponseWriter, r *http.Request) (*session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return nil, false
	}
	user, _ := userID(r)
	s, err := h.sessions.get(id, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (h *HTTP) getState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

type eventRequest struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	Granted bool    `json:"granted"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Zoom    float64 `json:"zoom"`
}

func (e eventRequest) toEvent() (controller.Event, error) {
	switch e.Type {
	case "toggle_view":
		return controller.ToggleView{}, nil
	case "update_search_text":
		return controller.UpdateSearchText{Text: e.Text}, nil
	case "set_location_permission":
		return controller.SetLocationPermission{Granted: e.Granted}, nil
	case "set_target_location":
		if err := domain.ValidateCoordinate(e.Lat, e.Lon); err != nil {
			return nil, err
		}
		return controller.SetTargetLocation{Lat: e.Lat, Lon: e.Lon, Zoom: e.Zoom}, nil
	case "locate_user":
		return controller.LocateUser{}, nil
	case "clear_error":
		return controller.ClearError{}, nil
	case "clear_location_animation":
		return controller.ClearLocationAnimation{}, nil
	case "refresh_events":
		return controller.RefreshEvents{}, nil
	case "refresh_roster":
		return controller.RefreshRoster{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

func (h *HTTP) postEvent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload eventRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := payload.toEvent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, err := s.ctrl.Apply(r.Context(), ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// layer resolves the requested layer, defaulting to the session's current view.
func layer(r *http.Request, state domain.MapUiState) (string, error) {
	switch l := r.URL.Query().Get("layer"); l {
	case "":
		if state.IsEventsView {
			return "events", nil
		}
		return "friends", nil
	case "events", "friends":
		return l, nil
	default:
		return "", fmt.Errorf("unknown layer %q", l)
	}
}

func (h *HTTP) getFeatures(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	zoom := h.cfg.Camera.DefaultZoom
	if v := r.URL.Query().Get("zoom"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 || parsed > 24 {
			http.Error(w, "invalid zoom", http.StatusBadRequest)
			return
		}
		zoom = parsed
	}
	state := s.ctrl.State()
	name, err := layer(r, state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var features []*geojson.Feature
	if name == "events" {
		features = markers.CreateEventFeatures(state.Events)
	} else {
		features = markers.CreateFriendFeatures(state.FriendLocations)
	}
	writeJSON(w, http.StatusOK, markers.Collection(h.clusterer.Cluster(features, zoom)))
}

// getStyle renders the current view onto the session style and returns it.
func (h *HTTP) getStyle(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	state := s.ctrl.State()
	s.styleMu.Lock()
	defer s.styleMu.Unlock()
	if state.IsEventsView {
		h.engine.RemoveExistingFriendLayers(s.style)
		h.engine.RenderEvents(s.style, state.Events)
	} else {
		h.engine.RemoveExistingLayers(s.style)
		h.engine.RenderFriends(s.style, state.FriendLocations)
	}
	writeJSON(w, http.StatusOK, s.style.Document())
}

type locateResponse struct {
	Issued bool    `json:"issued"`
	FlyTo  *Flight `json:"flyTo,omitempty"`
}

func (h *HTTP) locateCamera(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	issued, err := s.ctrl.AnimateToUserLocation(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	resp := locateResponse{Issued: issued}
	if issued {
		resp.FlyTo = s.camera.Last()
	}
	writeJSON(w, http.StatusOK, resp)
}

type shareRequest struct {
	Continuous bool `json:"continuous"`
}

type shareResponse struct {
	Sharing bool   `json:"sharing"`
	Result  string `json:"result,omitempty"`
}

func (h *HTTP) startShare(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var payload shareRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if payload.Continuous {
		writeJSON(w, http.StatusOK, shareResponse{Sharing: s.ctrl.StartLocationSharing()})
		return
	}
	resp := shareResponse{Sharing: s.ctrl.Sharing()}
	if res := s.ctrl.ShareCurrentLocation(r.Context()); res != nil {
		resp.Result = domain.ResultLabel(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTP) stopShare(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.ctrl.StopSharingLocation(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	user, _ := userID(r)
	if err := h.sessions.close(id, user); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (h *HTTP) putLocation(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var payload locationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.deps.Channel.UpdateUserLocation(r.Context(), user, payload.Lat, payload.Lon)
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		h.logger.Error("publish location", zap.String("user_id", user), zap.Error(err))
		http.Error(w, "publish failed", http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *HTTP) deleteLocation(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := h.deps.Channel.RemoveUserLocation(r.Context(), user); err != nil {
		if errors.Is(err, friendloc.ErrMissingUser) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("remove location", zap.String("user_id", user), zap.Error(err))
		http.Error(w, "remove failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
