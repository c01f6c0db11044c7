package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/controller"
	"github.com/example/livemap/internal/livemap/domain"
)

// EventWriter persists catalog events.
type EventWriter interface {
	PutEvent(ctx context.Context, ev domain.Event) error
}

// FriendWriter edits the social graph. Both operations are symmetric.
type FriendWriter interface {
	Befriend(ctx context.Context, a, b string) error
	Unfriend(ctx context.Context, a, b string) error
}

type eventBody struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Location    *domain.Location `json:"location"`
	Start       time.Time        `json:"start"`
}

func (b eventBody) toEvent(uid string) (domain.Event, error) {
	if b.Title == "" {
		return domain.Event{}, errors.New("title is required")
	}
	if b.Location != nil {
		if err := domain.ValidateCoordinate(b.Location.Latitude, b.Location.Longitude); err != nil {
			return domain.Event{}, err
		}
	}
	return domain.Event{UID: uid, Title: b.Title, Description: b.Description, Location: b.Location, Start: b.Start.UTC()}, nil
}

func (h *HTTP) putEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var body eventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := body.toEvent(chi.URLParam(r, "uid"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.deps.EventWriter.PutEvent(r.Context(), ev); err != nil {
		h.logger.Error("put event", zap.String("uid", ev.UID), zap.String("user_id", user), zap.Error(err))
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("event stored", zap.String("uid", ev.UID), zap.String("user_id", user))
	if !h.relayed {
		h.Broadcast(controller.RefreshEvents{})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) befriend(w http.ResponseWriter, r *http.Request) {
	h.editFriendship(w, r, h.deps.FriendWriter.Befriend)
}

func (h *HTTP) unfriend(w http.ResponseWriter, r *http.Request) {
	h.editFriendship(w, r, h.deps.FriendWriter.Unfriend)
}

// editFriendship applies op between the caller and the path user, then
// reloads the rosters of both users' sessions.
func (h *HTTP) editFriendship(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, a, b string) error) {
	user, ok := userID(r)
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	friend := chi.URLParam(r, "id")
	if friend == "" || friend == user {
		http.Error(w, "invalid friend id", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), user, friend); err != nil {
		h.logger.Error("edit friendship", zap.String("user_id", user), zap.String("friend_id", friend), zap.Error(err))
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	for _, s := range h.sessions.owned(user, friend) {
		s.ctrl.Dispatch(controller.RefreshRoster{})
	}
	w.WriteHeader(http.StatusNoContent)
}
