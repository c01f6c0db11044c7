package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
)

// ErrInvalidCoordinate indicates a latitude or longitude outside the WGS84 range.
var ErrInvalidCoordinate = errors.New("coordinate out of range")

// Point is a WGS84 coordinate stored as [lon, lat].
type Point = orb.Point

// NewPoint builds a Point from latitude/longitude order.
func NewPoint(lat, lon float64) Point {
	return Point{lon, lat}
}

// ValidateCoordinate checks the WGS84 latitude and longitude bounds.
func ValidateCoordinate(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %f", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %f", ErrInvalidCoordinate, lon)
	}
	return nil
}

// Position is the last known location of a user. Values are replaced, never mutated.
type Position struct {
	UserID           string  `json:"userId"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	CapturedAtMillis int64   `json:"capturedAtMillis"`
}

// Validate reports whether the coordinates are within range.
func (p Position) Validate() error {
	return ValidateCoordinate(p.Latitude, p.Longitude)
}

// Point returns the position as a map point.
func (p Position) Point() Point {
	return NewPoint(p.Latitude, p.Longitude)
}

// CapturedAt converts the capture timestamp to a time.Time.
func (p Position) CapturedAt() time.Time {
	return time.UnixMilli(p.CapturedAtMillis).UTC()
}

// Location is the optional place attached to an event.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
}

// Event is a catalog entry displayed on the map.
type Event struct {
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Start       time.Time `json:"start,omitempty"`
}

// Roster is the set of friend identifiers whose positions are observed.
type Roster map[string]struct{}

// NewRoster builds a roster, ignoring empty identifiers.
func NewRoster(ids ...string) Roster {
	r := make(Roster, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		r[id] = struct{}{}
	}
	return r
}

// Contains reports roster membership.
func (r Roster) Contains(id string) bool {
	_, ok := r[id]
	return ok
}

// Without returns a copy of the roster minus id.
func (r Roster) Without(id string) Roster {
	out := make(Roster, len(r))
	for k := range r {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return out
}

// Equal compares rosters by set membership.
func (r Roster) Equal(other Roster) bool {
	if len(r) != len(other) {
		return false
	}
	for id := range r {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// IDs returns the members in sorted order.
func (r Roster) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Identity supplies the signed-in user. An empty id means nobody is signed in.
type Identity interface {
	CurrentUserID() (string, bool)
}

// StaticIdentity is an Identity with a fixed user id.
type StaticIdentity string

// CurrentUserID implements Identity.
func (s StaticIdentity) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// SocialGraph lists the friends of a user.
type SocialGraph interface {
	GetFriends(ctx context.Context, userID string) ([]string, error)
}

// EventCatalog lists the events visible to the current user.
type EventCatalog interface {
	GetAllVisibleEvents(ctx context.Context) ([]Event, error)
}

// CameraOptions configures a fly-to animation.
type CameraOptions struct {
	Duration time.Duration
	Zoom     float64
	Bearing  float64
	Pitch    float64
}

// Camera is the viewport half of the rendering surface.
type Camera interface {
	FlyTo(point Point, opts CameraOptions)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
