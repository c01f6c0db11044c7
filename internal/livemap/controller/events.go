package controller

// Event is a user or system input to the controller. The concrete types are
// listed below; each one is applied atomically on the controller loop.
type Event interface {
	eventName() string
}

// ToggleView flips between the events and friends views.
type ToggleView struct{}

// UpdateSearchText replaces the search text verbatim.
type UpdateSearchText struct{ Text string }

// SetLocationPermission records the outcome of a permission prompt.
type SetLocationPermission struct{ Granted bool }

// SetTargetLocation points the camera target at a coordinate. Zoom 0 selects
// the configured target zoom. Coordinates must already be in range.
type SetTargetLocation struct {
	Lat  float64
	Lon  float64
	Zoom float64
}

// LocateUser acquires the device position and targets it.
type LocateUser struct{}

// ClearError dismisses the current error message.
type ClearError struct{}

// ClearLocationAnimation acknowledges a pending fly-to.
type ClearLocationAnimation struct{}

// RefreshEvents reloads the event catalog.
type RefreshEvents struct{}

// RefreshRoster reloads the friend roster and resubscribes if it changed.
type RefreshRoster struct{}

func (ToggleView) eventName() string             { return "toggle_view" }
func (UpdateSearchText) eventName() string       { return "update_search_text" }
func (SetLocationPermission) eventName() string  { return "set_location_permission" }
func (SetTargetLocation) eventName() string      { return "set_target_location" }
func (LocateUser) eventName() string             { return "locate_user" }
func (ClearError) eventName() string             { return "clear_error" }
func (ClearLocationAnimation) eventName() string { return "clear_location_animation" }
func (RefreshEvents) eventName() string          { return "refresh_events" }
func (RefreshRoster) eventName() string          { return "refresh_roster" }

// EventName returns the wire name of ev.
func EventName(ev Event) string { return ev.eventName() }
