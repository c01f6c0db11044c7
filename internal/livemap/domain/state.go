package domain

// MapUiState is an immutable snapshot of everything the map screen renders.
// The controller publishes a new value for every change; maps and slices in a
// published value are never written again.
type MapUiState struct {
	SearchText              string              `json:"searchText"`
	IsEventsView            bool                `json:"isEventsView"`
	HasLocationPermission   bool                `json:"hasLocationPermission"`
	IsLoading               bool                `json:"isLoading"`
	ErrorMessage            *string             `json:"errorMessage,omitempty"`
	TargetLocation          *Point              `json:"targetLocation,omitempty"`
	TargetZoom              float64             `json:"targetZoom,omitempty"`
	ShouldAnimateToLocation bool                `json:"shouldAnimateToLocation"`
	FriendLocations         map[string]Position `json:"friendLocations"`
	Events                  []Event             `json:"events"`
}

// InitialState is the state of a freshly constructed controller.
func InitialState() MapUiState {
	return MapUiState{
		IsEventsView:    true,
		FriendLocations: map[string]Position{},
		Events:          []Event{},
	}
}

// Error returns the current error message or "".
func (s MapUiState) Error() string {
	if s.ErrorMessage == nil {
		return ""
	}
	return *s.ErrorMessage
}

// WithError returns a copy carrying msg.
func (s MapUiState) WithError(msg string) MapUiState {
	s.ErrorMessage = &msg
	return s
}

// WithoutError returns a copy with no error.
func (s MapUiState) WithoutError() MapUiState {
	s.ErrorMessage = nil
	return s
}

// WithTarget returns a copy targeting p.
func (s MapUiState) WithTarget(p Point, zoom float64) MapUiState {
	s.TargetLocation = &p
	s.TargetZoom = zoom
	return s
}

// WithFriends returns a copy with a fresh friend map.
func (s MapUiState) WithFriends(friends map[string]Position) MapUiState {
	cp := make(map[string]Position, len(friends))
	for id, pos := range friends {
		cp[id] = pos
	}
	s.FriendLocations = cp
	return s
}

// WithEvents returns a copy with a fresh event list.
func (s MapUiState) WithEvents(events []Event) MapUiState {
	s.Events = append([]Event(nil), events...)
	return s
}
