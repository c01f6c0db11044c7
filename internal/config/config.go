// Package config holds the fixed map policy shared by the controller and the
// marker engine, plus the runtime settings read from the environment.
package config

import "time"

// Camera holds zoom levels and fly-to constants.
type Camera struct {
	InitialZoom       float64
	DefaultZoom       float64
	TargetZoom        float64
	LocateZoom        float64
	AnimationDuration time.Duration
	LocateDuration    time.Duration
	Bearing           float64
	Pitch             float64
	DefaultLat        float64
	DefaultLon        float64
}

// Cluster is the declarative clustering and marker encoding policy.
type Cluster struct {
	SourceID          string
	UnclusteredLayer  string
	ClusterLayer      string
	ClusterCountLayer string
	IconID            string
	IconSize          float64

	FriendSourceID          string
	FriendUnclusteredLayer  string
	FriendClusterLayer      string
	FriendClusterCountLayer string
	FriendIconID            string

	RadiusPx int
	MaxZoom  float64

	ClusterColor       string
	FriendClusterColor string
	CircleRadius       float64
	StrokeWidth        float64
	StrokeColor        string
	TextColor          string
	TextSize           float64
	Fonts              []string
}

// Messages are the user-facing error strings placed on the map state.
type Messages struct {
	PermissionRequired           string
	PermissionRequiredForFeature string
	PermissionDenied             string
	LocationDisabled             string
	Timeout                      string
	LocationErrorPrefix          string
	EventsUnavailable            string
}

// Map bundles every constant consumed by the map screen.
type Map struct {
	Camera   Camera
	Cluster  Cluster
	Messages Messages

	LocationTimeout        time.Duration
	LocationUpdateInterval time.Duration
}

// Default returns the map policy. The values are fixed and not environment driven.
func Default() Map {
	return Map{
		Camera: Camera{
			InitialZoom:       13,
			DefaultZoom:       12,
			TargetZoom:        15,
			LocateZoom:        16,
			AnimationDuration: 1500 * time.Millisecond,
			LocateDuration:    2000 * time.Millisecond,
			Bearing:           0,
			Pitch:             0,
			DefaultLat:        46.5191,
			DefaultLon:        6.5668,
		},
		Cluster: Cluster{
			SourceID:          "events-source",
			UnclusteredLayer:  "events-unclustered",
			ClusterLayer:      "events-clusters",
			ClusterCountLayer: "events-cluster-count",
			IconID:            "event-marker-icon",
			IconSize:          1.0,

			FriendSourceID:          "friends-source",
			FriendUnclusteredLayer:  "friends-unclustered",
			FriendClusterLayer:      "friends-clusters",
			FriendClusterCountLayer: "friends-cluster-count",
			FriendIconID:            "friend-marker-icon",

			RadiusPx: 50,
			MaxZoom:  14,

			ClusterColor:       "#E53935",
			FriendClusterColor: "#1E88E5",
			CircleRadius:       20,
			StrokeWidth:        2,
			StrokeColor:        "#FFFFFF",
			TextColor:          "#FFFFFF",
			TextSize:           12,
			Fonts:              []string{"Open Sans Bold", "Arial Unicode MS Bold"},
		},
		Messages: Messages{
			PermissionRequired:           "location permission required",
			PermissionRequiredForFeature: "permission required for feature",
			PermissionDenied:             "location permission denied",
			LocationDisabled:             "location services are disabled",
			Timeout:                      "location request timed out",
			LocationErrorPrefix:          "failed to get location: ",
			EventsUnavailable:            "could not load events",
		},
		LocationTimeout:        10 * time.Second,
		LocationUpdateInterval: 5 * time.Second,
	}
}
