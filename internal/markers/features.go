// Package markers turns map state into GeoJSON features and manages the style
// layers that render them.
package markers

import (
	"sort"

	"github.com/paulmach/orb/geojson"

	"github.com/example/livemap/internal/livemap/domain"
)

// Feature property keys.
const (
	PropUID       = "uid"
	PropTitle     = "title"
	PropUserID    = "userId"
	PropTimestamp = "timestamp"
)

// CreateEventFeatures returns one point feature per event that has a location.
// Events without coordinates are skipped.
func CreateEventFeatures(events []domain.Event) []*geojson.Feature {
	features := make([]*geojson.Feature, 0, len(events))
	for _, ev := range events {
		if ev.Location == nil {
			continue
		}
		f := geojson.NewFeature(domain.NewPoint(ev.Location.Latitude, ev.Location.Longitude))
		f.Properties[PropUID] = ev.UID
		f.Properties[PropTitle] = ev.Title
		features = append(features, f)
	}
	return features
}

// CreateFriendFeatures returns one point feature per friend, ordered by user id.
func CreateFriendFeatures(locations map[string]domain.Position) []*geojson.Feature {
	ids := make([]string, 0, len(locations))
	for id := range locations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	features := make([]*geojson.Feature, 0, len(ids))
	for _, id := range ids {
		pos := locations[id]
		f := geojson.NewFeature(pos.Point())
		f.Properties[PropUserID] = id
		f.Properties[PropTimestamp] = pos.CapturedAtMillis
		features = append(features, f)
	}
	return features
}

// Collection wraps features in a FeatureCollection.
func Collection(features []*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, features...)
	return fc
}
