package markers

import (
	"image"

	"github.com/paulmach/orb/geojson"
)

// Style is the mutable style object of the rendering surface. Only the
// existence predicates are ever read back.
type Style interface {
	AddImage(id string, img image.Image)
	AddSource(src Source)
	AddLayer(layer Layer)
	RemoveStyleLayer(id string)
	RemoveStyleSource(id string)
	StyleLayerExists(id string) bool
	StyleSourceExists(id string) bool
	HasStyleImage(id string) bool
}

// Source is a GeoJSON source, optionally clustered by the renderer.
type Source struct {
	ID             string                     `json:"id"`
	Data           *geojson.FeatureCollection `json:"data"`
	Cluster        bool                       `json:"cluster"`
	ClusterRadius  int                        `json:"clusterRadius,omitempty"`
	ClusterMaxZoom float64                    `json:"clusterMaxZoom,omitempty"`
}

// LayerType is the renderer layer kind.
type LayerType string

const (
	LayerCircle LayerType = "circle"
	LayerSymbol LayerType = "symbol"
)

// Layer is a declarative style layer.
type Layer struct {
	ID     string         `json:"id"`
	Type   LayerType      `json:"type"`
	Source string         `json:"source"`
	Filter []any          `json:"filter,omitempty"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
}
