package markers

import (
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/example/livemap/internal/config"
	"github.com/example/livemap/internal/livemap/domain"
)

// layerSet names the style objects of one marker family.
type layerSet struct {
	source      string
	unclustered string
	cluster     string
	count       string
	icon        string
	color       string
}

// Engine renders events and friends onto a Style following the cluster policy.
type Engine struct {
	cfg     config.Cluster
	icons   IconLoader
	logger  *zap.Logger
	events  layerSet
	friends layerSet
}

// NewEngine constructs an engine. icons may be nil, in which case markers are
// rendered without a custom icon.
func NewEngine(cfg config.Cluster, icons IconLoader, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		icons:  icons,
		logger: logger,
		events: layerSet{
			source:      cfg.SourceID,
			unclustered: cfg.UnclusteredLayer,
			cluster:     cfg.ClusterLayer,
			count:       cfg.ClusterCountLayer,
			icon:        cfg.IconID,
			color:       cfg.ClusterColor,
		},
		friends: layerSet{
			source:      cfg.FriendSourceID,
			unclustered: cfg.FriendUnclusteredLayer,
			cluster:     cfg.FriendClusterLayer,
			count:       cfg.FriendClusterCountLayer,
			icon:        cfg.FriendIconID,
			color:       cfg.FriendClusterColor,
		},
	}
}

// RemoveExistingLayers removes the event layers and source that exist.
func (e *Engine) RemoveExistingLayers(style Style) {
	removeSet(style, e.events)
}

// RemoveExistingFriendLayers removes the friend layers and source that exist.
func (e *Engine) RemoveExistingFriendLayers(style Style) {
	removeSet(style, e.friends)
}

// Layers must go before the source they read from.
func removeSet(style Style, set layerSet) {
	for _, id := range []string{set.count, set.cluster, set.unclustered} {
		if style.StyleLayerExists(id) {
			style.RemoveStyleLayer(id)
		}
	}
	if style.StyleSourceExists(set.source) {
		style.RemoveStyleSource(set.source)
	}
}

// AddMarkerIcon adds the event marker icon unless the style already has it.
func (e *Engine) AddMarkerIcon(style Style) {
	e.addIcon(style, e.events.icon)
}

// AddFriendIcon adds the friend marker icon unless the style already has it.
func (e *Engine) AddFriendIcon(style Style) {
	e.addIcon(style, e.friends.icon)
}

// A missing icon resource is logged and skipped; the render pass continues.
func (e *Engine) addIcon(style Style, id string) {
	if style.HasStyleImage(id) || e.icons == nil {
		return
	}
	img, err := e.icons.LoadIcon(id)
	if err != nil {
		e.logger.Warn("marker icon unavailable", zap.String("icon", id), zap.Error(err))
		return
	}
	style.AddImage(id, img)
}

// RenderEvents rebuilds the event source and layers from events.
func (e *Engine) RenderEvents(style Style, events []domain.Event) {
	e.RemoveExistingLayers(style)
	e.AddMarkerIcon(style)
	e.install(style, e.EventSource(events), e.layers(e.events))
}

// RenderFriends rebuilds the friend source and layers from locations.
func (e *Engine) RenderFriends(style Style, locations map[string]domain.Position) {
	e.RemoveExistingFriendLayers(style)
	e.AddFriendIcon(style)
	e.install(style, e.FriendSource(locations), e.layers(e.friends))
}

func (e *Engine) install(style Style, src Source, layers []Layer) {
	style.AddSource(src)
	for _, l := range layers {
		style.AddLayer(l)
	}
}

// EventSource builds the clustered event source.
func (e *Engine) EventSource(events []domain.Event) Source {
	return e.source(e.events.source, Collection(CreateEventFeatures(events)))
}

// FriendSource builds the clustered friend source.
func (e *Engine) FriendSource(locations map[string]domain.Position) Source {
	return e.source(e.friends.source, Collection(CreateFriendFeatures(locations)))
}

func (e *Engine) source(id string, data *geojson.FeatureCollection) Source {
	return Source{
		ID:             id,
		Data:           data,
		Cluster:        true,
		ClusterRadius:  e.cfg.RadiusPx,
		ClusterMaxZoom: e.cfg.MaxZoom,
	}
}

// EventLayers returns the event layer specs in insertion order.
func (e *Engine) EventLayers() []Layer { return e.layers(e.events) }

// FriendLayers returns the friend layer specs in insertion order.
func (e *Engine) FriendLayers() []Layer { return e.layers(e.friends) }

// Clusters use a fixed size whatever the point count; the count is a label.
func (e *Engine) layers(set layerSet) []Layer {
	hasCount := []any{"has", "point_count"}
	return []Layer{
		{
			ID:     set.cluster,
			Type:   LayerCircle,
			Source: set.source,
			Filter: hasCount,
			Paint: map[string]any{
				"circle-color":        set.color,
				"circle-radius":       e.cfg.CircleRadius,
				"circle-stroke-width": e.cfg.StrokeWidth,
				"circle-stroke-color": e.cfg.StrokeColor,
			},
		},
		{
			ID:     set.count,
			Type:   LayerSymbol,
			Source: set.source,
			Filter: hasCount,
			Layout: map[string]any{
				"text-field": "{point_count_abbreviated}",
				"text-font":  append([]string(nil), e.cfg.Fonts...),
				"text-size":  e.cfg.TextSize,
			},
			Paint: map[string]any{"text-color": e.cfg.TextColor},
		},
		{
			ID:     set.unclustered,
			Type:   LayerSymbol,
			Source: set.source,
			Filter: []any{"!", hasCount},
			Layout: map[string]any{
				"icon-image":         set.icon,
				"icon-size":          e.cfg.IconSize,
				"icon-allow-overlap": true,
			},
		},
	}
}
