package markers

import (
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

const (
	tileSize     = 512.0
	maxLatitude  = 85.05112878
	earthExtentM = 20037508.342789244
)

// Cluster feature property keys, matching what renderers emit for clustered
// GeoJSON sources.
const (
	PropCluster               = "cluster"
	PropClusterID             = "cluster_id"
	PropPointCount            = "point_count"
	PropPointCountAbbreviated = "point_count_abbreviated"
)

// Clusterer groups point features that fall within a pixel radius of each
// other at a zoom level. It mirrors what a clustering renderer does so the
// HTTP API can serve pre-clustered collections.
type Clusterer struct {
	RadiusPx int
	MaxZoom  float64
}

type pixelPoint struct {
	x, y    float64
	feature *geojson.Feature
	taken   bool
}

// Cluster returns the features to draw at zoom. Above MaxZoom, and for
// non-point features, the input is returned unclustered.
func (c Clusterer) Cluster(features []*geojson.Feature, zoom float64) []*geojson.Feature {
	if zoom > c.MaxZoom || c.RadiusPx <= 0 || len(features) < 2 {
		return append([]*geojson.Feature(nil), features...)
	}

	radius := float64(c.RadiusPx)
	scale := tileSize * math.Pow(2, zoom)
	points := make([]*pixelPoint, 0, len(features))
	grid := map[[2]int][]*pixelPoint{}
	var out []*geojson.Feature
	for _, f := range features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			out = append(out, f)
			continue
		}
		x, y := toPixel(pt, scale)
		p := &pixelPoint{x: x, y: y, feature: f}
		points = append(points, p)
		cell := [2]int{int(math.Floor(x / radius)), int(math.Floor(y / radius))}
		grid[cell] = append(grid[cell], p)
	}

	nextID := 0
	for _, p := range points {
		if p.taken {
			continue
		}
		p.taken = true
		members := []*pixelPoint{p}
		cx, cy := int(math.Floor(p.x/radius)), int(math.Floor(p.y/radius))
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, q := range grid[[2]int{cx + dx, cy + dy}] {
					if q.taken {
						continue
					}
					if math.Hypot(q.x-p.x, q.y-p.y) <= radius {
						q.taken = true
						members = append(members, q)
					}
				}
			}
		}
		if len(members) == 1 {
			out = append(out, p.feature)
			continue
		}
		out = append(out, clusterFeature(members, nextID, scale))
		nextID++
	}
	return out
}

func clusterFeature(members []*pixelPoint, id int, scale float64) *geojson.Feature {
	var sx, sy float64
	for _, m := range members {
		sx += m.x
		sy += m.y
	}
	n := float64(len(members))
	f := geojson.NewFeature(fromPixel(sx/n, sy/n, scale))
	f.Properties[PropCluster] = true
	f.Properties[PropClusterID] = id
	f.Properties[PropPointCount] = len(members)
	f.Properties[PropPointCountAbbreviated] = AbbreviateCount(len(members))
	return f
}

// AbbreviateCount formats a cluster size the way cluster labels show it:
// 999, 1.2k, 35k.
func AbbreviateCount(n int) string {
	switch {
	case n >= 10000:
		return strconv.Itoa(int(math.Round(float64(n)/1000))) + "k"
	case n >= 1000:
		return strconv.FormatFloat(math.Round(float64(n)/100)/10, 'f', -1, 64) + "k"
	default:
		return strconv.Itoa(n)
	}
}

func toPixel(pt orb.Point, scale float64) (float64, float64) {
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, pt.Lat()))
	m := project.WGS84.ToMercator(orb.Point{pt.Lon(), lat})
	x := (m[0] + earthExtentM) / (2 * earthExtentM) * scale
	y := (earthExtentM - m[1]) / (2 * earthExtentM) * scale
	return x, y
}

func fromPixel(x, y, scale float64) orb.Point {
	m := orb.Point{
		x/scale*2*earthExtentM - earthExtentM,
		earthExtentM - y/scale*2*earthExtentM,
	}
	return project.Mercator.ToWGS84(m)
}
