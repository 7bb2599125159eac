// Package lanes holds the static lane geometry of a monitored intersection.
//
// Each lane is a named polygon in frame coordinates. The polygon does not need
// to repeat its first point; the ring is closed when the map is built.
package lanes

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"

	"github.com/banshee-data/laneflow/internal/config"
)

// ErrDuplicateLane is returned when two lanes share an id.
var ErrDuplicateLane = errors.New("duplicate lane id")

// Point is an integer frame coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Lane is a named polygon.
type Lane struct {
	ID      string
	Polygon []Point
}

// Map is an immutable, ordered set of lanes. A nil or empty Map locates nothing.
type Map struct {
	order []string
	rings map[string]orb.Ring
	src   map[string][]Point
}

// New validates the lanes and builds a Map. Lane order is preserved and
// decides which lane wins when polygons overlap.
func New(lanes []Lane) (*Map, error) {
	m := &Map{
		order: make([]string, 0, len(lanes)),
		rings: make(map[string]orb.Ring, len(lanes)),
		src:   make(map[string][]Point, len(lanes)),
	}
	for _, l := range lanes {
		if l.ID == "" {
			return nil, errors.New("lane id must not be empty")
		}
		if _, ok := m.rings[l.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLane, l.ID)
		}
		if len(l.Polygon) < 3 {
			return nil, fmt.Errorf("lane %q: polygon needs at least 3 points, got %d", l.ID, len(l.Polygon))
		}
		m.order = append(m.order, l.ID)
		m.rings[l.ID] = toRing(l.Polygon)
		m.src[l.ID] = append([]Point(nil), l.Polygon...)
	}
	return m, nil
}

// FromSpecs builds a Map from a parsed lane file.
func FromSpecs(specs []config.LaneSpec) (*Map, error) {
	return New(lo.Map(specs, func(s config.LaneSpec, _ int) Lane {
		pts := lo.Map(s.Points, func(p [2]int, _ int) Point { return Point{X: p[0], Y: p[1]} })
		return Lane{ID: s.ID, Polygon: pts}
	}))
}

// Empty returns a Map with no lanes.
func Empty() *Map {
	m, _ := New(nil)
	return m
}

func toRing(pts []Point) orb.Ring {
	ring := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		ring = append(ring, orb.Point{float64(p.X), float64(p.Y)})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// Locate returns the first lane, in configured order, whose polygon contains
// (x, y). Points on a lane edge are inside that lane.
func (m *Map) Locate(x, y int) (string, bool) {
	if m == nil {
		return "", false
	}
	pt := orb.Point{float64(x), float64(y)}
	for _, id := range m.order {
		if planar.RingContains(m.rings[id], pt) {
			return id, true
		}
	}
	return "", false
}

// IDs returns the lane ids in configured order.
func (m *Map) IDs() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.order...)
}

// Len returns the number of lanes.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.order)
}

// Has reports whether id names a configured lane.
func (m *Map) Has(id string) bool {
	if m == nil {
		return false
	}
	_, ok := m.rings[id]
	return ok
}

// Polygon returns a copy of the configured points for a lane.
func (m *Map) Polygon(id string) []Point {
	if m == nil {
		return nil
	}
	return append([]Point(nil), m.src[id]...)
}

// FeatureCollection exports the lanes as GeoJSON polygons in frame
// coordinates, for overlay tooling.
func (m *Map) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if m == nil {
		return fc
	}
	for i, id := range m.order {
		f := geojson.NewFeature(orb.Polygon{m.rings[id]})
		f.ID = id
		f.Properties["lane"] = id
		f.Properties["order"] = i
		fc.Append(f)
	}
	return fc
}
