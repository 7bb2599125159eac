// Package tracking keeps vehicle identities across frames and turns them into
// per-lane occupancy and counts.
//
// Tracker is not safe for concurrent use. The intersection Monitor owns one
// and serialises every call under its own lock.
package tracking

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/detect"
	"github.com/banshee-data/laneflow/internal/lanes"
)

// Direction is the coarse heading of a vehicle in frame coordinates.
type Direction string

const (
	DirectionUnknown    Direction = "UNKNOWN"
	DirectionStationary Direction = "STATIONARY"
	DirectionUp         Direction = "UP"
	DirectionDown       Direction = "DOWN"
	DirectionLeft       Direction = "LEFT"
	DirectionRight      Direction = "RIGHT"
)

// Config holds the tracker parameters.
type Config struct {
	MatchDistance    float64       // Gate for nearest-centroid matching (pixels, exclusive)
	DirectionNoise   int           // Displacement below this on both axes is STATIONARY
	AntiBounceWindow int           // Recently committed lanes a vehicle may not flick back into
	StaleTimeout     time.Duration // Vehicles untouched for longer are dropped
	EmptyTimeout     time.Duration // Vehicles older than this no longer count toward their lane
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return ConfigFromSite(config.EmptySiteConfig())
}

// ConfigFromSite builds a Config from loaded site settings.
func ConfigFromSite(cfg *config.SiteConfig) Config {
	return Config{
		MatchDistance:    cfg.GetMatchDistance(),
		DirectionNoise:   cfg.GetDirectionNoise(),
		AntiBounceWindow: cfg.GetAntiBounceWindow(),
		StaleTimeout:     cfg.GetStaleTimeout(),
		EmptyTimeout:     cfg.GetEmptyTimeout(),
	}
}

// Vehicle is one tracked identity.
type Vehicle struct {
	ID         int64
	X, Y       int
	LastUpdate time.Time
	Lane       string
	Direction  Direction
	NextLane   string // predicted from the static route table, empty if unknown

	recentLanes []string // previously committed lanes, oldest first
}

// LaneState is the occupancy view of one lane.
type LaneState struct {
	ID       string
	Occupied bool
	LastSeen time.Time
	Count    int
}

// Tracker matches detections to vehicles and accounts lane occupancy.
type Tracker struct {
	Config Config

	lanes  *lanes.Map
	routes map[string]string

	Vehicles      map[int64]*Vehicle
	NextVehicleID int64

	laneState map[string]*LaneState
}

// NewTracker creates a tracker over the given lanes. routes maps a lane to
// the lane vehicles usually continue into; it may be nil.
func NewTracker(cfg Config, lm *lanes.Map, routes map[string]string) *Tracker {
	if lm == nil {
		lm = lanes.Empty()
	}
	t := &Tracker{
		Config:        cfg,
		lanes:         lm,
		routes:        routes,
		Vehicles:      make(map[int64]*Vehicle),
		NextVehicleID: 1,
		laneState:     make(map[string]*LaneState, lm.Len()),
	}
	for _, id := range lm.IDs() {
		t.laneState[id] = &LaneState{ID: id}
	}
	return t
}

// Observe runs one processing step: stale vehicles are purged, detections
// are matched or spawned, occupancy is refreshed and per-lane counts are
// returned. Every configured lane appears in the result.
func (t *Tracker) Observe(dets []detect.Detection, now time.Time) map[string]int {
	t.PurgeStale(now, t.Config.StaleTimeout)
	t.expireOccupancy(now)

	for _, d := range dets {
		cx, cy := d.Box.Centroid()
		lane, ok := t.lanes.Locate(cx, cy)
		if !ok {
			continue
		}
		v := t.nearest(cx, cy)
		if v == nil {
			v = t.spawn(cx, cy, lane, now)
		} else {
			t.update(v, cx, cy, lane, now)
		}
		// Occupancy follows where the detection is, even when anti-bounce
		// keeps the vehicle counted in its earlier lane.
		ls := t.laneState[lane]
		ls.Occupied = true
		ls.LastSeen = now
	}

	return t.Counts(now)
}

// nearest returns the closest tracked vehicle strictly inside the match
// gate, or nil. Matching is greedy per detection and a vehicle may be
// claimed by more than one detection in the same frame.
func (t *Tracker) nearest(x, y int) *Vehicle {
	var best *Vehicle
	var bestDist float64
	for _, v := range t.Vehicles {
		d := math.Hypot(float64(x-v.X), float64(y-v.Y))
		if d >= t.Config.MatchDistance {
			continue
		}
		if best == nil || d < bestDist || (d == bestDist && v.ID < best.ID) {
			best, bestDist = v, d
		}
	}
	return best
}

func (t *Tracker) spawn(x, y int, lane string, now time.Time) *Vehicle {
	v := &Vehicle{
		ID:         t.NextVehicleID,
		X:          x,
		Y:          y,
		LastUpdate: now,
		Lane:       lane,
		Direction:  DirectionUnknown,
		NextLane:   t.routes[lane],
	}
	t.NextVehicleID++
	t.Vehicles[v.ID] = v
	return v
}

func (t *Tracker) update(v *Vehicle, x, y int, lane string, now time.Time) {
	v.Direction = Classify(x-v.X, y-v.Y, t.Config.DirectionNoise)
	v.X, v.Y = x, y
	v.LastUpdate = now

	if lane != v.Lane && !lo.Contains(v.recentLanes, lane) {
		if t.Config.AntiBounceWindow > 0 {
			v.recentLanes = append(v.recentLanes, v.Lane)
			if n := len(v.recentLanes); n > t.Config.AntiBounceWindow {
				v.recentLanes = v.recentLanes[n-t.Config.AntiBounceWindow:]
			}
		}
		v.Lane = lane
		v.NextLane = t.routes[lane]
	}
}

// Classify maps a displacement to a direction. Both axes under noise is
// STATIONARY; otherwise the larger axis wins, ties going vertical. Image y
// grows downward.
func Classify(dx, dy, noise int) Direction {
	ax, ay := abs(dx), abs(dy)
	if ax < noise && ay < noise {
		return DirectionStationary
	}
	if ax > ay {
		if dx > 0 {
			return DirectionRight
		}
		return DirectionLeft
	}
	if dy > 0 {
		return DirectionDown
	}
	return DirectionUp
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// PurgeStale removes vehicles whose last update is older than timeout.
func (t *Tracker) PurgeStale(now time.Time, timeout time.Duration) int {
	removed := 0
	for id, v := range t.Vehicles {
		if now.Sub(v.LastUpdate) > timeout {
			delete(t.Vehicles, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) expireOccupancy(now time.Time) {
	for _, ls := range t.laneState {
		if ls.Occupied && now.Sub(ls.LastSeen) > t.Config.EmptyTimeout {
			ls.Occupied = false
		}
	}
}

// Counts returns, for every configured lane, the number of vehicles
// assigned to it that were updated within the empty timeout. Lanes unseen
// for longer than the empty timeout are marked unoccupied.
func (t *Tracker) Counts(now time.Time) map[string]int {
	t.expireOccupancy(now)
	counts := make(map[string]int, len(t.laneState))
	for id := range t.laneState {
		counts[id] = 0
	}
	for _, v := range t.Vehicles {
		if v.Lane == "" || now.Sub(v.LastUpdate) > t.Config.EmptyTimeout {
			continue
		}
		counts[v.Lane]++
	}
	for id, ls := range t.laneState {
		ls.Count = counts[id]
	}
	return counts
}

// Lanes returns lane occupancy in configured order.
func (t *Tracker) Lanes() []LaneState {
	return lo.Map(t.lanes.IDs(), func(id string, _ int) LaneState {
		return *t.laneState[id]
	})
}

// Snapshot returns copies of all tracked vehicles ordered by id.
func (t *Tracker) Snapshot() []Vehicle {
	out := make([]Vehicle, 0, len(t.Vehicles))
	for _, v := range t.Vehicles {
		c := *v
		c.recentLanes = append([]string(nil), v.recentLanes...)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Vehicle) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// RecentLanes returns the lanes a vehicle committed to before its current one.
func (v Vehicle) RecentLanes() []string {
	return append([]string(nil), v.recentLanes...)
}
