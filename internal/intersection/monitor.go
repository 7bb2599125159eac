// Package intersection owns the live state of a monitored intersection: the
// vehicle tracker, the signal controller and the network simulator. All
// three share one lock and one clock, and no I/O happens while the lock is
// held.
package intersection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/detect"
	"github.com/banshee-data/laneflow/internal/lanes"
	"github.com/banshee-data/laneflow/internal/monitoring"
	"github.com/banshee-data/laneflow/internal/network"
	"github.com/banshee-data/laneflow/internal/signal"
	"github.com/banshee-data/laneflow/internal/timeutil"
	"github.com/banshee-data/laneflow/internal/tracking"
)

var logf = monitoring.Component("intersection")

// sourceErrorBackoff paces Consume when the source keeps failing.
const sourceErrorBackoff = 100 * time.Millisecond

// LaneStatus is the per-lane view served to clients.
type LaneStatus struct {
	Lane      string       `json:"lane"`
	Direction string       `json:"direction"`
	Signal    signal.Color `json:"signal"`
	Count     int          `json:"count"`
	Occupied  bool         `json:"occupied"`
	NextLane  string       `json:"next_lane,omitempty"`
}

// Snapshot is the state handed to a Sink.
type Snapshot struct {
	RunID   string                       `json:"run_id"`
	At      time.Time                    `json:"at"`
	Lanes   []LaneStatus                 `json:"lanes"`
	Signal  signal.State                 `json:"signal"`
	Network []network.IntersectionStatus `json:"network"`
}

// Sink persists snapshots.
type Sink interface {
	RecordSnapshot(ctx context.Context, s Snapshot) error
}

// Options configures a Monitor. Zero values are replaced with defaults:
// empty site config, no lanes, empty network, real clock, no-op emitter,
// no sink.
type Options struct {
	Site    *config.SiteConfig
	Lanes   *lanes.Map
	Network []network.Intersection
	Clock   timeutil.Clock
	Emitter signal.Emitter
	Sink    Sink
}

// Monitor serialises detection processing, status queries, ticks and
// overrides. It is safe for concurrent use.
type Monitor struct {
	mu sync.Mutex
	// emitMu is taken before mu is released so batches reach the emitter
	// in the order the controller produced them.
	emitMu sync.Mutex
	// resync makes the next step resend every lane color.
	resync atomic.Bool

	clock   timeutil.Clock
	emitter signal.Emitter
	sink    Sink
	runID   string

	lanes      *lanes.Map
	filter     *detect.ClassFilter
	directions map[string]string
	routes     map[string]string

	tracker *tracking.Tracker
	ctrl    *signal.Controller
	sim     *network.Simulator

	recordInterval time.Duration
	lastRecord     time.Time
	processed      int64
}

// New builds a Monitor. An invalid network is logged and replaced by an
// empty one so that lane monitoring still runs.
func New(opts Options) *Monitor {
	site := opts.Site
	if site == nil {
		site = config.EmptySiteConfig()
	}
	lm := opts.Lanes
	if lm == nil {
		lm = lanes.Empty()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = signal.NopEmitter{}
	}

	sim, err := network.New(opts.Network, network.ConfigFromSite(site))
	if err != nil {
		logf("invalid network, simulating no intersections: %v", err)
		sim, _ = network.New(nil, network.ConfigFromSite(site))
	}

	routes := site.GetLaneRoutes()
	return &Monitor{
		clock:          clock,
		emitter:        emitter,
		sink:           opts.Sink,
		runID:          uuid.NewString(),
		lanes:          lm,
		filter:         detect.NewClassFilter(site.GetVehicleClasses()),
		directions:     site.GetLaneDirections(),
		routes:         routes,
		tracker:        tracking.NewTracker(tracking.ConfigFromSite(site), lm, routes),
		ctrl:           signal.NewController(signal.ConfigFromSite(site), lm.IDs(), clock.Now()),
		sim:            sim,
		recordInterval: site.GetRecordInterval(),
	}
}

// RunID identifies this process in persisted snapshots.
func (m *Monitor) RunID() string { return m.runID }

// Lanes returns the configured lane map.
func (m *Monitor) Lanes() *lanes.Map { return m.lanes }

// ProcessDetections runs one frame through the tracker and the controller
// and returns the resulting lane counts. Detections of other classes are
// ignored. Color changes are pushed to the emitter after the lock is
// released.
func (m *Monitor) ProcessDetections(ctx context.Context, dets []detect.Detection) map[string]int {
	m.mu.Lock()
	now := m.clock.Now()
	counts := m.tracker.Observe(m.filter.Apply(dets), now)
	m.ctrl.Step(counts, now)
	if m.resync.Swap(false) {
		m.ctrl.Invalidate()
	}
	cmds := m.ctrl.Diff()
	m.processed++
	m.emitMu.Lock()
	m.mu.Unlock()

	m.emitLocked(ctx, cmds)
	m.emitMu.Unlock()
	return counts
}

// emitLocked sends cmds; the caller holds emitMu. A failed batch schedules
// a full resend on the next step.
func (m *Monitor) emitLocked(ctx context.Context, cmds []signal.Command) {
	if len(cmds) == 0 {
		return
	}
	if err := m.emitter.Emit(ctx, cmds); err != nil {
		logf("emit %d commands: %v", len(cmds), err)
		m.resync.Store(true)
	}
}

// ResyncSignals makes the next processed frame resend every lane color. It
// is the hook for emitters that fail after Emit has returned.
func (m *Monitor) ResyncSignals() { m.resync.Store(true) }

// SyncSignals sends the full current signal state, ordered with the
// batches from ProcessDetections.
func (m *Monitor) SyncSignals(ctx context.Context) {
	m.mu.Lock()
	cmds := m.ctrl.Full()
	m.resync.Store(false)
	m.emitMu.Lock()
	m.mu.Unlock()

	m.emitLocked(ctx, cmds)
	m.emitMu.Unlock()
}

// LaneStatus returns one entry per configured lane in lane order.
func (m *Monitor) LaneStatus() []LaneStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.laneStatusLocked(m.clock.Now())
}

func (m *Monitor) laneStatusLocked(now time.Time) []LaneStatus {
	counts := m.tracker.Counts(now)
	return lo.Map(m.tracker.Lanes(), func(ls tracking.LaneState, _ int) LaneStatus {
		return LaneStatus{
			Lane:      ls.ID,
			Direction: m.directions[ls.ID],
			Signal:    m.ctrl.Color(ls.ID),
			Count:     counts[ls.ID],
			Occupied:  ls.Occupied,
			NextLane:  m.routes[ls.ID],
		}
	})
}

// SignalState returns the controller state.
func (m *Monitor) SignalState() signal.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.State()
}

// Vehicles returns the tracked vehicles ordered by id.
func (m *Monitor) Vehicles() []tracking.Vehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Snapshot()
}

// Tick advances the simulation if its interval has elapsed, feeding the
// mirror intersection from the current lane counts.
func (m *Monitor) Tick() (network.Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickLocked()
}

func (m *Monitor) tickLocked() (network.Report, bool) {
	now := m.clock.Now()
	return m.sim.Tick(now, m.tracker.Counts(now))
}

// SimulationStatus ticks, then returns every simulated intersection.
func (m *Monitor) SimulationStatus() []network.IntersectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickLocked()
	return m.sim.Status()
}

// SimulationInfo describes the simulated network without ticking it.
type SimulationInfo struct {
	Mirror        string    `json:"mirror"`
	Intersections []string  `json:"intersections"`
	Cyclic        bool      `json:"cyclic"`
	Ticks         int64     `json:"ticks"`
	LastTick      time.Time `json:"last_tick"`
}

func (m *Monitor) SimulationInfo() SimulationInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SimulationInfo{
		Mirror:        m.sim.Mirror(),
		Intersections: m.sim.IDs(),
		Cyclic:        m.sim.Cyclic(),
		Ticks:         m.sim.Ticks(),
		LastTick:      m.sim.LastTick(),
	}
}

// ApplyOverride ticks, then writes the requested simulated counts. It
// returns the number of lanes set.
func (m *Monitor) ApplyOverride(o network.Override) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickLocked()
	return m.sim.ApplyOverride(o)
}

// RunSimulation ticks on every interval until ctx is done. It is optional;
// without it the simulation advances whenever its status is read.
func (m *Monitor) RunSimulation(ctx context.Context, interval time.Duration) {
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.Tick()
		}
	}
}

// Snapshot captures the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clock.Now())
}

func (m *Monitor) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		RunID:   m.runID,
		At:      now,
		Lanes:   m.laneStatusLocked(now),
		Signal:  m.ctrl.State(),
		Network: m.sim.Status(),
	}
}

// MaybeRecord writes a snapshot to the sink if the record interval has
// elapsed since the last attempt. It reports whether a write was attempted.
// A failed write is logged and returned; it is not retried before the next
// interval.
func (m *Monitor) MaybeRecord(ctx context.Context) (bool, error) {
	if m.sink == nil {
		return false, nil
	}
	m.mu.Lock()
	now := m.clock.Now()
	if !m.lastRecord.IsZero() && now.Sub(m.lastRecord) < m.recordInterval {
		m.mu.Unlock()
		return false, nil
	}
	m.lastRecord = now
	snap := m.snapshotLocked(now)
	m.mu.Unlock()

	if err := m.sink.RecordSnapshot(ctx, snap); err != nil {
		logf("record snapshot: %v", err)
		return true, err
	}
	return true, nil
}

// RunRecorder calls MaybeRecord on every record interval until ctx is done.
func (m *Monitor) RunRecorder(ctx context.Context) {
	if m.sink == nil {
		return
	}
	t := m.clock.NewTicker(m.recordInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.MaybeRecord(ctx)
		}
	}
}

// Consume feeds frames from src into ProcessDetections until the source is
// exhausted or ctx is done. A failing read is logged and processed as an
// empty frame so that occupancy still expires.
func (m *Monitor) Consume(ctx context.Context, src detect.Source) error {
	for {
		frame, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			logf("detection source exhausted after %d frames", m.Processed())
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logf("detection source: %v", err)
			frame = detect.Frame{}
			m.clock.Sleep(sourceErrorBackoff)
		}
		m.ProcessDetections(ctx, frame.Detections)
	}
}

// Processed returns how many frames have been processed.
func (m *Monitor) Processed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}
