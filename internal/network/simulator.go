// Package network simulates how vehicle counts propagate through a small
// graph of intersections. One intersection mirrors the live camera counts;
// every other intersection only holds what was handed to it on the last
// tick.
package network

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/monitoring"
)

var logf = monitoring.Component("network")

// Target is a lane on a (possibly remote) intersection.
type Target struct {
	Intersection string `json:"intersection"`
	Lane         string `json:"lane"`
}

func (t Target) String() string { return t.Intersection + "." + t.Lane }

// Intersection is the static description of one simulated intersection.
type Intersection struct {
	ID       string
	Lanes    []string
	Outgoing map[string]Target
}

// Config holds the simulator parameters.
type Config struct {
	TickInterval time.Duration // Minimum time between firing ticks
	HandoffRatio float64       // Fraction of a source lane moved per tick
	MinHandoff   int           // Floor on a non-zero transfer
	Mirror       string        // Intersection fed from live counts; empty picks the first
}

// DefaultConfig returns the simulator defaults.
func DefaultConfig() Config {
	return ConfigFromSite(config.EmptySiteConfig())
}

// ConfigFromSite builds a Config from loaded site settings.
func ConfigFromSite(cfg *config.SiteConfig) Config {
	return Config{
		TickInterval: cfg.GetTickInterval(),
		HandoffRatio: cfg.GetHandoffRatio(),
		MinHandoff:   cfg.GetMinHandoff(),
		Mirror:       cfg.GetMirrorIntersection(),
	}
}

// FromSpecs converts parsed network file entries.
func FromSpecs(specs []config.IntersectionSpec) []Intersection {
	return lo.Map(specs, func(s config.IntersectionSpec, _ int) Intersection {
		out := make(map[string]Target, len(s.Outgoing))
		for lane, t := range s.Outgoing {
			out[lane] = Target{Intersection: t.Intersection, Lane: t.Lane}
		}
		return Intersection{ID: s.ID, Lanes: s.Lanes, Outgoing: out}
	})
}

// Transfer is one handoff computed on a tick.
type Transfer struct {
	From   Target `json:"from"`
	To     Target `json:"to"`
	Amount int    `json:"amount"`
}

// Report describes a firing tick.
type Report struct {
	At        time.Time  `json:"at"`
	Transfers []Transfer `json:"transfers"`
	Moved     int        `json:"moved"`    // total added to non-mirror destinations
	Absorbed  int        `json:"absorbed"` // total routed into the mirror and discarded
}

// Simulator holds simulated counts. It is not safe for concurrent use; the
// intersection Monitor serialises access.
type Simulator struct {
	cfg    Config
	order  []string
	inters map[string]*Intersection
	counts map[string]map[string]int
	mirror string

	graph   *simple.DirectedGraph
	nodeIDs map[string]int64
	cyclic  bool

	lastTick time.Time
	ticked   bool
	ticks    int64
}

// New validates the network and builds a simulator. Duplicate intersection
// ids or duplicate lanes are errors. Routes from unknown lanes or to unknown
// targets are dropped with a log line. An empty network is valid and every
// operation on it is a no-op.
func New(inters []Intersection, cfg Config) (*Simulator, error) {
	s := &Simulator{
		cfg:     cfg,
		inters:  make(map[string]*Intersection, len(inters)),
		counts:  make(map[string]map[string]int, len(inters)),
		graph:   simple.NewDirectedGraph(),
		nodeIDs: make(map[string]int64, len(inters)),
	}

	for i, in := range inters {
		if in.ID == "" {
			return nil, fmt.Errorf("intersection %d has an empty id", i)
		}
		if _, dup := s.inters[in.ID]; dup {
			return nil, fmt.Errorf("duplicate intersection id %q", in.ID)
		}
		if dupes := lo.FindDuplicates(in.Lanes); len(dupes) > 0 {
			return nil, fmt.Errorf("intersection %q: duplicate lanes %v", in.ID, dupes)
		}
		c := Intersection{ID: in.ID, Lanes: slices.Clone(in.Lanes), Outgoing: make(map[string]Target, len(in.Outgoing))}
		s.inters[in.ID] = &c
		s.order = append(s.order, in.ID)
		s.counts[in.ID] = make(map[string]int, len(in.Lanes))
		for _, lane := range in.Lanes {
			s.counts[in.ID][lane] = 0
		}
		s.nodeIDs[in.ID] = int64(i)
		s.graph.AddNode(simple.Node(i))
	}

	for _, in := range inters {
		c := s.inters[in.ID]
		for lane, t := range in.Outgoing {
			if !lo.Contains(c.Lanes, lane) {
				logf("dropping route %s.%s -> %s: lane not on intersection", in.ID, lane, t)
				continue
			}
			if !s.hasLane(t.Intersection, t.Lane) {
				logf("dropping route %s.%s -> %s: unknown target", in.ID, lane, t)
				continue
			}
			c.Outgoing[lane] = t
			if t.Intersection == in.ID {
				s.cyclic = true
				continue
			}
			from, to := simple.Node(s.nodeIDs[in.ID]), simple.Node(s.nodeIDs[t.Intersection])
			s.graph.SetEdge(s.graph.NewEdge(from, to))
		}
	}

	if len(s.order) > 0 {
		s.mirror = s.order[0]
		if cfg.Mirror != "" {
			if _, ok := s.inters[cfg.Mirror]; ok {
				s.mirror = cfg.Mirror
			} else {
				logf("mirror intersection %q not configured, using %q", cfg.Mirror, s.mirror)
			}
		}
	}

	if _, err := topo.Sort(s.graph); err != nil {
		s.cyclic = true
	}
	if s.cyclic {
		logf("routing graph contains cycles; counts will recirculate")
	}
	return s, nil
}

func (s *Simulator) hasLane(inter, lane string) bool {
	c, ok := s.counts[inter]
	if !ok {
		return false
	}
	_, ok = c[lane]
	return ok
}

// Handoff is the amount moved from a lane holding count vehicles:
// max(min, floor(count*ratio)) capped at count, and zero for an empty lane.
func Handoff(count int, ratio float64, min int) int {
	if count <= 0 {
		return 0
	}
	n := int(math.Floor(float64(count) * ratio))
	if n < min {
		n = min
	}
	if n > count {
		n = count
	}
	return n
}

// Tick advances the simulation if at least TickInterval has passed since the
// last firing tick; the first call always fires. live supplies the mirror's
// lane counts, keyed by lane id; missing lanes read as zero.
func (s *Simulator) Tick(now time.Time, live map[string]int) (Report, bool) {
	if len(s.order) == 0 {
		return Report{}, false
	}
	if s.ticked && now.Sub(s.lastTick) < s.cfg.TickInterval {
		return Report{}, false
	}
	s.ticked = true
	s.lastTick = now
	s.ticks++

	prev := s.Counts()

	for _, lane := range s.inters[s.mirror].Lanes {
		s.counts[s.mirror][lane] = max(0, live[lane])
	}
	for _, id := range s.order {
		if id == s.mirror {
			continue
		}
		for lane := range s.counts[id] {
			s.counts[id][lane] = 0
		}
	}

	// Every transfer reads the snapshot taken above; none are applied until
	// all have been computed.
	rep := Report{At: now}
	for _, id := range s.order {
		in := s.inters[id]
		for _, lane := range in.Lanes {
			t, ok := in.Outgoing[lane]
			if !ok {
				continue
			}
			src := prev[id][lane]
			if id == s.mirror {
				src = s.counts[id][lane]
			}
			amt := Handoff(src, s.cfg.HandoffRatio, s.cfg.MinHandoff)
			if amt == 0 {
				continue
			}
			rep.Transfers = append(rep.Transfers, Transfer{From: Target{id, lane}, To: t, Amount: amt})
		}
	}

	for _, tr := range rep.Transfers {
		if tr.To.Intersection == s.mirror {
			rep.Absorbed += tr.Amount
			continue
		}
		s.counts[tr.To.Intersection][tr.To.Lane] += tr.Amount
	}
	rep.Moved = lo.SumBy(rep.Transfers, func(tr Transfer) int { return tr.Amount }) - rep.Absorbed
	return rep, true
}

// LaneStatus is the simulated view of one lane.
type LaneStatus struct {
	Lane            string  `json:"lane"`
	Count           int     `json:"count"`
	OutgoingTo      *string `json:"outgoingTo"`
	DownstreamCount *int    `json:"downstreamCount"`
}

// IntersectionStatus is the simulated view of one intersection.
type IntersectionStatus struct {
	ID         string       `json:"id"`
	Mirror     bool         `json:"mirror"`
	Lanes      []LaneStatus `json:"lanes"`
	Downstream []string     `json:"downstream,omitempty"`
}

// Status returns every intersection and lane in configured order.
func (s *Simulator) Status() []IntersectionStatus {
	out := make([]IntersectionStatus, 0, len(s.order))
	for _, id := range s.order {
		in := s.inters[id]
		st := IntersectionStatus{ID: id, Mirror: id == s.mirror, Downstream: s.Downstream(id)}
		for _, lane := range in.Lanes {
			ls := LaneStatus{Lane: lane, Count: s.counts[id][lane]}
			if t, ok := in.Outgoing[lane]; ok {
				to := t.String()
				n := s.counts[t.Intersection][t.Lane]
				ls.OutgoingTo, ls.DownstreamCount = &to, &n
			}
			st.Lanes = append(st.Lanes, ls)
		}
		out = append(out, st)
	}
	return out
}

// Counts returns a deep copy of the simulated counts.
func (s *Simulator) Counts() map[string]map[string]int {
	out := make(map[string]map[string]int, len(s.counts))
	for id, lanes := range s.counts {
		c := make(map[string]int, len(lanes))
		for lane, n := range lanes {
			c[lane] = n
		}
		out[id] = c
	}
	return out
}

// Downstream lists the intersections id routes into, in configured order.
func (s *Simulator) Downstream(id string) []string {
	nid, ok := s.nodeIDs[id]
	if !ok {
		return nil
	}
	var out []string
	nodes := s.graph.From(nid)
	for nodes.Next() {
		out = append(out, s.order[nodes.Node().ID()])
	}
	slices.SortFunc(out, func(a, b string) int { return int(s.nodeIDs[a] - s.nodeIDs[b]) })
	return out
}

// Mirror returns the id of the live-fed intersection, empty for an empty
// network.
func (s *Simulator) Mirror() string { return s.mirror }

// IDs returns intersection ids in configured order.
func (s *Simulator) IDs() []string { return slices.Clone(s.order) }

// Cyclic reports whether any route chain leads back to its origin.
func (s *Simulator) Cyclic() bool { return s.cyclic }

// Ticks returns how many ticks have fired.
func (s *Simulator) Ticks() int64 { return s.ticks }

// LastTick returns when the last tick fired; zero before the first.
func (s *Simulator) LastTick() time.Time { return s.lastTick }
