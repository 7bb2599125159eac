// Package signal implements the adaptive signal phase machine and the
// emitters that push its colors to signal heads.
package signal

import (
	"time"

	"github.com/banshee-data/laneflow/internal/config"
)

// Color is the light shown to a lane.
type Color string

const (
	Green  Color = "green"
	Yellow Color = "yellow"
	Red    Color = "red"
)

// Phase is the state of the active lane group. Every other lane is red.
type Phase string

const (
	PhaseGreen  Phase = "GREEN"
	PhaseYellow Phase = "YELLOW"
)

// Config holds the controller parameters.
type Config struct {
	GreenTime        time.Duration     // Minimum green before a switch is considered
	YellowTime       time.Duration     // Fixed yellow duration
	CountSwitchDelta int               // Count advantage a lane needs over the active group
	FixedCycle       bool              // Round-robin after GreenTime regardless of counts
	PairingEnabled   bool              // Partners in Pairs share the active color
	Pairs            map[string]string // Symmetric lane partner table
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return ConfigFromSite(config.EmptySiteConfig())
}

// ConfigFromSite builds a Config from loaded site settings.
func ConfigFromSite(cfg *config.SiteConfig) Config {
	return Config{
		GreenTime:        cfg.GetGreenTime(),
		YellowTime:       cfg.GetYellowTime(),
		CountSwitchDelta: cfg.GetCountSwitchDelta(),
		FixedCycle:       cfg.GetFixedCycle(),
		PairingEnabled:   cfg.GetPairingEnabled(),
		Pairs:            cfg.GetLanePairs(),
	}
}

// State is a read-only view of the controller.
type State struct {
	Phase       Phase     `json:"phase"`
	ActiveLane  string    `json:"active_lane"`
	PendingLane string    `json:"pending_lane,omitempty"`
	Since       time.Time `json:"since"`
}

// Controller decides which lane group is served. It is not safe for
// concurrent use; the intersection Monitor serialises access.
type Controller struct {
	cfg   Config
	order []string
	index map[string]int

	active     int
	pending    int
	phase      Phase
	lastSwitch time.Time

	emitted map[string]Color
}

// NewController starts GREEN on the first lane at start. An empty lane list
// yields a controller whose operations do nothing.
func NewController(cfg Config, laneOrder []string, start time.Time) *Controller {
	c := &Controller{
		cfg:        cfg,
		order:      append([]string(nil), laneOrder...),
		index:      make(map[string]int, len(laneOrder)),
		pending:    -1,
		phase:      PhaseGreen,
		lastSwitch: start,
		emitted:    make(map[string]Color, len(laneOrder)),
	}
	for i, id := range c.order {
		c.index[id] = i
	}
	return c
}

// Step evaluates one transition given the latest counts and reports whether
// the phase changed. Lanes missing from counts count as zero.
func (c *Controller) Step(counts map[string]int, now time.Time) bool {
	if len(c.order) == 0 {
		return false
	}
	elapsed := now.Sub(c.lastSwitch)

	switch c.phase {
	case PhaseGreen:
		if elapsed < c.cfg.GreenTime {
			return false
		}
		next, ok := c.candidate(counts)
		if !ok {
			return false
		}
		c.phase = PhaseYellow
		c.pending = next
		c.lastSwitch = now
		return true

	case PhaseYellow:
		if elapsed < c.cfg.YellowTime {
			return false
		}
		c.active = c.pending
		c.pending = -1
		c.phase = PhaseGreen
		c.lastSwitch = now
		return true
	}
	return false
}

// candidate picks the lane to switch to, if any.
func (c *Controller) candidate(counts map[string]int) (int, bool) {
	if c.cfg.FixedCycle {
		if len(c.order) < 2 {
			return 0, false
		}
		next := (c.active + 1) % len(c.order)
		for c.inActiveGroup(next) && next != c.active {
			next = (next + 1) % len(c.order)
		}
		return next, next != c.active
	}

	best := 0
	for i, id := range c.order {
		if counts[id] > counts[c.order[best]] {
			best = i
		}
	}
	if c.inActiveGroup(best) {
		return 0, false
	}
	if counts[c.order[best]]-c.activeCount(counts) < c.cfg.CountSwitchDelta {
		return 0, false
	}
	return best, true
}

func (c *Controller) partner(i int) (int, bool) {
	if !c.cfg.PairingEnabled {
		return 0, false
	}
	p, ok := c.cfg.Pairs[c.order[i]]
	if !ok {
		return 0, false
	}
	j, ok := c.index[p]
	return j, ok
}

func (c *Controller) inActiveGroup(i int) bool {
	if i == c.active {
		return true
	}
	p, ok := c.partner(c.active)
	return ok && p == i
}

// activeCount is the demand of the served group: the larger of the active
// lane and its partner.
func (c *Controller) activeCount(counts map[string]int) int {
	n := counts[c.order[c.active]]
	if p, ok := c.partner(c.active); ok && counts[c.order[p]] > n {
		n = counts[c.order[p]]
	}
	return n
}

// Colors returns the color of every lane.
func (c *Controller) Colors() map[string]Color {
	out := make(map[string]Color, len(c.order))
	if len(c.order) == 0 {
		return out
	}
	for _, id := range c.order {
		out[id] = Red
	}
	lit := Green
	if c.phase == PhaseYellow {
		lit = Yellow
	}
	out[c.order[c.active]] = lit
	if p, ok := c.partner(c.active); ok {
		out[c.order[p]] = lit
	}
	return out
}

// Color returns the color of one lane, red for unknown lanes.
func (c *Controller) Color(lane string) Color {
	if col, ok := c.Colors()[lane]; ok {
		return col
	}
	return Red
}

// State returns the current phase, active and pending lanes.
func (c *Controller) State() State {
	if len(c.order) == 0 {
		return State{Phase: c.phase, Since: c.lastSwitch}
	}
	s := State{Phase: c.phase, ActiveLane: c.order[c.active], Since: c.lastSwitch}
	if c.pending >= 0 {
		s.PendingLane = c.order[c.pending]
	}
	return s
}

// Diff returns a command for every lane whose color differs from what was
// last emitted, in lane order, and records them as emitted.
func (c *Controller) Diff() []Command {
	colors := c.Colors()
	var cmds []Command
	for _, id := range c.order {
		col := colors[id]
		if c.emitted[id] == col {
			continue
		}
		c.emitted[id] = col
		cmds = append(cmds, Command{Lane: id, Color: col, Activate: true})
	}
	return cmds
}

// Invalidate forgets what was emitted so the next Diff covers every lane.
func (c *Controller) Invalidate() {
	clear(c.emitted)
}

// Full returns a command for every lane regardless of what was emitted.
func (c *Controller) Full() []Command {
	colors := c.Colors()
	cmds := make([]Command, 0, len(c.order))
	for _, id := range c.order {
		c.emitted[id] = colors[id]
		cmds = append(cmds, Command{Lane: id, Color: colors[id], Activate: true})
	}
	return cmds
}
