package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/laneflow/internal/fsutil"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultConfigPath is where the service looks for site settings when no
// -config flag is given.
const DefaultConfigPath = "config/laneflow.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// SiteConfig holds the tunable behaviour of one deployment. Every field is
// optional; the Get* methods supply defaults for anything left unset.
type SiteConfig struct {
	// Tracker params
	MatchDistance    *float64 `json:"match_distance,omitempty"`
	DirectionNoise   *int     `json:"direction_noise,omitempty"`
	AntiBounceWindow *int     `json:"anti_bounce_window,omitempty"`
	StaleTimeout     *string  `json:"stale_timeout,omitempty"` // duration string like "5s"
	EmptyTimeout     *string  `json:"empty_timeout,omitempty"`
	VehicleClasses   []string `json:"vehicle_classes,omitempty"`

	// Signal params
	GreenTime        *string           `json:"green_time,omitempty"`
	YellowTime       *string           `json:"yellow_time,omitempty"`
	CountSwitchDelta *int              `json:"count_switch_delta,omitempty"`
	FixedCycle       *bool             `json:"fixed_cycle,omitempty"`
	PairingEnabled   *bool             `json:"pairing_enabled,omitempty"`
	LanePairs        map[string]string `json:"lane_pairs,omitempty"`
	SignalHeads      map[string]string `json:"signal_heads,omitempty"`

	// Lane metadata
	LaneDirections map[string]string `json:"lane_directions,omitempty"`
	LaneRoutes     map[string]string `json:"lane_routes,omitempty"`

	// Simulation params
	TickInterval       *string  `json:"tick_interval,omitempty"`
	HandoffRatio       *float64 `json:"handoff_ratio,omitempty"`
	MinHandoff         *int     `json:"min_handoff,omitempty"`
	MirrorIntersection *string  `json:"mirror_intersection,omitempty"`

	// Persistence params
	RecordInterval *string `json:"record_interval,omitempty"`
}

// DefaultLaneDirections labels the lanes of the reference camera layout.
var DefaultLaneDirections = map[string]string{
	"lane_1": "UP",
	"lane_2": "DOWN",
	"lane_3": "RIGHT",
	"lane_4": "LEFT",
	"lane_6": "LEFT",
	"lane_7": "RIGHT",
	"lane_8": "DOWN",
	"lane_9": "UP",
}

// DefaultSignalHeads maps lanes to the names the signal head firmware expects.
var DefaultSignalHeads = map[string]string{
	"lane_1": "north",
	"lane_2": "south",
	"lane_3": "east",
	"lane_4": "west",
}

// EmptySiteConfig returns a SiteConfig with all fields unset.
func EmptySiteConfig() *SiteConfig {
	return &SiteConfig{}
}

// LoadSiteConfig loads a SiteConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadSiteConfig(path string) (*SiteConfig, error) {
	data, err := readBounded(path)
	if err != nil {
		return nil, err
	}

	cfg := EmptySiteConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Files is where config files are read from. Tests swap in an in-memory
// filesystem.
var Files fsutil.FileSystem = fsutil.OSFileSystem{}

func readBounded(path string) ([]byte, error) {
	return fsutil.ReadBounded(Files, path, ".json", maxFileSize)
}

// Validate checks that the configuration values are valid.
func (c *SiteConfig) Validate() error {
	durations := map[string]*string{
		"stale_timeout":   c.StaleTimeout,
		"empty_timeout":   c.EmptyTimeout,
		"green_time":      c.GreenTime,
		"yellow_time":     c.YellowTime,
		"tick_interval":   c.TickInterval,
		"record_interval": c.RecordInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%w: invalid %s '%s': %v", ErrInvalidConfig, name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, name, *v)
		}
	}

	if c.MatchDistance != nil && *c.MatchDistance <= 0 {
		return fmt.Errorf("%w: match_distance must be positive, got %f", ErrInvalidConfig, *c.MatchDistance)
	}
	if c.DirectionNoise != nil && *c.DirectionNoise < 0 {
		return fmt.Errorf("%w: direction_noise must be non-negative, got %d", ErrInvalidConfig, *c.DirectionNoise)
	}
	if c.AntiBounceWindow != nil && *c.AntiBounceWindow < 0 {
		return fmt.Errorf("%w: anti_bounce_window must be non-negative, got %d", ErrInvalidConfig, *c.AntiBounceWindow)
	}
	if c.CountSwitchDelta != nil && *c.CountSwitchDelta < 0 {
		return fmt.Errorf("%w: count_switch_delta must be non-negative, got %d", ErrInvalidConfig, *c.CountSwitchDelta)
	}
	if c.HandoffRatio != nil && (*c.HandoffRatio < 0 || *c.HandoffRatio > 1) {
		return fmt.Errorf("%w: handoff_ratio must be between 0 and 1, got %f", ErrInvalidConfig, *c.HandoffRatio)
	}
	if c.MinHandoff != nil && *c.MinHandoff < 0 {
		return fmt.Errorf("%w: min_handoff must be non-negative, got %d", ErrInvalidConfig, *c.MinHandoff)
	}

	// Each lane has at most one partner, whichever side it is written on.
	partner := make(map[string]string, len(c.LanePairs)*2)
	for a, b := range c.LanePairs {
		if a == b {
			return fmt.Errorf("%w: lane %q cannot be paired with itself", ErrInvalidConfig, a)
		}
		for _, p := range [][2]string{{a, b}, {b, a}} {
			if prev, ok := partner[p[0]]; ok && prev != p[1] {
				return fmt.Errorf("%w: lane_pairs gives %q two partners, %q and %q", ErrInvalidConfig, p[0], prev, p[1])
			}
			partner[p[0]] = p[1]
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetMatchDistance returns the match_distance value or the default.
func (c *SiteConfig) GetMatchDistance() float64 {
	if c.MatchDistance == nil {
		return 50
	}
	return *c.MatchDistance
}

// GetDirectionNoise returns the direction_noise value or the default.
func (c *SiteConfig) GetDirectionNoise() int {
	if c.DirectionNoise == nil {
		return 8
	}
	return *c.DirectionNoise
}

// GetAntiBounceWindow returns the anti_bounce_window value or the default.
func (c *SiteConfig) GetAntiBounceWindow() int {
	if c.AntiBounceWindow == nil {
		return 3
	}
	return *c.AntiBounceWindow
}

// GetStaleTimeout parses and returns the StaleTimeout as a time.Duration.
func (c *SiteConfig) GetStaleTimeout() time.Duration {
	return durationOr(c.StaleTimeout, 5*time.Second)
}

// GetEmptyTimeout parses and returns the EmptyTimeout as a time.Duration.
func (c *SiteConfig) GetEmptyTimeout() time.Duration {
	return durationOr(c.EmptyTimeout, 1500*time.Millisecond)
}

// GetVehicleClasses returns the detector labels counted as vehicles.
func (c *SiteConfig) GetVehicleClasses() []string {
	if len(c.VehicleClasses) == 0 {
		return []string{"car", "truck", "bus"}
	}
	return c.VehicleClasses
}

// GetGreenTime returns the minimum green duration.
func (c *SiteConfig) GetGreenTime() time.Duration {
	return durationOr(c.GreenTime, 5*time.Second)
}

// GetYellowTime returns the yellow duration.
func (c *SiteConfig) GetYellowTime() time.Duration {
	return durationOr(c.YellowTime, 2*time.Second)
}

// GetCountSwitchDelta returns the count_switch_delta value or the default.
func (c *SiteConfig) GetCountSwitchDelta() int {
	if c.CountSwitchDelta == nil {
		return 2
	}
	return *c.CountSwitchDelta
}

// GetFixedCycle returns the fixed_cycle value or the default.
func (c *SiteConfig) GetFixedCycle() bool {
	if c.FixedCycle == nil {
		return false
	}
	return *c.FixedCycle
}

// GetPairingEnabled returns the pairing_enabled value or the default.
func (c *SiteConfig) GetPairingEnabled() bool {
	if c.PairingEnabled == nil {
		return false // default: each lane switches alone
	}
	return *c.PairingEnabled
}

// GetLanePairs returns the pairing table made symmetric.
func (c *SiteConfig) GetLanePairs() map[string]string {
	out := make(map[string]string, len(c.LanePairs)*2)
	for a, b := range c.LanePairs {
		out[a] = b
		out[b] = a
	}
	return out
}

// GetSignalHeads returns the lane to signal head name mapping.
func (c *SiteConfig) GetSignalHeads() map[string]string {
	if c.SignalHeads == nil {
		return DefaultSignalHeads
	}
	return c.SignalHeads
}

// GetLaneDirections returns the lane direction labels.
func (c *SiteConfig) GetLaneDirections() map[string]string {
	if c.LaneDirections == nil {
		return DefaultLaneDirections
	}
	return c.LaneDirections
}

// GetLaneRoutes returns the static lane to next-lane table.
func (c *SiteConfig) GetLaneRoutes() map[string]string {
	if c.LaneRoutes == nil {
		return map[string]string{}
	}
	return c.LaneRoutes
}

// GetTickInterval returns the simulation tick interval.
func (c *SiteConfig) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, time.Second)
}

// GetHandoffRatio returns the handoff_ratio value or the default.
func (c *SiteConfig) GetHandoffRatio() float64 {
	if c.HandoffRatio == nil {
		return 0.5
	}
	return *c.HandoffRatio
}

// GetMinHandoff returns the min_handoff value or the default.
func (c *SiteConfig) GetMinHandoff() int {
	if c.MinHandoff == nil {
		return 1
	}
	return *c.MinHandoff
}

// GetMirrorIntersection returns the configured mirror id. Empty means the
// first intersection in the network file.
func (c *SiteConfig) GetMirrorIntersection() string {
	if c.MirrorIntersection == nil {
		return ""
	}
	return *c.MirrorIntersection
}

// GetRecordInterval returns the minimum interval between persisted snapshots.
func (c *SiteConfig) GetRecordInterval() time.Duration {
	return durationOr(c.RecordInterval, 2*time.Second)
}
