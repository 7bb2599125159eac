package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// LaneFileEnv names the environment variable consulted for the lane file.
const LaneFileEnv = "LANE_FILE"

// DefaultLaneFiles are tried in order when neither a flag nor LANE_FILE
// names a lane file.
var DefaultLaneFiles = []string{"real_lane.json", "lanes.json"}

// LaneSpec is one lane polygon as written in the lane file.
type LaneSpec struct {
	ID     string
	Points [][2]int
}

// Target is a routing destination, written "intersection.lane".
type Target struct {
	Intersection string `json:"intersection"`
	Lane         string `json:"lane"`
}

func (t Target) String() string {
	return t.Intersection + "." + t.Lane
}

// ParseTarget splits "intersection.lane" on the first dot.
func ParseTarget(s string) (Target, error) {
	inter, lane, ok := strings.Cut(s, ".")
	if !ok || inter == "" || lane == "" {
		return Target{}, fmt.Errorf("%w: route target %q must be \"intersection.lane\"", ErrInvalidConfig, s)
	}
	return Target{Intersection: inter, Lane: lane}, nil
}

// IntersectionSpec is one intersection as written in the network file.
type IntersectionSpec struct {
	ID       string
	Lanes    []string
	Outgoing map[string]Target
}

// decodeOrderedObject decodes a top-level JSON object and returns its keys in
// document order alongside the raw values.
func decodeOrderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidConfig)
	}

	var keys []string
	vals := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("failed to parse value of %q: %w", key, err)
		}
		if _, dup := vals[key]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidConfig, key)
		}
		keys = append(keys, key)
		vals[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidConfig)
	}
	return keys, vals, nil
}

// ParseLanes decodes a lane file: {"lane_1": [[x, y], ...], ...}.
// Lane order follows the file.
func ParseLanes(data []byte) ([]LaneSpec, error) {
	keys, vals, err := decodeOrderedObject(data)
	if err != nil {
		return nil, err
	}
	out := make([]LaneSpec, 0, len(keys))
	for _, id := range keys {
		var pts [][]float64
		if err := json.Unmarshal(vals[id], &pts); err != nil {
			return nil, fmt.Errorf("%w: lane %q: points must be [[x, y], ...]: %v", ErrInvalidConfig, id, err)
		}
		spec := LaneSpec{ID: id, Points: make([][2]int, 0, len(pts))}
		for i, p := range pts {
			if len(p) != 2 {
				return nil, fmt.Errorf("%w: lane %q point %d has %d values", ErrInvalidConfig, id, i, len(p))
			}
			spec.Points = append(spec.Points, [2]int{int(p[0]), int(p[1])})
		}
		if len(spec.Points) < 3 {
			return nil, fmt.Errorf("%w: lane %q needs at least 3 points", ErrInvalidConfig, id)
		}
		out = append(out, spec)
	}
	return out, nil
}

type intersectionFile struct {
	Lanes    []string          `json:"lanes"`
	Outgoing map[string]string `json:"outgoing"`
}

// ParseNetwork decodes a network file:
//
//	{"A": {"lanes": ["lane_1"], "outgoing": {"lane_1": "B.lane_2"}}}
//
// Intersection order follows the file.
func ParseNetwork(data []byte) ([]IntersectionSpec, error) {
	keys, vals, err := decodeOrderedObject(data)
	if err != nil {
		return nil, err
	}
	out := make([]IntersectionSpec, 0, len(keys))
	for _, id := range keys {
		var f intersectionFile
		dec := json.NewDecoder(bytes.NewReader(vals[id]))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: intersection %q: %v", ErrInvalidConfig, id, err)
		}
		spec := IntersectionSpec{ID: id, Lanes: f.Lanes, Outgoing: make(map[string]Target, len(f.Outgoing))}
		for lane, raw := range f.Outgoing {
			t, err := ParseTarget(raw)
			if err != nil {
				return nil, fmt.Errorf("intersection %q lane %q: %w", id, lane, err)
			}
			spec.Outgoing[lane] = t
		}
		out = append(out, spec)
	}
	return out, nil
}

// LoadLanes reads and parses a lane file.
func LoadLanes(path string) ([]LaneSpec, error) {
	data, err := readBounded(path)
	if err != nil {
		return nil, err
	}
	return ParseLanes(data)
}

// LoadNetwork reads and parses a network file.
func LoadNetwork(path string) ([]IntersectionSpec, error) {
	data, err := readBounded(path)
	if err != nil {
		return nil, err
	}
	return ParseNetwork(data)
}

// ResolveLaneFile picks the lane file: the explicit path if given, then
// $LANE_FILE, then the first of DefaultLaneFiles that exists. It returns the
// empty string when nothing is found.
func ResolveLaneFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(LaneFileEnv); env != "" {
		return env
	}
	for _, p := range DefaultLaneFiles {
		if Files.Exists(p) {
			return p
		}
	}
	return ""
}

// LoadLanesOrEmpty loads the lane file and degrades to no lanes on any
// error, so the service still starts and serves empty status.
func LoadLanesOrEmpty(path string) []LaneSpec {
	if path == "" {
		log.Printf("config: no lane file found, running with zero lanes")
		return nil
	}
	lanes, err := LoadLanes(path)
	if err != nil {
		log.Printf("config: failed to load lanes from %s, running with zero lanes: %v", path, err)
		return nil
	}
	log.Printf("config: loaded %d lanes from %s", len(lanes), path)
	return lanes
}

// LoadNetworkOrEmpty loads the network file and degrades to an empty network
// on any error.
func LoadNetworkOrEmpty(path string) []IntersectionSpec {
	if path == "" {
		return nil
	}
	net, err := LoadNetwork(path)
	if err != nil {
		log.Printf("config: failed to load network from %s, running with no intersections: %v", path, err)
		return nil
	}
	log.Printf("config: loaded %d intersections from %s", len(net), path)
	return net
}
