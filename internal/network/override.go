package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidOverride is returned for a body that is neither a bulk map
	// nor a single {intersection, lane, count} triple.
	ErrInvalidOverride = errors.New("invalid simulation override")
	// ErrUnknownTarget is returned when a single-triple override names a
	// lane that is not in the network.
	ErrUnknownTarget = errors.New("unknown intersection or lane")
)

// Override is a parsed override request. Counts is keyed by intersection
// then lane. Single marks the one-triple form, whose target must exist.
type Override struct {
	Counts map[string]map[string]int
	Single bool
}

type triple struct {
	Intersection *string         `json:"intersection"`
	Lane         *string         `json:"lane"`
	Count        json.RawMessage `json:"count"`
}

// ParseOverride accepts either
//
//	{"intersection": "B", "lane": "lane_1", "count": 4}
//
// or a bulk map
//
//	{"B": {"lane_1": 4, "lane_2": 0}, "C": {"lane_1": 2}}
//
// Counts must be integers; negative values are clamped to zero.
func ParseOverride(body []byte) (Override, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return Override{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidOverride)
	}

	if v, ok := raw["intersection"]; ok && isJSONString(v) {
		return parseTriple(body)
	}

	out := Override{Counts: make(map[string]map[string]int, len(raw))}
	for id, lanesRaw := range raw {
		var lanes map[string]json.RawMessage
		if err := json.Unmarshal(lanesRaw, &lanes); err != nil || lanes == nil {
			return Override{}, fmt.Errorf("%w: %q must map lanes to counts", ErrInvalidOverride, id)
		}
		counts := make(map[string]int, len(lanes))
		for lane, v := range lanes {
			n, err := parseCount(v)
			if err != nil {
				return Override{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalidOverride, id, lane, err)
			}
			counts[lane] = n
		}
		out.Counts[id] = counts
	}
	return out, nil
}

func parseTriple(body []byte) (Override, error) {
	var t triple
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return Override{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	if t.Intersection == nil || *t.Intersection == "" || t.Lane == nil || *t.Lane == "" || t.Count == nil {
		return Override{}, fmt.Errorf("%w: intersection, lane and count are required", ErrInvalidOverride)
	}
	n, err := parseCount(t.Count)
	if err != nil {
		return Override{}, fmt.Errorf("%w: count: %v", ErrInvalidOverride, err)
	}
	return Override{
		Counts: map[string]map[string]int{*t.Intersection: {*t.Lane: n}},
		Single: true,
	}, nil
}

// parseCount accepts a JSON number literal holding a whole value. Quoted
// numbers are rejected.
func parseCount(raw json.RawMessage) (int, error) {
	var num json.Number
	if isJSONString(raw) || json.Unmarshal(raw, &num) != nil {
		return 0, fmt.Errorf("%s is not a number", raw)
	}
	if n, err := num.Int64(); err == nil {
		return clampCount(n), nil
	}
	// Float64 reports a range error with ±Inf for exponents past float64;
	// those are still whole numbers and clamp like any other.
	f, err := num.Float64()
	if err != nil && !math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not an integer", num)
	}
	switch {
	case f != math.Trunc(f):
		return 0, fmt.Errorf("%q is not an integer", num)
	case f <= 0:
		return 0, nil
	case f >= math.MaxInt32:
		return math.MaxInt32, nil
	}
	return int(f), nil
}

func clampCount(n int64) int {
	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func isJSONString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

// ApplyOverride writes the requested counts and returns how many lanes were
// set. Unknown intersections or lanes are skipped in the bulk form; in the
// single form they yield ErrUnknownTarget and nothing changes.
func (s *Simulator) ApplyOverride(o Override) (int, error) {
	if o.Single {
		for id, lanes := range o.Counts {
			for lane := range lanes {
				if !s.hasLane(id, lane) {
					return 0, fmt.Errorf("%w: %s.%s", ErrUnknownTarget, id, lane)
				}
			}
		}
	}
	applied := 0
	for id, lanes := range o.Counts {
		for lane, n := range lanes {
			if !s.hasLane(id, lane) {
				continue
			}
			s.counts[id][lane] = max(0, n)
			applied++
		}
	}
	return applied, nil
}
