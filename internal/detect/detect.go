// Package detect defines the per-frame detection input and the sources that
// produce it. The detection model itself runs outside this process.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DefaultVehicleClasses are the detector labels treated as vehicles.
var DefaultVehicleClasses = []string{"car", "truck", "bus"}

// BoundingBox is an axis-aligned box in frame coordinates.
type BoundingBox struct {
	X1, Y1, X2, Y2 int
}

// Centroid returns the integer midpoint of the box.
func (b BoundingBox) Centroid() (int, int) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON accepts [x1, y1, x2, y2] with integer or float values.
// Fractional coordinates are truncated.
func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("box must be an array of numbers: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("box must have 4 values, got %d", len(raw))
	}
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("box contains non-finite value")
		}
	}
	b.X1, b.Y1, b.X2, b.Y2 = int(raw[0]), int(raw[1]), int(raw[2]), int(raw[3])
	return nil
}

// Detection is one labelled box from the detector.
type Detection struct {
	Class string      `json:"class"`
	Box   BoundingBox `json:"box"`
}

// Frame is the ordered set of detections for one video frame.
type Frame struct {
	// Offset is the frame time relative to the start of a recording. Live
	// sources leave it zero.
	Offset     float64     `json:"t,omitempty"`
	Detections []Detection `json:"detections"`
}

// Source yields frames. Next blocks until a frame is available, returns
// io.EOF when the source is exhausted, and honours ctx cancellation.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// ClassFilter keeps detections whose class is in a configured set.
type ClassFilter struct {
	classes map[string]struct{}
}

// NewClassFilter builds a filter. Class names are compared case-insensitively.
// An empty list falls back to DefaultVehicleClasses.
func NewClassFilter(classes []string) *ClassFilter {
	if len(classes) == 0 {
		classes = DefaultVehicleClasses
	}
	f := &ClassFilter{classes: make(map[string]struct{}, len(classes))}
	for _, c := range classes {
		f.classes[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return f
}

// Allows reports whether class passes the filter.
func (f *ClassFilter) Allows(class string) bool {
	_, ok := f.classes[strings.ToLower(class)]
	return ok
}

// Apply returns the detections that pass, preserving order.
func (f *ClassFilter) Apply(dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if f.Allows(d.Class) {
			out = append(out, d)
		}
	}
	return out
}
