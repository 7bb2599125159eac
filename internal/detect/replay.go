package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/laneflow/internal/timeutil"
)

// ReplaySource plays back frames recorded as JSON lines, one Frame per line.
// Frames are paced by the difference between consecutive offsets, or by
// FrameInterval when offsets are absent.
type ReplaySource struct {
	frames        []Frame
	pos           int
	Loop          bool
	FrameInterval time.Duration
	clock         timeutil.Clock
}

// NewReplaySource parses recorded frames from r.
func NewReplaySource(r io.Reader, clock timeutil.Clock) (*ReplaySource, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var frames []Frame
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		frames = append(frames, f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay: %w", err)
	}
	return &ReplaySource{
		frames:        frames,
		FrameInterval: 100 * time.Millisecond,
		clock:         clock,
	}, nil
}

// OpenReplay loads a replay file from disk.
func OpenReplay(path string, clock timeutil.Clock) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()
	return NewReplaySource(f, clock)
}

// Len returns the number of recorded frames.
func (s *ReplaySource) Len() int { return len(s.frames) }

// Next returns the next frame after waiting out its pacing delay.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		if !s.Loop || len(s.frames) == 0 {
			return Frame{}, io.EOF
		}
		s.pos = 0
	}
	f := s.frames[s.pos]
	if s.pos > 0 {
		delay := s.FrameInterval
		if prev := s.frames[s.pos-1]; f.Offset > prev.Offset {
			delay = time.Duration((f.Offset - prev.Offset) * float64(time.Second))
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.wait(delay):
		}
	}
	s.pos++
	return f, nil
}

func (s *ReplaySource) wait(d time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.clock.Sleep(d)
		close(done)
	}()
	return done
}
