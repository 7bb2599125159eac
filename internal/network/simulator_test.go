package network

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laneflow/internal/config"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// chain builds A(mirror) -> B -> C.
func chain(t *testing.T) *Simulator {
	t.Helper()
	sim, err := New([]Intersection{
		{ID: "A", Lanes: []string{"lane_1", "lane_2"}, Outgoing: map[string]Target{"lane_1": {"B", "lane_1"}}},
		{ID: "B", Lanes: []string{"lane_1"}, Outgoing: map[string]Target{"lane_1": {"C", "lane_2"}}},
		{ID: "C", Lanes: []string{"lane_1", "lane_2"}},
	}, DefaultConfig())
	require.NoError(t, err)
	return sim
}

func TestHandoff(t *testing.T) {
	tests := []struct {
		count int
		ratio float64
		min   int
		want  int
	}{
		{0, 0.5, 1, 0},
		{-3, 0.5, 1, 0},
		{1, 0.5, 1, 1},
		{3, 0.5, 1, 1},
		{10, 0.5, 1, 5},
		{2, 0.5, 5, 2},
		{7, 0.3, 2, 2},
		{10, 1.5, 1, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Handoff(tt.count, tt.ratio, tt.min), "Handoff(%d, %v, %d)", tt.count, tt.ratio, tt.min)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]Intersection{{ID: "A"}, {ID: "A"}}, DefaultConfig())
	assert.ErrorContains(t, err, "duplicate intersection")

	_, err = New([]Intersection{{ID: "A", Lanes: []string{"x", "x"}}}, DefaultConfig())
	assert.ErrorContains(t, err, "duplicate lanes")

	_, err = New([]Intersection{{ID: ""}}, DefaultConfig())
	assert.Error(t, err)
}

func TestNew_DropsBadRoutes(t *testing.T) {
	sim, err := New([]Intersection{
		{ID: "A", Lanes: []string{"lane_1", "lane_2"}, Outgoing: map[string]Target{
			"lane_1": {"Z", "lane_1"},
			"lane_2": {"B", "lane_9"},
			"lane_8": {"B", "lane_1"},
		}},
		{ID: "B", Lanes: []string{"lane_1"}},
	}, DefaultConfig())
	require.NoError(t, err)

	for _, ls := range sim.Status()[0].Lanes {
		assert.Nil(t, ls.OutgoingTo, ls.Lane)
		assert.Nil(t, ls.DownstreamCount, ls.Lane)
	}
	assert.Empty(t, sim.Downstream("A"))
}

func TestNew_Mirror(t *testing.T) {
	specs := []Intersection{{ID: "A", Lanes: []string{"l"}}, {ID: "B", Lanes: []string{"l"}}}

	sim, err := New(specs, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "A", sim.Mirror())

	cfg := DefaultConfig()
	cfg.Mirror = "B"
	sim, err = New(specs, cfg)
	require.NoError(t, err)
	assert.Equal(t, "B", sim.Mirror())

	cfg.Mirror = "nope"
	sim, err = New(specs, cfg)
	require.NoError(t, err)
	assert.Equal(t, "A", sim.Mirror())
}

func TestTick_EmptyNetwork(t *testing.T) {
	sim, err := New(nil, DefaultConfig())
	require.NoError(t, err)

	_, fired := sim.Tick(t0, map[string]int{"lane_1": 3})
	assert.False(t, fired)
	assert.Empty(t, sim.Status())
	n, err := sim.ApplyOverride(Override{Counts: map[string]map[string]int{"A": {"l": 1}}})
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestTick_Interval(t *testing.T) {
	sim := chain(t)

	_, fired := sim.Tick(t0, nil)
	assert.True(t, fired, "first tick always fires")
	_, fired = sim.Tick(t0.Add(999*time.Millisecond), nil)
	assert.False(t, fired)
	_, fired = sim.Tick(t0.Add(time.Second), nil)
	assert.True(t, fired)
	assert.EqualValues(t, 2, sim.Ticks())
	assert.Equal(t, t0.Add(time.Second), sim.LastTick())
}

func TestTick_Propagation(t *testing.T) {
	sim := chain(t)
	live := map[string]int{"lane_1": 4, "lane_2": 1, "lane_7": 9}

	rep, fired := sim.Tick(t0, live)
	require.True(t, fired)
	assert.Equal(t, []Transfer{{From: Target{"A", "lane_1"}, To: Target{"B", "lane_1"}, Amount: 2}}, rep.Transfers)
	want := map[string]map[string]int{
		"A": {"lane_1": 4, "lane_2": 1},
		"B": {"lane_1": 2},
		"C": {"lane_1": 0, "lane_2": 0},
	}
	if diff := cmp.Diff(want, sim.Counts()); diff != "" {
		t.Errorf("after tick 1 (-want +got):\n%s", diff)
	}

	_, fired = sim.Tick(t0.Add(time.Second), live)
	require.True(t, fired)
	want["C"]["lane_2"] = 1
	if diff := cmp.Diff(want, sim.Counts()); diff != "" {
		t.Errorf("after tick 2 (-want +got):\n%s", diff)
	}
}

func TestTick_UsesSnapshot(t *testing.T) {
	sim := chain(t)
	_, err := sim.ApplyOverride(Override{Counts: map[string]map[string]int{"B": {"lane_1": 4}}})
	require.NoError(t, err)

	rep, fired := sim.Tick(t0, map[string]int{})
	require.True(t, fired)
	// B forwards half of what it held before the tick, and is then empty
	// because A had nothing to give.
	assert.Equal(t, 2, rep.Moved)
	assert.Equal(t, 0, sim.Counts()["B"]["lane_1"])
	assert.Equal(t, 2, sim.Counts()["C"]["lane_2"])
}

func TestTick_TransfersIntoMirrorAreAbsorbed(t *testing.T) {
	sim, err := New([]Intersection{
		{ID: "A", Lanes: []string{"lane_1"}},
		{ID: "B", Lanes: []string{"lane_1"}, Outgoing: map[string]Target{"lane_1": {"A", "lane_1"}}},
	}, DefaultConfig())
	require.NoError(t, err)
	_, err = sim.ApplyOverride(Override{Counts: map[string]map[string]int{"B": {"lane_1": 6}}})
	require.NoError(t, err)

	rep, _ := sim.Tick(t0, map[string]int{"lane_1": 1})
	assert.Equal(t, 3, rep.Absorbed)
	assert.Equal(t, 0, rep.Moved)
	assert.Equal(t, 1, sim.Counts()["A"]["lane_1"], "mirror keeps the live value")
}

func TestTick_NonMirrorTotalEqualsMoved(t *testing.T) {
	sim, err := New([]Intersection{
		{ID: "A", Lanes: []string{"n", "s"}, Outgoing: map[string]Target{"n": {"B", "in"}, "s": {"C", "in"}}},
		{ID: "B", Lanes: []string{"in", "out"}, Outgoing: map[string]Target{"in": {"C", "in"}, "out": {"A", "s"}}},
		{ID: "C", Lanes: []string{"in"}, Outgoing: map[string]Target{"in": {"B", "out"}}},
	}, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, sim.Cyclic())

	now := t0
	for i := 0; i < 20; i++ {
		rep, fired := sim.Tick(now, map[string]int{"n": i % 7, "s": 3})
		require.True(t, fired)
		total := 0
		for id, lanes := range sim.Counts() {
			if id == sim.Mirror() {
				continue
			}
			for _, n := range lanes {
				require.GreaterOrEqual(t, n, 0)
				total += n
			}
		}
		require.Equal(t, rep.Moved, total, "tick %d", i)
		now = now.Add(time.Second)
	}
}

func TestStatus(t *testing.T) {
	sim := chain(t)
	sim.Tick(t0, map[string]int{"lane_1": 4})

	st := sim.Status()
	require.Len(t, st, 3)
	assert.True(t, st[0].Mirror)
	assert.Equal(t, []string{"B"}, st[0].Downstream)
	assert.Equal(t, []string{"C"}, st[1].Downstream)
	assert.Empty(t, st[2].Downstream)

	a1 := st[0].Lanes[0]
	require.NotNil(t, a1.OutgoingTo)
	assert.Equal(t, "B.lane_1", *a1.OutgoingTo)
	assert.Equal(t, 2, *a1.DownstreamCount)
	assert.Nil(t, st[0].Lanes[1].OutgoingTo)
	assert.False(t, sim.Cyclic())
}

func TestFromSpecs(t *testing.T) {
	specs, err := config.ParseNetwork([]byte(`{
		"A": {"lanes": ["lane_1"], "outgoing": {"lane_1": "B.lane_1"}},
		"B": {"lanes": ["lane_1"]}
	}`))
	require.NoError(t, err)

	sim, err := New(FromSpecs(specs), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sim.IDs())
	assert.Equal(t, []string{"B"}, sim.Downstream("A"))
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Override
		wantErr error
	}{
		{
			name: "triple",
			body: `{"intersection": "B", "lane": "lane_1", "count": 4}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": 4}}, Single: true},
		},
		{
			name: "triple negative clamps",
			body: `{"intersection": "B", "lane": "lane_1", "count": -2}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": 0}}, Single: true},
		},
		{
			name: "bulk",
			body: `{"B": {"lane_1": 4, "lane_2": 0}, "C": {"lane_1": 2.0}}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": 4, "lane_2": 0}, "C": {"lane_1": 2}}},
		},
		{
			name: "huge counts cap",
			body: `{"B": {"lane_1": 1e20, "lane_2": 99999999999999999999, "lane_3": 1e400}}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": math.MaxInt32, "lane_2": math.MaxInt32, "lane_3": math.MaxInt32}}},
		},
		{
			name: "triple huge count caps",
			body: `{"intersection": "B", "lane": "lane_1", "count": 1e19}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": math.MaxInt32}}, Single: true},
		},
		{
			name: "huge negative clamps",
			body: `{"B": {"lane_1": -1e20, "lane_2": -3.0}}`,
			want: Override{Counts: map[string]map[string]int{"B": {"lane_1": 0, "lane_2": 0}}},
		},
		{name: "empty bulk", body: `{}`, want: Override{Counts: map[string]map[string]int{}}},
		{name: "not an object", body: `[1,2]`, wantErr: ErrInvalidOverride},
		{name: "garbage", body: `count=4`, wantErr: ErrInvalidOverride},
		{name: "null", body: `null`, wantErr: ErrInvalidOverride},
		{name: "triple missing count", body: `{"intersection": "B", "lane": "lane_1"}`, wantErr: ErrInvalidOverride},
		{name: "triple empty lane", body: `{"intersection": "B", "lane": "", "count": 1}`, wantErr: ErrInvalidOverride},
		{name: "fractional count", body: `{"B": {"lane_1": 1.5}}`, wantErr: ErrInvalidOverride},
		{name: "negative fractional count", body: `{"B": {"lane_1": -1.5}}`, wantErr: ErrInvalidOverride},
		{name: "string count", body: `{"B": {"lane_1": "4"}}`, wantErr: ErrInvalidOverride},
		{name: "triple string count", body: `{"intersection": "B", "lane": "lane_1", "count": "4"}`, wantErr: ErrInvalidOverride},
		{name: "triple null count", body: `{"intersection": "B", "lane": "lane_1", "count": null}`, wantErr: ErrInvalidOverride},
		{name: "lanes not an object", body: `{"B": 4}`, wantErr: ErrInvalidOverride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOverride([]byte(tt.body))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "err = %v", err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseOverride mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyOverride(t *testing.T) {
	sim := chain(t)

	n, err := sim.ApplyOverride(Override{Counts: map[string]map[string]int{
		"B": {"lane_1": 7, "lane_9": 3},
		"Z": {"lane_1": 1},
		"C": {"lane_2": -4},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 7, sim.Counts()["B"]["lane_1"])
	assert.Equal(t, 0, sim.Counts()["C"]["lane_2"])

	_, err = sim.ApplyOverride(Override{Counts: map[string]map[string]int{"B": {"lane_9": 3}}, Single: true})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	// Overrides survive only until the next tick recomputes the lane.
	o, err := ParseOverride([]byte(`{"intersection": "C", "lane": "lane_1", "count": 5}`))
	require.NoError(t, err)
	n, err = sim.ApplyOverride(o)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sim.Tick(t0, nil)
	assert.Equal(t, 0, sim.Counts()["C"]["lane_1"])
}
