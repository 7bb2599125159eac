package api

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laneflow/internal/db"
	"github.com/banshee-data/laneflow/internal/intersection"
	"github.com/banshee-data/laneflow/internal/lanes"
	"github.com/banshee-data/laneflow/internal/monitoring"
	"github.com/banshee-data/laneflow/internal/network"
	"github.com/banshee-data/laneflow/internal/signal"
	"github.com/banshee-data/laneflow/internal/testutil"
	"github.com/banshee-data/laneflow/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	log.SetOutput(devNull{})
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *Server
	mon   *intersection.Monitor
	store *db.DB
	clock *timeutil.MockClock
	h     http.Handler
}

func newFixture(t *testing.T, withStore bool) fixture {
	t.Helper()
	lm, err := lanes.New([]lanes.Lane{
		{ID: "lane_1", Polygon: []lanes.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 100}, {X: 0, Y: 100}}},
		{ID: "lane_2", Polygon: []lanes.Point{{X: 200, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 100}, {X: 200, Y: 100}}},
	})
	require.NoError(t, err)

	f := fixture{clock: timeutil.NewMockClock(t0)}
	opts := intersection.Options{
		Lanes: lm,
		Network: []network.Intersection{
			{ID: "A", Lanes: []string{"lane_1", "lane_2"}, Outgoing: map[string]network.Target{
				"lane_1": {Intersection: "B", Lane: "lane_1"},
			}},
			{ID: "B", Lanes: []string{"lane_1"}},
		},
		Clock: f.clock,
	}
	var store HistoryStore
	if withStore {
		f.store, err = db.NewDB(filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { f.store.Close() })
		opts.Sink = f.store
		store = f.store
	}
	f.mon = intersection.New(opts)
	f.srv = NewServer(f.mon, store, nil, f.clock)
	f.h = f.srv.ServeMux()
	return f
}

func (f fixture) get(path string) *httptest.ResponseRecorder {
	return testutil.Serve(f.h, testutil.NewTestRequest(http.MethodGet, path))
}

func (f fixture) post(path, body string) *httptest.ResponseRecorder {
	return testutil.Serve(f.h, testutil.NewJSONRequest(http.MethodPost, path, body))
}

const oneCarInLaneOne = `{"detections": [{"class": "car", "box": [40, 40, 60, 60]}]}`

func TestLaneStatus(t *testing.T) {
	f := newFixture(t, false)

	rec := f.post("/detections", oneCarInLaneOne)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	counts := testutil.DecodeJSON[map[string]map[string]int](t, rec)
	assert.Equal(t, 1, counts["counts"]["lane_1"])

	rec = f.get("/lane_status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[[]intersection.LaneStatus](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, "lane_1", got[0].Lane)
	assert.Equal(t, 1, got[0].Count)
	assert.True(t, got[0].Occupied)
	assert.Equal(t, signal.Green, got[0].Signal)
	assert.Equal(t, signal.Red, got[1].Signal)
}

func TestDetections_BareArrayAndErrors(t *testing.T) {
	f := newFixture(t, false)

	rec := f.post("/detections", `[{"class": "car", "box": [240, 40, 260, 60]}]`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	counts := testutil.DecodeJSON[map[string]map[string]int](t, rec)
	assert.Equal(t, 1, counts["counts"]["lane_2"])

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"empty", http.MethodPost, "", http.StatusBadRequest},
		{"not json", http.MethodPost, "nope", http.StatusBadRequest},
		{"bad box", http.MethodPost, `[{"class": "car", "box": [1, 2]}]`, http.StatusBadRequest},
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Serve(f.h, testutil.NewJSONRequest(tt.method, "/detections", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)
		})
	}
}

func TestSimulationStatus(t *testing.T) {
	f := newFixture(t, false)
	f.post("/detections", oneCarInLaneOne)

	rec := f.get("/simulation_status")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[map[string][]network.LaneStatus](t, rec)
	require.Contains(t, got, "A")
	require.Contains(t, got, "B")
	require.Len(t, got["A"], 2)
	require.NotNil(t, got["A"][0].OutgoingTo)
	assert.Equal(t, "B.lane_1", *got["A"][0].OutgoingTo)
	assert.Nil(t, got["A"][1].OutgoingTo)
	assert.Equal(t, 1, got["B"][0].Count, "mirror handoff reaches B")

	rec = f.get("/api/simulation")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	info := testutil.DecodeJSON[intersection.SimulationInfo](t, rec)
	assert.Equal(t, "A", info.Mirror)
	assert.Equal(t, []string{"A", "B"}, info.Intersections)
	assert.False(t, info.Cyclic)
	assert.EqualValues(t, 1, info.Ticks)
	assert.Equal(t, t0, info.LastTick)
}

func TestSimulationOverride(t *testing.T) {
	f := newFixture(t, false)

	rec := f.post("/simulation_override", `{"B": {"lane_1": 7}}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]any](t, rec)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(1), resp["applied"])

	// Same instant, so reading status does not tick again.
	got := testutil.DecodeJSON[map[string][]network.LaneStatus](t, f.get("/simulation_status"))
	assert.Equal(t, 7, got["B"][0].Count)

	rec = f.post("/simulation_override", `{"intersection": "B", "lane": "lane_1", "count": 3}`)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got = testutil.DecodeJSON[map[string][]network.LaneStatus](t, f.get("/simulation_status"))
	assert.Equal(t, 3, got["B"][0].Count)

	tests := []struct {
		name string
		body string
	}{
		{"unknown target", `{"intersection": "Z", "lane": "lane_1", "count": 3}`},
		{"not an object", `[1, 2]`},
		{"fractional count", `{"B": {"lane_1": 1.5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.post("/simulation_override", tt.body)
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
			assert.NotEmpty(t, testutil.DecodeJSON[map[string]string](t, rec)["error"])
		})
	}

	rec = testutil.Serve(f.h, testutil.NewJSONRequest(http.MethodPost, "/simulation_override", strings.Repeat(" ", maxBodyBytes+1)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusRequestEntityTooLarge)
}

func TestLanesVehiclesSignal(t *testing.T) {
	f := newFixture(t, false)
	f.post("/detections", oneCarInLaneOne)

	rec := f.get("/api/lanes")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	fc := testutil.DecodeJSON[map[string]any](t, rec)
	assert.Equal(t, "FeatureCollection", fc["type"])
	assert.Len(t, fc["features"], 2)

	vehicles := testutil.DecodeJSON[[]vehicleView](t, f.get("/api/vehicles"))
	require.Len(t, vehicles, 1)
	assert.Equal(t, "lane_1", vehicles[0].Lane)
	assert.Equal(t, 50, vehicles[0].X)

	state := testutil.DecodeJSON[signal.State](t, f.get("/api/signal"))
	assert.Equal(t, signal.PhaseGreen, state.Phase)
	assert.Equal(t, "lane_1", state.ActiveLane)
}

func TestConfigAndVersion(t *testing.T) {
	f := newFixture(t, false)

	cfg := testutil.DecodeJSON[map[string]any](t, f.get("/api/config"))
	assert.Equal(t, []any{"lane_1", "lane_2"}, cfg["lanes"])
	assert.Contains(t, cfg, "match_distance")
	assert.Contains(t, cfg, "record_interval")

	v := testutil.DecodeJSON[map[string]string](t, f.get("/api/version"))
	assert.Equal(t, f.mon.RunID(), v["run_id"])
	assert.Contains(t, v, "version")
}

func TestHistory_NoStore(t *testing.T) {
	f := newFixture(t, false)
	for _, path := range []string{"/api/history", "/api/lane_stats", "/charts/lane_counts", "/charts/lane_counts.png"} {
		testutil.AssertStatusCode(t, f.get(path).Code, http.StatusServiceUnavailable)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	rec := f.get("/charts/lane_counts.png")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	f.post("/detections", oneCarInLaneOne)
	recorded, err := f.mon.MaybeRecord(ctx)
	require.NoError(t, err)
	require.True(t, recorded)
	f.clock.Advance(time.Minute)
	f.post("/detections", `{"detections": []}`)
	recorded, err = f.mon.MaybeRecord(ctx)
	require.NoError(t, err)
	require.True(t, recorded)

	rows := testutil.DecodeJSON[[]db.LaneSnapshot](t, f.get("/api/history?limit=3"))
	require.Len(t, rows, 3)
	assert.Equal(t, t0.Add(time.Minute), rows[0].RecordedAt)

	testutil.AssertStatusCode(t, f.get("/api/history?limit=0").Code, http.StatusBadRequest)
	testutil.AssertStatusCode(t, f.get("/api/history?limit=1001").Code, http.StatusBadRequest)

	stats := testutil.DecodeJSON[struct {
		Minutes int            `json:"minutes"`
		Lanes   []db.LaneStats `json:"lanes"`
	}](t, f.get("/api/lane_stats?minutes=5"))
	assert.Equal(t, 5, stats.Minutes)
	require.Len(t, stats.Lanes, 2)
	assert.Equal(t, "lane_1", stats.Lanes[0].Lane)
	assert.Equal(t, 2, stats.Lanes[0].Samples)

	rec = f.get("/charts/lane_counts")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "lane_1")

	rec = f.get("/charts/lane_counts.png")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestLoggingMiddleware(t *testing.T) {
	f := newFixture(t, false)
	rec := testutil.Serve(LoggingMiddleware(f.h), testutil.NewTestRequest(http.MethodGet, "/api/signal"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}
