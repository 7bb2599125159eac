// Package api serves the intersection state, simulation controls and
// recorded history over HTTP.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/db"
	"github.com/banshee-data/laneflow/internal/intersection"
	"github.com/banshee-data/laneflow/internal/timeutil"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// maxBodyBytes bounds POST bodies.
const maxBodyBytes = 1 << 20

// HistoryStore is the read side of the snapshot database.
type HistoryStore interface {
	RecentLaneSnapshots(ctx context.Context, limit int) ([]db.LaneSnapshot, error)
	LaneCountSeries(ctx context.Context, since time.Time) ([]string, map[string][]db.SeriesPoint, error)
	LaneCountStats(ctx context.Context, since time.Time) ([]db.LaneStats, error)
}

// Server exposes a Monitor over HTTP.
type Server struct {
	mon   *intersection.Monitor
	store HistoryStore
	site  *config.SiteConfig
	clock timeutil.Clock
}

// NewServer builds a Server. store may be nil, in which case the history
// endpoints answer 503.
func NewServer(mon *intersection.Monitor, store HistoryStore, site *config.SiteConfig, clock timeutil.Clock) *Server {
	if site == nil {
		site = config.EmptySiteConfig()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{mon: mon, store: store, site: site, clock: clock}
}

// ServeMux returns a mux with every public route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/lane_status", s.handleLaneStatus)
	mux.HandleFunc("/simulation_status", s.handleSimulationStatus)
	mux.HandleFunc("/simulation_override", s.handleSimulationOverride)
	mux.HandleFunc("/detections", s.handleDetections)
	mux.HandleFunc("/api/simulation", s.handleSimulationInfo)
	mux.HandleFunc("/api/lanes", s.handleLanes)
	mux.HandleFunc("/api/vehicles", s.handleVehicles)
	mux.HandleFunc("/api/signal", s.handleSignal)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/lane_stats", s.handleLaneStats)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/charts/lane_counts", s.handleLaneCountsChart)
	mux.HandleFunc("/charts/lane_counts.png", s.handleLaneCountsPNG)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// intParam reads a positive integer query parameter, falling back to def
// when absent. ok is false when the value is present but invalid or above
// max.
func intParam(r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 || v > max {
		return 0, false
	}
	return v, true
}
