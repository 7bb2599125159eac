package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/laneflow/internal/detect"
	"github.com/banshee-data/laneflow/internal/httputil"
	"github.com/banshee-data/laneflow/internal/network"
	"github.com/banshee-data/laneflow/internal/tracking"
	"github.com/banshee-data/laneflow/internal/version"
)

const (
	defaultHistoryLimit = 100
	defaultStatsMinutes = 60
	maxStatsMinutes     = 7 * 24 * 60
)

func (s *Server) handleLaneStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.mon.LaneStatus())
}

// handleSimulationStatus ticks the simulation and returns, per intersection
// id, the lane list.
func (s *Server) handleSimulationStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	out := make(map[string][]network.LaneStatus)
	for _, st := range s.mon.SimulationStatus() {
		out[st.ID] = st.Lanes
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleSimulationInfo(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.mon.SimulationInfo())
}

func (s *Server) handleSimulationOverride(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodPost) {
		return
	}
	body, ok := httputil.ReadBody(w, r, maxBodyBytes)
	if !ok {
		return
	}
	o, err := network.ParseOverride(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	applied, err := s.mon.ApplyOverride(o)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"success": true, "applied": applied})
}

// handleDetections accepts one frame, either {"detections": [...]} or a
// bare array of detections, and returns the resulting lane counts.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodPost) {
		return
	}
	body, ok := httputil.ReadBody(w, r, maxBodyBytes)
	if !ok {
		return
	}
	dets, err := decodeDetections(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	counts := s.mon.ProcessDetections(r.Context(), dets)
	httputil.WriteJSONOK(w, map[string]any{"counts": counts})
}

func decodeDetections(body []byte) ([]detect.Detection, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var dets []detect.Detection
		if err := json.Unmarshal(body, &dets); err != nil {
			return nil, fmt.Errorf("invalid detections: %w", err)
		}
		return dets, nil
	}
	var f detect.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return f.Detections, nil
}

func (s *Server) handleLanes(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(s.mon.Lanes().FeatureCollection()); err != nil {
		httputil.InternalServerError(w, "failed to encode lanes")
	}
}

type vehicleView struct {
	ID          int64              `json:"id"`
	X           int                `json:"x"`
	Y           int                `json:"y"`
	Lane        string             `json:"lane"`
	Direction   tracking.Direction `json:"direction"`
	NextLane    string             `json:"next_lane,omitempty"`
	LastUpdate  time.Time          `json:"last_update"`
	RecentLanes []string           `json:"recent_lanes,omitempty"`
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	out := lo.Map(s.mon.Vehicles(), func(v tracking.Vehicle, _ int) vehicleView {
		return vehicleView{
			ID: v.ID, X: v.X, Y: v.Y,
			Lane: v.Lane, Direction: v.Direction, NextLane: v.NextLane,
			LastUpdate: v.LastUpdate, RecentLanes: v.RecentLanes(),
		}
	})
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.mon.SignalState())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "history is not recorded")
		return
	}
	limit, ok := intParam(r, "limit", defaultHistoryLimit, 1000)
	if !ok {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	rows, err := s.store.RecentLaneSnapshots(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve history: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) handleLaneStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "history is not recorded")
		return
	}
	minutes, ok := intParam(r, "minutes", defaultStatsMinutes, maxStatsMinutes)
	if !ok {
		httputil.BadRequest(w, "invalid 'minutes' parameter")
		return
	}
	since := s.clock.Now().Add(-time.Duration(minutes) * time.Minute)
	stats, err := s.store.LaneCountStats(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to compute lane stats: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"minutes": minutes, "lanes": stats})
}

// handleConfig reports the effective settings after defaults.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	c := s.site
	httputil.WriteJSONOK(w, map[string]any{
		"lanes":               s.mon.Lanes().IDs(),
		"match_distance":      c.GetMatchDistance(),
		"direction_noise":     c.GetDirectionNoise(),
		"anti_bounce_window":  c.GetAntiBounceWindow(),
		"stale_timeout":       c.GetStaleTimeout().String(),
		"empty_timeout":       c.GetEmptyTimeout().String(),
		"vehicle_classes":     c.GetVehicleClasses(),
		"green_time":          c.GetGreenTime().String(),
		"yellow_time":         c.GetYellowTime().String(),
		"count_switch_delta":  c.GetCountSwitchDelta(),
		"fixed_cycle":         c.GetFixedCycle(),
		"pairing_enabled":     c.GetPairingEnabled(),
		"lane_pairs":          c.GetLanePairs(),
		"tick_interval":       c.GetTickInterval().String(),
		"handoff_ratio":       c.GetHandoffRatio(),
		"min_handoff":         c.GetMinHandoff(),
		"mirror_intersection": c.GetMirrorIntersection(),
		"record_interval":     c.GetRecordInterval().String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"run_id":     s.mon.RunID(),
	})
}
