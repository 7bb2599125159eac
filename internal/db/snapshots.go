package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/laneflow/internal/intersection"
)

// MaxHistoryLimit caps RecentLaneSnapshots.
const MaxHistoryLimit = 1000

// LaneSnapshot is one persisted lane row.
type LaneSnapshot struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Lane       string    `json:"lane"`
	Direction  string    `json:"direction"`
	Signal     string    `json:"signal"`
	Count      int       `json:"count"`
	Occupied   bool      `json:"occupied"`
	Phase      string    `json:"phase"`
	ActiveLane string    `json:"active_lane"`
}

// RecordSnapshot writes one row per lane and one per simulated lane in a
// single transaction. It implements intersection.Sink.
func (db *DB) RecordSnapshot(ctx context.Context, s intersection.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	at := s.At.UnixMilli()
	for _, l := range s.Lanes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lane_snapshots (
				run_id, recorded_unix_ms, lane_id, direction, signal,
				vehicle_count, occupied, phase, active_lane
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.RunID, at, l.Lane, l.Direction, string(l.Signal),
			l.Count, l.Occupied, string(s.Signal.Phase), s.Signal.ActiveLane,
		); err != nil {
			return fmt.Errorf("failed to insert lane snapshot: %w", err)
		}
	}
	for _, in := range s.Network {
		for _, l := range in.Lanes {
			var outgoing sql.NullString
			if l.OutgoingTo != nil {
				outgoing = sql.NullString{String: *l.OutgoingTo, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sim_snapshots (
					run_id, recorded_unix_ms, intersection_id, lane_id,
					vehicle_count, mirror, outgoing_to
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				s.RunID, at, in.ID, l.Lane, l.Count, in.Mirror, outgoing,
			); err != nil {
				return fmt.Errorf("failed to insert sim snapshot: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// RecentLaneSnapshots returns up to limit lane rows, newest first. limit is
// clamped to [1, MaxHistoryLimit].
func (db *DB) RecentLaneSnapshots(ctx context.Context, limit int) ([]LaneSnapshot, error) {
	limit = min(max(limit, 1), MaxHistoryLimit)
	rows, err := db.QueryContext(ctx, `
		SELECT snapshot_id, run_id, recorded_unix_ms, lane_id, direction, signal,
			vehicle_count, occupied, phase, active_lane
		FROM lane_snapshots
		ORDER BY recorded_unix_ms DESC, snapshot_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lane snapshots: %w", err)
	}
	defer rows.Close()

	var out []LaneSnapshot
	for rows.Next() {
		var s LaneSnapshot
		var ms int64
		if err := rows.Scan(&s.ID, &s.RunID, &ms, &s.Lane, &s.Direction, &s.Signal,
			&s.Count, &s.Occupied, &s.Phase, &s.ActiveLane); err != nil {
			return nil, fmt.Errorf("failed to scan lane snapshot: %w", err)
		}
		s.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// SeriesPoint is one sample of a lane count.
type SeriesPoint struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// LaneCountSeries returns every lane's counts recorded at or after since,
// oldest first, and the lanes in first-seen order.
func (db *DB) LaneCountSeries(ctx context.Context, since time.Time) ([]string, map[string][]SeriesPoint, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT lane_id, recorded_unix_ms, vehicle_count
		FROM lane_snapshots
		WHERE recorded_unix_ms >= ?
		ORDER BY recorded_unix_ms ASC, snapshot_id ASC`, since.UnixMilli())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query lane series: %w", err)
	}
	defer rows.Close()

	var order []string
	series := make(map[string][]SeriesPoint)
	for rows.Next() {
		var lane string
		var ms int64
		var n int
		if err := rows.Scan(&lane, &ms, &n); err != nil {
			return nil, nil, fmt.Errorf("failed to scan lane series: %w", err)
		}
		if _, seen := series[lane]; !seen {
			order = append(order, lane)
		}
		series[lane] = append(series[lane], SeriesPoint{At: time.UnixMilli(ms).UTC(), Count: n})
	}
	return order, series, rows.Err()
}

// PruneBefore deletes snapshots recorded before cutoff and returns the
// number of rows removed.
func (db *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"lane_snapshots", "sim_snapshots"} {
		res, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE recorded_unix_ms < ?", cutoff.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
