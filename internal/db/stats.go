package db

import (
	"context"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LaneStats summarises one lane's recorded counts.
type LaneStats struct {
	Lane    string  `json:"lane"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Max     int     `json:"max"`
	// GreenShare is the fraction of samples in which the lane showed green.
	GreenShare float64 `json:"green_share"`
}

// LaneCountStats computes per-lane statistics over snapshots recorded at or
// after since. Lanes are returned in first-seen order.
func (db *DB) LaneCountStats(ctx context.Context, since time.Time) ([]LaneStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT lane_id, vehicle_count, signal
		FROM lane_snapshots
		WHERE recorded_unix_ms >= ?
		ORDER BY recorded_unix_ms ASC, snapshot_id ASC`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var order []string
	counts := make(map[string][]float64)
	greens := make(map[string]int)
	for rows.Next() {
		var lane, signal string
		var n int
		if err := rows.Scan(&lane, &n, &signal); err != nil {
			return nil, err
		}
		if _, seen := counts[lane]; !seen {
			order = append(order, lane)
		}
		counts[lane] = append(counts[lane], float64(n))
		if signal == "green" {
			greens[lane]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]LaneStats, 0, len(order))
	for _, lane := range order {
		out = append(out, summarise(lane, counts[lane], greens[lane]))
	}
	return out, nil
}

func summarise(lane string, xs []float64, greens int) LaneStats {
	s := LaneStats{Lane: lane, Samples: len(xs)}
	if len(xs) == 0 {
		return s
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		s.StdDev = 0
	}
	s.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	s.Max = int(sorted[len(sorted)-1])
	s.GreenShare = float64(greens) / float64(len(xs))
	return s
}
