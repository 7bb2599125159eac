package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/laneflow/internal/db"
	"github.com/banshee-data/laneflow/internal/httputil"
)

// laneSeries loads recorded per-lane counts for the ?minutes= window.
func (s *Server) laneSeries(w http.ResponseWriter, r *http.Request) ([]string, map[string][]db.SeriesPoint, int, bool) {
	if !httputil.AllowMethod(w, r, http.MethodGet) {
		return nil, nil, 0, false
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "history is not recorded")
		return nil, nil, 0, false
	}
	minutes, ok := intParam(r, "minutes", defaultStatsMinutes, maxStatsMinutes)
	if !ok {
		httputil.BadRequest(w, "invalid 'minutes' parameter")
		return nil, nil, 0, false
	}
	since := s.clock.Now().Add(-time.Duration(minutes) * time.Minute)
	order, series, err := s.store.LaneCountSeries(r.Context(), since)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load lane series: %v", err))
		return nil, nil, 0, false
	}
	return order, series, minutes, true
}

// handleLaneCountsChart renders recorded lane counts as an interactive line
// chart.
func (s *Server) handleLaneCountsChart(w http.ResponseWriter, r *http.Request) {
	order, series, minutes, ok := s.laneSeries(w, r)
	if !ok {
		return
	}

	// Every lane is recorded in the same snapshot, but a lane added to the
	// map mid-run has no earlier points, so align on the union of times.
	stamps := make(map[time.Time]struct{})
	for _, pts := range series {
		for _, p := range pts {
			stamps[p.At] = struct{}{}
		}
	}
	times := make([]time.Time, 0, len(stamps))
	for t := range stamps {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	labels := make([]string, len(times))
	for i, t := range times {
		labels[i] = t.Local().Format("15:04:05")
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lane Counts", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Vehicles per lane", Subtitle: fmt.Sprintf("last %d minutes, %d samples", minutes, len(times))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "vehicles", Min: 0}),
	)
	line.SetXAxis(labels)
	for _, lane := range order {
		at := make(map[time.Time]int, len(series[lane]))
		for _, p := range series[lane] {
			at[p.At] = p.Count
		}
		data := make([]opts.LineData, len(times))
		for i, t := range times {
			if c, ok := at[t]; ok {
				data[i] = opts.LineData{Value: c}
			} else {
				data[i] = opts.LineData{Value: "-"}
			}
		}
		line.AddSeries(lane, data, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleLaneCountsPNG renders the same series as a static image, x in
// minutes from the first sample.
func (s *Server) handleLaneCountsPNG(w http.ResponseWriter, r *http.Request) {
	order, series, minutes, ok := s.laneSeries(w, r)
	if !ok {
		return
	}
	var first time.Time
	for _, pts := range series {
		if len(pts) > 0 && (first.IsZero() || pts[0].At.Before(first)) {
			first = pts[0].At
		}
	}
	if first.IsZero() {
		httputil.NotFound(w, "no recorded lane counts in window")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Vehicles per lane (last %d min)", minutes)
	p.X.Label.Text = "Minutes"
	p.Y.Label.Text = "Vehicles"
	p.Y.Min = 0

	for i, lane := range order {
		if len(series[lane]) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(series[lane]))
		for j, sp := range series[lane] {
			pts[j] = plotter.XY{X: sp.At.Sub(first).Minutes(), Y: float64(sp.Count)}
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		l.Color = plotutil.Color(i)
		l.Width = vg.Points(1)
		p.Add(l)
		p.Legend.Add(lane, l)
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
