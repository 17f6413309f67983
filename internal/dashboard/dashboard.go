// Package dashboard serves a debug-only HTTP surface of line and bar
// charts for diagnosing the brain/recorder/timeline pipeline. It is
// never enabled by default and never renders a map: it plots scalar
// time series and item durations only.
package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/locomotion-timeline/internal/brain"
	"github.com/banshee-data/locomotion-timeline/internal/timeline"
	"github.com/banshee-data/locomotion-timeline/internal/units"
)

const assetsPrefix = "/debug/dashboard/assets/"

const maxHistoryPoints = 2000

// BrainPoint is one sample of ActivityBrain diagnostics, recorded each
// recorder tick.
type BrainPoint struct {
	Time        time.Time
	RadiusM     float64
	SpeedMPS    float64
	MovingState brain.MovingState
}

// History is a bounded ring buffer of recent BrainPoints. The zero
// value is ready to use.
type History struct {
	mu     sync.Mutex
	points []BrainPoint
}

// NewHistory constructs an empty History.
func NewHistory() *History {
	return &History{}
}

// Record appends a point, dropping the oldest once the buffer is full.
func (h *History) Record(p BrainPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
	if len(h.points) > maxHistoryPoints {
		h.points = h.points[len(h.points)-maxHistoryPoints:]
	}
}

// Recent returns a copy of up to n most recent points, oldest first.
func (h *History) Recent(n int) []BrainPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.points) {
		n = len(h.points)
	}
	out := make([]BrainPoint, n)
	copy(out, h.points[len(h.points)-n:])
	return out
}

// ItemReader is the read-only slice of timeline.Store the dashboard
// needs to render a gantt-style chart.
type ItemReader interface {
	ItemsInRange(ctx context.Context, start, end time.Time, source string) ([]*timeline.Item, error)
}

// Server renders dashboard routes against a brain History and a
// timeline store.
type Server struct {
	history    *History
	store      ItemReader
	source     string
	speedUnits string
}

// NewServer constructs a dashboard Server. source restricts the
// timeline chart to one recording source; pass "" for all sources.
// Speed is rendered in km/h by default; use WithSpeedUnits to change it.
func NewServer(history *History, store ItemReader, source string) *Server {
	return &Server{history: history, store: store, source: source, speedUnits: units.KMPH}
}

// WithSpeedUnits sets the unit the brain chart renders speed in (one of
// units.MPS, units.MPH, units.KMPH, units.KPH). Unrecognised values are
// ignored and the previous setting is kept.
func (s *Server) WithSpeedUnits(u string) *Server {
	if units.IsValid(u) {
		s.speedUnits = u
	}
	return s
}

// AttachRoutes registers the dashboard's debug HTTP handlers on mux.
// Callers are responsible for gating this behind whatever
// authentication/network restriction they use for other debug routes
// (e.g. Tailscale-only, as the rest of this codebase's admin routes
// are).
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/dashboard", s.handleIndex)
	mux.HandleFunc("/debug/dashboard/brain-chart", s.handleBrainChart)
	mux.HandleFunc("/debug/dashboard/timeline-chart", s.handleTimelineChart)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html><html><body>
<h1>locomotion-timeline diagnostics</h1>
<ul>
<li><a href="/debug/dashboard/brain-chart">brain radius/speed/movingState</a></li>
<li><a href="/debug/dashboard/timeline-chart">timeline items</a></li>
</ul>
</body></html>`)
}

// handleBrainChart renders recent ActivityBrain radius/speed as a
// dual-series line chart.
func (s *Server) handleBrainChart(w http.ResponseWriter, r *http.Request) {
	points := s.history.Recent(maxHistoryPoints)

	x := make([]string, len(points))
	radius := make([]opts.LineData, len(points))
	speed := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = p.Time.Format("15:04:05")
		radius[i] = opts.LineData{Value: p.RadiusM}
		speed[i] = opts.LineData{Value: units.ConvertSpeed(p.SpeedMPS, s.speedUnits)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: assetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "ActivityBrain radius / speed"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(x).
		AddSeries("radius (m)", radius).
		AddSeries(fmt.Sprintf("speed (%s)", s.speedUnits), speed)

	s.renderPage(w, line)
}

// handleTimelineChart renders recent timeline items as a bar chart with
// one bar per item, labelled by item id and kind and ordered by start
// time; bar length is item duration in minutes. This is a gantt-style
// approximation: go-echarts has no first-class gantt series, so
// duration is rendered as bar length against a category axis of items
// rather than a true timeline track.
func (s *Server) handleTimelineChart(w http.ResponseWriter, r *http.Request) {
	end := time.Now()
	start := end.Add(-24 * time.Hour)

	items, err := s.store.ItemsInRange(r.Context(), start, end, s.source)
	if err != nil {
		http.Error(w, fmt.Sprintf("loading items: %v", err), http.StatusInternalServerError)
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartDate().Before(items[j].StartDate()) })

	labels := make([]string, len(items))
	durations := make([]opts.BarData, len(items))
	for i, it := range items {
		labels[i] = fmt.Sprintf("%s [%s]", it.ID, it.Kind)
		durations[i] = opts.BarData{Value: it.Duration(end).Minutes()}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: assetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Timeline items (last 24h)", Subtitle: "duration, minutes"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("duration (min)", durations,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	s.renderPage(w, bar)
}

func (s *Server) renderPage(w http.ResponseWriter, c components.Charter) {
	page := components.NewPage()
	page.SetAssetsHost(assetsPrefix)
	page.AddCharts(c)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
