package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

const (
	defaultSignalWindow = time.Hour
	maxSignalSamples    = 5000
)

// SignalSummary describes recent RSSI readings for one beacon. The RSSI fields
// are zero when Samples is zero.
type SignalSummary struct {
	Identity   presence.Identity `json:"identity"`
	Window     string            `json:"window"`
	Samples    int               `json:"samples"`
	RSSIMean   float64           `json:"rssi_mean"`
	RSSIStdDev float64           `json:"rssi_stddev"`
	RSSIMedian float64           `json:"rssi_median"`
	RSSIMin    int               `json:"rssi_min"`
	RSSIMax    int               `json:"rssi_max"`
	Power      int               `json:"power"`
	Battery    *uint8            `json:"battery,omitempty"`
	LastSeen   *time.Time        `json:"last_seen,omitempty"`
}

// summarise computes RSSI statistics over sightings, which must be in
// ascending time order.
func summarise(id presence.Identity, window time.Duration, sightings []db.Sighting) SignalSummary {
	sum := SignalSummary{Identity: id, Window: window.String(), Samples: len(sightings)}
	if len(sightings) == 0 {
		return sum
	}

	rssi := make([]float64, len(sightings))
	sum.RSSIMin, sum.RSSIMax = sightings[0].RSSI, sightings[0].RSSI
	for i, s := range sightings {
		rssi[i] = float64(s.RSSI)
		sum.RSSIMin = min(sum.RSSIMin, s.RSSI)
		sum.RSSIMax = max(sum.RSSIMax, s.RSSI)
		if s.Battery != nil {
			sum.Battery = s.Battery
		}
	}

	sum.RSSIMean = stat.Mean(rssi, nil)
	if len(rssi) > 1 {
		sum.RSSIStdDev = stat.StdDev(rssi, nil)
	}
	sort.Float64s(rssi)
	sum.RSSIMedian = stat.Quantile(0.5, stat.Empirical, rssi, nil)

	last := sightings[len(sightings)-1]
	sum.Power = last.Power
	seen := last.SeenAt
	sum.LastSeen = &seen
	return sum
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	id, err := identityFromQuery(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	window, err := parseDuration(r.URL.Query().Get("window"), defaultSignalWindow)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'window' parameter: %v", err))
		return
	}

	sightings, err := s.db.RecentSightings(id, s.clock.Now().Add(-window), maxSignalSamples)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve sightings: %v", err))
		return
	}
	httputil.WriteJSONOK(w, summarise(id, window, sightings))
}

// handleRSSIChart renders an HTML line chart of RSSI for every registered
// beacon over the window.
func (s *Server) handleRSSIChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	window, err := parseDuration(r.URL.Query().Get("window"), defaultSignalWindow)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'window' parameter: %v", err))
		return
	}

	now := s.clock.Now()
	since := now.Add(-window)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Beacon RSSI", Theme: "dark", Width: "960px", Height: "540px"}),
		charts.WithTitleOpts(opts.Title{Title: "Beacon RSSI", Subtitle: fmt.Sprintf("window=%s until %s", window, now.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RSSI (dBm)", NameLocation: "middle", NameGap: 40}),
	)

	for _, b := range s.tracker.Beacons() {
		sightings, err := s.db.RecentSightings(b.Identity, since, maxSignalSamples)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve sightings: %v", err))
			return
		}
		data := make([]opts.LineData, 0, len(sightings))
		for _, sg := range sightings {
			data = append(data, opts.LineData{Value: []interface{}{sg.SeenAt.Format(time.RFC3339), sg.RSSI}})
		}
		line.AddSeries(fmt.Sprintf("%s %d/%d", b.Owner, b.Identity.Major, b.Identity.Minor), data,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
