package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/dvl.link/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// velocityChart renders speed and altitude from the stored velocity reports.
func (s *Server) velocityChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "report database disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 500, maxReportLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	rows, err := s.store.RecentVelocity(limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve velocity reports: "+err.Error())
		return
	}

	// rows are newest first
	x := make([]string, 0, len(rows))
	speed := make([]opts.LineData, 0, len(rows))
	altitude := make([]opts.LineData, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		x = append(x, row.Time.Format("15:04:05.000"))
		if row.VelocityValid {
			speed = append(speed, opts.LineData{Value: row.Speed})
		} else {
			speed = append(speed, opts.LineData{Value: "-"})
		}
		altitude = append(altitude, opts.LineData{Value: row.Altitude})
	}

	subtitle := "no reports"
	if len(rows) > 0 {
		subtitle = fmt.Sprintf("frame=%s reports=%d", rows[0].FrameID, len(rows))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "DVL Velocity", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "DVL Speed and Altitude", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m/s | m", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).
		AddSeries("speed (m/s)", speed).
		AddSeries("altitude (m)", altitude)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
