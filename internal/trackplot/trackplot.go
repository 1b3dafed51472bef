// Package trackplot draws the dead-reckoning track stored in the report
// database.
package trackplot

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/dvl.link/internal/db"
)

var (
	trackColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	startColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	endColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// ErrNoPoses is returned when there is nothing to plot.
var ErrNoPoses = fmt.Errorf("trackplot: no poses to plot")

// Track builds an X/Y plot of poses. Rows are expected newest first, as
// returned by db.RecentPoses.
func Track(rows []db.PoseRow, title string) (*plot.Plot, error) {
	if len(rows) == 0 {
		return nil, ErrNoPoses
	}

	pts := make(plotter.XYs, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		pts = append(pts, plotter.XY{X: rows[i].Position.X, Y: rows[i].Position.Y})
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = trackColor
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("track", line)

	for _, m := range []struct {
		label string
		xy    plotter.XY
		c     color.Color
	}{
		{"start", pts[0], startColor},
		{"end", pts[len(pts)-1], endColor},
	} {
		s, err := plotter.NewScatter(plotter.XYs{m.xy})
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = m.c
		s.GlyphStyle.Radius = vg.Points(4)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(m.label, s)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// SavePNG writes the track to path. The file extension selects the format.
func SavePNG(rows []db.PoseRow, title, path string) error {
	p, err := Track(rows, title)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save track plot: %w", err)
	}
	return nil
}
