package api

import (
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// residualsChart renders a quick scatter plot (HTML) of calibration
// reprojection residuals using go-echarts. This is a debugging-only
// endpoint to eyeball calibration quality without any UI build: each point
// is a calibration pair plotted at its camera pixel, sized by residual
// distance in millimetres.
func (s *Server) residualsChart(w http.ResponseWriter, r *http.Request) {
	residuals, err := s.projector.Validate()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("validation failed: %v", err))
		return
	}

	data := make([]opts.ScatterData, 0, len(residuals))
	for _, res := range residuals {
		size := 4 + int(res.Distance*10)
		if size > 40 {
			size = 40
		}
		data = append(data, opts.ScatterData{
			Value:      []interface{}{res.Camera.X, res.Camera.Y, res.Distance},
			SymbolSize: size,
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Calibration residuals",
			Subtitle: "camera-frame position, sized by reprojection error (mm)",
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "camera x (px)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "camera y (px)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	scatter.AddSeries("residuals", data)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := scatter.Render(w); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render failed: %v", err))
	}
}
