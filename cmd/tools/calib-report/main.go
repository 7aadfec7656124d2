// Command calib-report fits the camera-to-robot homography from a cell
// config and reports calibration quality: a per-point residual table on
// stdout plus a scatter plot of the robot-plane fit saved as PNG.
//
// Usage:
//
//	go run ./cmd/tools/calib-report -config config/cell.defaults.json -out calib.png
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/marigold-robotics/sortcell/internal/config"
	"github.com/marigold-robotics/sortcell/internal/vision"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to cell config JSON")
	outFile    = flag.String("out", "calib-residuals.png", "Output PNG path for the residual scatter plot")
	warnMM     = flag.Float64("warn", 5.0, "Residual (mm) above which a point is flagged")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadCellConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lens, err := cfg.LoadLens()
	if err != nil {
		log.Fatalf("Failed to load lens calibration: %v", err)
	}

	frameW, frameH := cfg.GetFrameSize()
	projector, err := vision.NewProjector(cfg.GetCalibration(), lens, cfg.GetEnvelope(), frameW, frameH)
	if err != nil {
		log.Fatalf("Failed to fit calibration: %v", err)
	}

	residuals, err := projector.Validate()
	if err != nil {
		log.Fatalf("Failed to validate calibration: %v", err)
	}

	printTable(residuals, *warnMM)

	if err := renderScatter(residuals, *outFile); err != nil {
		log.Fatalf("Failed to render plot: %v", err)
	}
	fmt.Printf("\nwrote %s\n", *outFile)

	if vision.MaxResidual(residuals) > *warnMM {
		os.Exit(1)
	}
}

func printTable(residuals []vision.Residual, warnMM float64) {
	fmt.Printf("%-4s %-18s %-22s %-22s %s\n", "#", "camera (px)", "expected (mm)", "projected (mm)", "residual (mm)")
	for i, r := range residuals {
		mark := ""
		if r.Distance > warnMM {
			mark = "  <-- over threshold"
		}
		fmt.Printf("%-4d %-18s %-22s %-22s %8.3f%s\n",
			i,
			fmt.Sprintf("(%.0f, %.0f)", r.Camera.X, r.Camera.Y),
			fmt.Sprintf("(%.1f, %.1f)", r.Expected.X, r.Expected.Y),
			fmt.Sprintf("(%.1f, %.1f)", r.Projected.X, r.Projected.Y),
			r.Distance, mark)
	}
	fmt.Printf("\npoints: %d  max residual: %.3fmm\n", len(residuals), vision.MaxResidual(residuals))
}

// renderScatter plots expected and projected robot-plane positions on the
// same axes so fit errors are visible as offsets between paired markers.
func renderScatter(residuals []vision.Residual, outFile string) error {
	p := plot.New()
	p.Title.Text = "Calibration fit (robot plane)"
	p.X.Label.Text = "robot x (mm)"
	p.Y.Label.Text = "robot y (mm)"

	expected := make(plotter.XYs, 0, len(residuals))
	projected := make(plotter.XYs, 0, len(residuals))
	for _, r := range residuals {
		expected = append(expected, plotter.XY{X: r.Expected.X, Y: r.Expected.Y})
		projected = append(projected, plotter.XY{X: r.Projected.X, Y: r.Projected.Y})
	}

	expScatter, err := plotter.NewScatter(expected)
	if err != nil {
		return fmt.Errorf("expected series: %w", err)
	}
	expScatter.GlyphStyle.Color = color.RGBA{B: 200, A: 255}
	expScatter.GlyphStyle.Radius = vg.Points(4)

	projScatter, err := plotter.NewScatter(projected)
	if err != nil {
		return fmt.Errorf("projected series: %w", err)
	}
	projScatter.GlyphStyle.Color = color.RGBA{R: 200, A: 255}
	projScatter.GlyphStyle.Radius = vg.Points(2)

	p.Add(expScatter, projScatter)
	p.Legend.Add("measured", expScatter)
	p.Legend.Add("projected", projScatter)
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, outFile); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
