package display

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/colorcam/plate.report/internal/spectral"
)

// RenderSpectrumPNG writes a bar chart of one reading's per-channel values
// as a PNG.
func RenderSpectrumPNG(w io.Writer, title string, values spectral.Vector) error {
	if len(values) != spectral.NumChannels {
		return fmt.Errorf("display: expected %d channels, got %d", spectral.NumChannels, len(values))
	}

	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "value"
	p.X.Label.Text = "channel"

	bars, err := plotter.NewBarChart(plotter.Values(values), vg.Points(18))
	if err != nil {
		return fmt.Errorf("display: build bar chart: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(spectral.Labels()...)

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("display: encode png: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("display: write png: %w", err)
	}
	return nil
}

// SpectrumChart builds an interactive bar chart of one reading for the
// dashboard.
func SpectrumChart(title, subtitle string, values spectral.Vector) *charts.Bar {
	data := make([]opts.BarData, len(values))
	for i, v := range values {
		data[i] = opts.BarData{Value: v}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
	)
	bar.SetXAxis(spectral.Labels()).AddSeries("channels", data)
	return bar
}
