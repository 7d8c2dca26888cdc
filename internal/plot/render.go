package plot

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"strconv"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// palette follows matplotlib's default color cycle.
var palette = []drawing.Color{
	drawing.ColorFromHex("1f77b4"),
	drawing.ColorFromHex("ff7f0e"),
	drawing.ColorFromHex("2ca02c"),
	drawing.ColorFromHex("d62728"),
	drawing.ColorFromHex("9467bd"),
	drawing.ColorFromHex("8c564b"),
	drawing.ColorFromHex("e377c2"),
	drawing.ColorFromHex("7f7f7f"),
	drawing.ColorFromHex("bcbd22"),
	drawing.ColorFromHex("17becf"),
}

// Render writes the figure as PNG. Pie and bar-like series take over the
// whole canvas (first one wins); line and scatter series share axes.
func (f *Figure) Render(w io.Writer) error {
	f.mu.Lock()
	snapshot := f.st
	snapshot.series = append([]Series(nil), f.st.series...)
	f.mu.Unlock()

	if len(snapshot.series) == 0 {
		return blank(w, snapshot.width, snapshot.height)
	}

	for _, s := range snapshot.series {
		switch s.Kind {
		case Pie:
			return snapshot.renderPie(w, s)
		case Bar, BarH:
			return snapshot.renderBars(w, s.Labels, s.Y)
		case Hist:
			labels, counts := histogram(s.Y, s.Bins)
			return snapshot.renderBars(w, labels, counts)
		}
	}
	return snapshot.renderXY(w)
}

func (f state) renderPie(w io.Writer, s Series) error {
	values := make([]chart.Value, 0, len(s.Y))
	for i, v := range s.Y {
		if v <= 0 {
			continue
		}
		values = append(values, chart.Value{
			Label: s.Labels[i],
			Value: v,
			Style: chart.Style{FillColor: palette[i%len(palette)], StrokeColor: drawing.ColorWhite},
		})
	}
	if len(values) == 0 {
		return fmt.Errorf("pie requires at least one positive value")
	}
	pie := chart.PieChart{
		Title:  f.title,
		Width:  f.width,
		Height: f.height,
		Values: values,
	}
	if err := pie.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render pie chart: %w", err)
	}
	return nil
}

func (f state) renderBars(w io.Writer, labels []string, ys []float64) error {
	if len(f.xticks) == len(labels) {
		labels = f.xticks
	}
	bars := make([]chart.Value, len(ys))
	for i, v := range ys {
		bars[i] = chart.Value{
			Label: labels[i],
			Value: v,
			Style: chart.Style{FillColor: palette[0], StrokeColor: palette[0]},
		}
	}

	barWidth := 0
	if n := len(bars); n > 0 {
		barWidth = (f.width - 120) / (n * 2)
		if barWidth < 4 {
			barWidth = 4
		}
		if barWidth > 60 {
			barWidth = 60
		}
	}

	bc := chart.BarChart{
		Title:    f.title,
		Width:    f.width,
		Height:   f.height,
		BarWidth: barWidth,
		Bars:     bars,
		XAxis:    chart.Style{TextRotationDegrees: f.rotation()},
		YAxis:    chart.YAxis{Name: f.ylabel},
	}
	if allZero(ys) {
		bc.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: 1}
	}
	if err := bc.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render bar chart: %w", err)
	}
	return nil
}

func (f state) renderXY(w io.Writer) error {
	var series []chart.Series
	var ticks []chart.Tick
	var xs, ys []float64

	for i, s := range f.series {
		x := s.X
		if len(s.Labels) > 0 {
			x = make([]float64, len(s.Labels))
			for j := range s.Labels {
				x[j] = float64(j)
			}
			if ticks == nil {
				labels := s.Labels
				if len(f.xticks) == len(labels) {
					labels = f.xticks
				}
				for j, l := range labels {
					ticks = append(ticks, chart.Tick{Value: float64(j), Label: l})
				}
			}
		}
		style := chart.Style{StrokeColor: palette[i%len(palette)], StrokeWidth: 2}
		if s.Kind == Scatter {
			style = chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    palette[i%len(palette)],
			}
		}
		series = append(series, chart.ContinuousSeries{
			Name:    s.Name,
			Style:   style,
			XValues: x,
			YValues: s.Y,
		})
		xs = append(xs, x...)
		ys = append(ys, s.Y...)
	}

	graph := chart.Chart{
		Title:  f.title,
		Width:  f.width,
		Height: f.height,
		XAxis: chart.XAxis{
			Name:  f.xlabel,
			Ticks: ticks,
			Style: chart.Style{TextRotationDegrees: f.rotation()},
			Range: paddedRange(xs),
		},
		YAxis: chart.YAxis{
			Name:  f.ylabel,
			Range: paddedRange(ys),
		},
		Series: series,
	}
	if f.grid {
		graph.XAxis.GridMajorStyle = chart.Style{StrokeColor: drawing.ColorFromHex("dddddd"), StrokeWidth: 1}
		graph.YAxis.GridMajorStyle = chart.Style{StrokeColor: drawing.ColorFromHex("dddddd"), StrokeWidth: 1}
	}
	if f.legend {
		graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	}
	if err := graph.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func (f state) rotation() float64 {
	if f.rotated {
		return 45
	}
	return 0
}

// paddedRange widens degenerate ranges, which go-chart refuses to draw.
func paddedRange(vals []float64) chart.Range {
	if len(vals) == 0 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return &chart.ContinuousRange{Min: 0, Max: 1}
	}
	if lo == hi {
		return &chart.ContinuousRange{Min: lo - 1, Max: hi + 1}
	}
	return nil
}

// histogram buckets values into bins (default 10) of equal width.
func histogram(vals []float64, bins int) ([]string, []float64) {
	if bins <= 0 {
		bins = 10
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	clean := vals[:0:0]
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		clean = append(clean, v)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if len(clean) == 0 {
		return []string{"empty"}, []float64{0}
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / float64(bins)
	counts := make([]float64, bins)
	for _, v := range clean {
		i := int((v - lo) / width)
		if i >= bins {
			i = bins - 1
		}
		counts[i]++
	}
	labels := make([]string, bins)
	for i := range labels {
		labels[i] = strconv.FormatFloat(lo+width*float64(i), 'g', 4, 64)
	}
	return labels, counts
}

func allZero(vals []float64) bool {
	for _, v := range vals {
		if v != 0 {
			return false
		}
	}
	return true
}

// blank writes an empty white canvas, like saving a figure with no axes.
func blank(w io.Writer, width, height int) error {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode blank figure: %w", err)
	}
	return nil
}
