package pyplot

import (
	"sort"
	"strconv"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
)

func formatX(x float64) string { return strconv.FormatFloat(x, 'g', -1, 64) }

func sortXY(xs, ys []float64) {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return xs[idx[i]] < xs[idx[j]] })
	sx := make([]float64, len(xs))
	sy := make([]float64, len(ys))
	for i, p := range idx {
		sx[i], sy[i] = xs[p], ys[p]
	}
	copy(xs, sx)
	copy(ys, sy)
}

func unsupportedKind(kind string) error {
	return exc.New(exc.NotImplementedError, "plot kind '%s' is not supported; use bar, barh, line, scatter, pie or hist", kind)
}

// decorate applies the common pandas .plot() keywords.
func (c *Canvas) decorate(a call) error {
	if err := c.applySize(a); err != nil {
		return err
	}
	for key, set := range map[string]func(string){
		"title":  c.fig.SetTitle,
		"xlabel": c.fig.SetXLabel,
		"ylabel": c.fig.SetYLabel,
	} {
		s, err := a.str(-1, key, "")
		if err != nil {
			return err
		}
		if s != "" {
			set(s)
		}
	}
	if rot, err := a.float("rot", 0); err == nil && rot != 0 {
		c.fig.SetXTicks(nil, true)
	}
	if a.truthy("legend", false) {
		c.fig.ShowLegend()
	}
	if a.truthy("grid", false) {
		c.fig.ShowGrid(true)
	}
	return nil
}

// PlotSeries implements Series.plot.
func (c *Canvas) PlotSeries(_ *starlark.Thread, s *frame.Series, kind string, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall("plot", nil, kwargs)
	ys, err := s.Floats()
	if err != nil {
		return nil, err
	}
	ps := plot.Series{Name: s.Name(), Y: ys}
	switch kind {
	case "bar":
		ps.Kind, ps.Labels = plot.Bar, s.Labels()
	case "barh":
		ps.Kind, ps.Labels = plot.BarH, s.Labels()
	case "pie":
		ps.Kind, ps.Labels = plot.Pie, s.Labels()
	case "line", "area":
		ps.Kind = plot.Line
		if xs, ok := s.IndexFloats(); ok {
			ps.X = xs
		} else {
			ps.Labels = s.Labels()
		}
	case "hist":
		bins, err := a.int("bins", 10)
		if err != nil {
			return nil, err
		}
		ps.Kind, ps.Y, ps.Bins = plot.Hist, finite(ys), bins
	default:
		return nil, unsupportedKind(kind)
	}
	if err := c.add(ps); err != nil {
		return nil, err
	}
	if err := c.decorate(a); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

// PlotFrame implements DataFrame.plot.
func (c *Canvas) PlotFrame(_ *starlark.Thread, df *frame.DataFrame, kind string, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall("plot", nil, kwargs)
	xName, err := a.str(-1, "x", "")
	if err != nil {
		return nil, err
	}
	var yNames []string
	if y := a.arg(-1, "y"); y != nil {
		if s, ok := starlark.AsString(y); ok {
			yNames = []string{s}
		} else if yNames, err = frame.Labels(y); err != nil {
			return nil, err
		}
	} else {
		for _, name := range df.Columns() {
			if col, _ := df.Column(name); name != xName && col.Numeric() {
				yNames = append(yNames, name)
			}
		}
	}
	if len(yNames) == 0 {
		return nil, exc.New(exc.TypeError, "no numeric data to plot")
	}

	var xs []float64
	var labels []string
	if xName != "" {
		xcol, ok := df.Column(xName)
		if !ok {
			return nil, exc.New(exc.KeyError, "'%s'", xName)
		}
		if xcol.Numeric() && kind != "bar" && kind != "barh" && kind != "pie" {
			xs, _ = xcol.Floats()
		} else {
			labels = xcol.Strings()
		}
	} else {
		labels = df.IndexLabels()
	}

	cols := make([][]float64, len(yNames))
	for i, name := range yNames {
		col, ok := df.Column(name)
		if !ok {
			return nil, exc.New(exc.KeyError, "'%s'", name)
		}
		if cols[i], err = col.Floats(); err != nil {
			return nil, err
		}
	}

	var series []plot.Series
	switch kind {
	case "bar", "barh", "pie":
		k := map[string]plot.Kind{"bar": plot.Bar, "barh": plot.BarH, "pie": plot.Pie}[kind]
		if labels == nil {
			labels = make([]string, len(xs))
			for i, x := range xs {
				labels[i] = formatX(x)
			}
		}
		series = append(series, plot.Series{Kind: k, Name: yNames[0], Labels: labels, Y: cols[0]})
	case "line", "scatter", "area":
		k := plot.Line
		if kind == "scatter" {
			k = plot.Scatter
			if xName == "" {
				return nil, exc.New(exc.ValueError, "scatter requires an x and y column")
			}
		}
		for i, name := range yNames {
			series = append(series, plot.Series{Kind: k, Name: name, X: xs, Labels: labels, Y: cols[i]})
		}
	case "hist":
		bins, err := a.int("bins", 10)
		if err != nil {
			return nil, err
		}
		series = append(series, plot.Series{Kind: plot.Hist, Name: yNames[0], Y: finite(cols[0]), Bins: bins})
	default:
		return nil, unsupportedKind(kind)
	}
	for _, s := range series {
		if err := c.add(s); err != nil {
			return nil, err
		}
	}
	if len(series) > 1 {
		c.fig.ShowLegend()
	}
	if err := c.decorate(a); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}
