package pyplot

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
)

// Seaborn returns the "sns" module. Plots go into the same figure as plt.
func (c *Canvas) Seaborn() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "seaborn",
		Members: members(map[string]builtinFn{
			"barplot":     c.barplot,
			"countplot":   c.countplot,
			"histplot":    c.histplot,
			"lineplot":    c.lineplot,
			"scatterplot": c.scatterplot,
			"set_theme":   noop,
			"set_style":   noop,
			"set_palette": noop,
			"set":         noop,
			"despine":     noop,
		}),
	}
}

// column resolves x="col" against data=, or passes a vector through.
func column(data, key starlark.Value) (starlark.Value, error) {
	if key == nil {
		return nil, nil
	}
	name, ok := starlark.AsString(key)
	if !ok {
		return key, nil
	}
	df, ok := data.(*frame.DataFrame)
	if !ok {
		return nil, exc.New(exc.ValueError, "could not interpret value '%s' without data=", name)
	}
	s, ok := df.Column(name)
	if !ok {
		return nil, exc.New(exc.ValueError, "could not interpret value '%s' for parameter; it is not a column of data", name)
	}
	return s, nil
}

func (c *Canvas) xy(a call) (x, y starlark.Value, err error) {
	data := a.arg(-1, "data")
	if x, err = column(data, a.arg(-1, "x")); err != nil {
		return nil, nil, err
	}
	if y, err = column(data, a.arg(-1, "y")); err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// groupMean aggregates ys by label in order of first appearance.
func groupMean(labels []string, ys []float64, useSum bool) ([]string, []float64) {
	slot := map[string]int{}
	var order []string
	var sums, counts []float64
	for i, l := range labels {
		if i >= len(ys) || ys[i] != ys[i] {
			continue
		}
		at, ok := slot[l]
		if !ok {
			at = len(order)
			slot[l] = at
			order = append(order, l)
			sums = append(sums, 0)
			counts = append(counts, 0)
		}
		sums[at] += ys[i]
		counts[at]++
	}
	if !useSum {
		for i := range sums {
			sums[i] /= counts[i]
		}
	}
	return order, sums
}

func isSumEstimator(v starlark.Value) bool {
	switch v := v.(type) {
	case starlark.String:
		return string(v) == "sum"
	case starlark.Callable:
		return v.Name() == "sum"
	}
	return false
}

func (c *Canvas) barplot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, y, err := c.xy(a)
	if err != nil {
		return nil, err
	}
	if x == nil || y == nil {
		return nil, exc.New(exc.TypeError, "barplot() needs both x and y")
	}
	kind := plot.Bar
	ys, err := frame.Floats(y)
	if err != nil {
		// Numeric x with categorical y draws horizontal bars.
		if xs, xerr := frame.Floats(x); xerr == nil {
			kind, ys, x = plot.BarH, xs, y
		} else {
			return nil, err
		}
	}
	labels, err := frame.Labels(x)
	if err != nil {
		return nil, err
	}
	labels, ys = groupMean(labels, ys, isSumEstimator(a.arg(-1, "estimator")))
	if err := c.add(plot.Series{Kind: kind, Labels: labels, Y: ys}); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

func (c *Canvas) countplot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, y, err := c.xy(a)
	if err != nil {
		return nil, err
	}
	kind := plot.Bar
	if x == nil {
		x, kind = y, plot.BarH
	}
	if x == nil {
		return nil, exc.New(exc.TypeError, "countplot() needs x or y")
	}
	labels, err := frame.Labels(x)
	if err != nil {
		return nil, err
	}
	ones := make([]float64, len(labels))
	for i := range ones {
		ones[i] = 1
	}
	labels, counts := groupMean(labels, ones, true)
	if err := c.add(plot.Series{Kind: kind, Labels: labels, Y: counts}); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

func (c *Canvas) histplot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, y, err := c.xy(a)
	if err != nil {
		return nil, err
	}
	if x == nil {
		x = y
	}
	if x == nil {
		if x = a.arg(0, ""); x == nil {
			return nil, exc.New(exc.TypeError, "histplot() needs x")
		}
	}
	bins, err := a.int("bins", 10)
	if err != nil {
		return nil, err
	}
	vals, err := frame.Floats(x)
	if err != nil {
		return nil, err
	}
	if err := c.add(plot.Series{Kind: plot.Hist, Y: finite(vals), Bins: bins}); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

func (c *Canvas) lineplot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return c.xyplot(plot.Line, b, args, kwargs)
}

func (c *Canvas) scatterplot(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return c.xyplot(plot.Scatter, b, args, kwargs)
}

func (c *Canvas) xyplot(kind plot.Kind, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, y, err := c.xy(a)
	if err != nil {
		return nil, err
	}
	if x == nil || y == nil {
		return nil, exc.New(exc.TypeError, "%s() needs both x and y", b.Name())
	}
	ys, err := frame.Floats(y)
	if err != nil {
		return nil, err
	}
	xs, labels, err := xyValues(x)
	if err != nil {
		return nil, err
	}
	s := plot.Series{Kind: kind, Name: seriesName(a), X: xs, Labels: labels, Y: ys}
	if kind == plot.Line {
		s = meanByX(s)
	}
	if err := c.add(s); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

// meanByX averages repeated x values and sorts numeric x, as seaborn does
// for line plots.
func meanByX(s plot.Series) plot.Series {
	if s.Labels != nil {
		s.Labels, s.Y = groupMean(s.Labels, s.Y, false)
		return s
	}
	keys := make([]string, len(s.X))
	byKey := map[string]float64{}
	for i, x := range s.X {
		keys[i] = formatX(x)
		byKey[keys[i]] = x
	}
	order, ys := groupMean(keys, s.Y, false)
	xs := make([]float64, len(order))
	for i, k := range order {
		xs[i] = byKey[k]
	}
	sortXY(xs, ys)
	s.X, s.Y = xs, ys
	return s
}
