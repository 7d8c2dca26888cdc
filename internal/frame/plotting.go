package frame

import (
	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/exc"
)

// PlotterKey is the thread-local key under which the execution scope
// installs the Plotter used by Series.plot and DataFrame.plot.
const PlotterKey = "datachat.plotter"

// Plotter draws pandas-style .plot() calls into the current figure.
type Plotter interface {
	PlotSeries(th *starlark.Thread, s *Series, kind string, kwargs []starlark.Tuple) (starlark.Value, error)
	PlotFrame(th *starlark.Thread, df *DataFrame, kind string, kwargs []starlark.Tuple) (starlark.Value, error)
}

func plotter(th *starlark.Thread) (Plotter, error) {
	p, _ := th.Local(PlotterKey).(Plotter)
	if p == nil {
		return nil, exc.New(exc.RuntimeError, "plotting is not available in this scope")
	}
	return p, nil
}

// plotKind takes kind from the first positional argument or kind=.
func plotKind(args starlark.Tuple, kwargs []starlark.Tuple) (string, []starlark.Tuple, error) {
	kind := "line"
	if len(args) > 1 {
		return "", nil, exc.New(exc.TypeError, "plot() takes at most 1 positional argument (%d given)", len(args))
	}
	if len(args) == 1 {
		s, ok := starlark.AsString(args[0])
		if !ok {
			return "", nil, exc.New(exc.TypeError, "plot kind must be a string")
		}
		kind = s
	}
	rest := make([]starlark.Tuple, 0, len(kwargs))
	for _, kv := range kwargs {
		if k, _ := starlark.AsString(kv[0]); k == "kind" {
			s, ok := starlark.AsString(kv[1])
			if !ok {
				return "", nil, exc.New(exc.TypeError, "plot kind must be a string")
			}
			kind = s
			continue
		}
		rest = append(rest, kv)
	}
	return kind, rest, nil
}

func seriesPlot(s *Series, th *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	p, err := plotter(th)
	if err != nil {
		return nil, err
	}
	kind, rest, err := plotKind(args, kwargs)
	if err != nil {
		return nil, err
	}
	return p.PlotSeries(th, s, kind, rest)
}

func framePlot(df *DataFrame, th *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	p, err := plotter(th)
	if err != nil {
		return nil, err
	}
	kind, rest, err := plotKind(args, kwargs)
	if err != nil {
		return nil, err
	}
	return p.PlotFrame(th, df, kind, rest)
}

// IndexFloats returns numeric index labels, or false for a categorical index.
func (s *Series) IndexFloats() ([]float64, bool) {
	out := make([]float64, s.Len())
	for i := range out {
		f, ok := toFloat(s.index.label(i))
		if _, isBool := s.index.label(i).(bool); !ok || isBool {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// Values converts a Series, list, tuple, Index or range into cells.
func Values(v starlark.Value) ([]any, error) {
	switch v := v.(type) {
	case *Series:
		return v.values, nil
	case *Index:
		return v.values(), nil
	}
	return iterableCells(v)
}

// Floats converts v into floats, with NaN for missing cells.
func Floats(v starlark.Value) ([]float64, error) {
	if s, ok := v.(*Series); ok {
		return s.Floats()
	}
	cells, err := Values(v)
	if err != nil {
		return nil, err
	}
	return NewSeries("", cells, nil).Floats()
}

// Labels converts v into display strings.
func Labels(v starlark.Value) ([]string, error) {
	cells, err := Values(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = formatLabel(c)
	}
	return out, nil
}

// IndexLabels returns the formatted row labels.
func (df *DataFrame) IndexLabels() []string {
	out := make([]string, df.Rows())
	for i := range out {
		out[i] = formatLabel(df.index.label(i))
	}
	return out
}

// ValueCounts returns the counts of each distinct value, most frequent first.
func (s *Series) ValueCounts() *Series {
	return valueCounts(s.name, s.values, false, false, true, true)
}
