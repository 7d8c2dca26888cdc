// Package pyplot exposes matplotlib.pyplot and seaborn look-alikes to
// Starlark snippets, drawing into a plot.Figure.
package pyplot

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
)

// Canvas binds the plt and sns modules to one figure and one working
// directory. Relative savefig paths resolve inside the working directory.
type Canvas struct {
	fig     *plot.Figure
	workDir string

	mu    sync.Mutex
	saved []string
}

var _ frame.Plotter = (*Canvas)(nil)

// New returns a canvas drawing into fig.
func New(fig *plot.Figure, workDir string) *Canvas {
	return &Canvas{fig: fig, workDir: workDir}
}

// Figure returns the underlying figure.
func (c *Canvas) Figure() *plot.Figure { return c.fig }

// TakeSaved returns and forgets the paths written by savefig, relative to
// the working directory.
func (c *Canvas) TakeSaved() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.saved
	c.saved = nil
	return out
}

type builtinFn = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func members(fns map[string]builtinFn) starlark.StringDict {
	out := make(starlark.StringDict, len(fns))
	for name, fn := range fns {
		out[name] = starlark.NewBuiltin(name, fn)
	}
	return out
}

func noop(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

// Pyplot returns the "plt" module.
func (c *Canvas) Pyplot() *starlarkstruct.Module {
	ax := &Axes{c: c}
	m := &starlarkstruct.Module{
		Name: "matplotlib.pyplot",
		Members: members(map[string]builtinFn{
			"figure":          c.figure,
			"subplots":        c.subplots,
			"gca":             func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) { return ax, nil },
			"gcf":             func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) { return ax, nil },
			"bar":             c.bar(plot.Bar),
			"barh":            c.bar(plot.BarH),
			"plot":            c.line(plot.Line),
			"scatter":         c.line(plot.Scatter),
			"hist":            c.hist,
			"pie":             c.pie,
			"title":           c.label(c.fig.SetTitle),
			"suptitle":        c.label(c.fig.SetTitle),
			"xlabel":          c.label(c.fig.SetXLabel),
			"ylabel":          c.label(c.fig.SetYLabel),
			"legend":          c.legend,
			"grid":            c.grid,
			"xticks":          c.xticks,
			"savefig":         c.savefig,
			"clf":             c.clear,
			"cla":             c.clear,
			"close":           c.clear,
			"show":            noop,
			"tight_layout":    noop,
			"yticks":          noop,
			"xlim":            noop,
			"ylim":            noop,
			"axis":            noop,
			"text":            noop,
			"annotate":        noop,
			"subplots_adjust": noop,
		}),
	}
	// Style settings are accepted and ignored.
	m.Members["rcParams"] = starlark.NewDict(0)
	m.Members["style"] = &starlarkstruct.Module{
		Name:    "style",
		Members: starlark.StringDict{"use": starlark.NewBuiltin("use", noop)},
	}
	return m
}

func (c *Canvas) figure(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	c.fig.Clear()
	if err := c.applySize(a); err != nil {
		return nil, err
	}
	return &Axes{c: c}, nil
}

func (c *Canvas) subplots(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	c.fig.Clear()
	if err := c.applySize(a); err != nil {
		return nil, err
	}
	ax := &Axes{c: c}
	rows, err := a.int("nrows", 1)
	if err != nil {
		return nil, err
	}
	cols, err := a.int("ncols", 1)
	if err != nil {
		return nil, err
	}
	if len(args) >= 1 {
		_ = starlark.AsInt(args[0], &rows)
	}
	if len(args) >= 2 {
		_ = starlark.AsInt(args[1], &cols)
	}
	if rows*cols <= 1 {
		return starlark.Tuple{ax, ax}, nil
	}
	// Every subplot shares the single figure.
	axes := make([]starlark.Value, rows*cols)
	for i := range axes {
		axes[i] = ax
	}
	return starlark.Tuple{ax, starlark.NewList(axes)}, nil
}

// applySize honours figsize=(w, h) in inches and dpi.
func (c *Canvas) applySize(a call) error {
	v := a.arg(-1, "figsize")
	if v == nil {
		return nil
	}
	t, ok := v.(starlark.Tuple)
	if !ok || len(t) != 2 {
		return exc.New(exc.ValueError, "figsize must be a (width, height) tuple")
	}
	w, ok1 := starlark.AsFloat(t[0])
	h, ok2 := starlark.AsFloat(t[1])
	if !ok1 || !ok2 {
		return exc.New(exc.TypeError, "figsize values must be numbers")
	}
	dpi, err := a.float("dpi", 100)
	if err != nil {
		return err
	}
	c.fig.SetSize(int(w*dpi), int(h*dpi))
	return nil
}

func (c *Canvas) add(s plot.Series) error {
	if err := c.fig.Add(s); err != nil {
		return exc.New(exc.ValueError, "%s", err.Error())
	}
	return nil
}

func seriesName(a call) string {
	name, _ := a.str(-1, "label", "")
	return name
}

func (c *Canvas) bar(kind plot.Kind) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		a := newCall(b.Name(), args, kwargs)
		xKey, hKey := "x", "height"
		if kind == plot.BarH {
			xKey, hKey = "y", "width"
		}
		x, err := a.require(0, xKey)
		if err != nil {
			return nil, err
		}
		h, err := a.require(1, hKey)
		if err != nil {
			return nil, err
		}
		labels, err := frame.Labels(x)
		if err != nil {
			return nil, err
		}
		ys, err := frame.Floats(h)
		if err != nil {
			return nil, err
		}
		return starlark.None, c.add(plot.Series{Kind: kind, Name: seriesName(a), Labels: labels, Y: ys})
	}
}

// xyValues converts an x argument into numeric X or categorical labels.
func xyValues(x starlark.Value) ([]float64, []string, error) {
	if xs, err := frame.Floats(x); err == nil {
		return xs, nil, nil
	}
	labels, err := frame.Labels(x)
	return nil, labels, err
}

func (c *Canvas) line(kind plot.Kind) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		a := newCall(b.Name(), args, kwargs)
		x, y := a.arg(0, "x"), a.arg(1, "y")
		if y != nil {
			if _, isFormat := y.(starlark.String); isFormat {
				y = nil
			}
		}
		if x == nil {
			return nil, exc.New(exc.TypeError, "%s() missing required argument: 'x'", b.Name())
		}
		s := plot.Series{Kind: kind, Name: seriesName(a)}
		if y == nil {
			ys, err := frame.Floats(x)
			if err != nil {
				return nil, err
			}
			s.Y = ys
			s.X = make([]float64, len(ys))
			for i := range s.X {
				s.X[i] = float64(i)
			}
			if ser, ok := x.(*frame.Series); ok {
				if xs, ok := ser.IndexFloats(); ok {
					s.X = xs
				} else {
					s.X, s.Labels = nil, ser.Labels()
				}
			}
		} else {
			xs, labels, err := xyValues(x)
			if err != nil {
				return nil, err
			}
			ys, err := frame.Floats(y)
			if err != nil {
				return nil, err
			}
			s.X, s.Labels, s.Y = xs, labels, ys
		}
		return starlark.None, c.add(s)
	}
}

func finite(xs []float64) []float64 {
	out := xs[:0:0]
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}

func (c *Canvas) hist(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, err := a.require(0, "x")
	if err != nil {
		return nil, err
	}
	bins, err := a.int("bins", 10)
	if err != nil {
		return nil, err
	}
	ys, err := frame.Floats(x)
	if err != nil {
		return nil, err
	}
	return starlark.None, c.add(plot.Series{Kind: plot.Hist, Name: seriesName(a), Y: finite(ys), Bins: bins})
}

func (c *Canvas) pie(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	x, err := a.require(0, "x")
	if err != nil {
		return nil, err
	}
	ys, err := frame.Floats(x)
	if err != nil {
		return nil, err
	}
	var labels []string
	if l := a.arg(-1, "labels"); l != nil {
		if labels, err = frame.Labels(l); err != nil {
			return nil, err
		}
	} else if s, ok := x.(*frame.Series); ok {
		labels = s.Labels()
	} else {
		labels = make([]string, len(ys))
		for i := range labels {
			labels[i] = fmt.Sprint(i)
		}
	}
	return starlark.None, c.add(plot.Series{Kind: plot.Pie, Labels: labels, Y: ys})
}

func (c *Canvas) label(set func(string)) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		a := newCall(b.Name(), args, kwargs)
		v := a.arg(0, "label")
		if v == nil {
			v = a.arg(-1, "t")
		}
		if v == nil {
			return nil, exc.New(exc.TypeError, "%s() missing required argument: 'label'", b.Name())
		}
		s, ok := starlark.AsString(v)
		if !ok {
			s = v.String()
		}
		set(s)
		return starlark.None, nil
	}
}

func (c *Canvas) legend(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	c.fig.ShowLegend()
	return starlark.None, nil
}

func (c *Canvas) grid(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	on := true
	if v := a.arg(0, "visible"); v != nil {
		on = bool(v.Truth())
	}
	c.fig.ShowGrid(on)
	return starlark.None, nil
}

func (c *Canvas) xticks(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	rotation, err := a.float("rotation", 0)
	if err != nil {
		if s, ok := starlark.AsString(a.arg(-1, "rotation")); ok && s == "vertical" {
			rotation, err = 90, nil
		}
	}
	if err != nil {
		return nil, err
	}
	var labels []string
	if l := a.arg(1, "labels"); l != nil {
		if labels, err = frame.Labels(l); err != nil {
			return nil, err
		}
	}
	c.fig.SetXTicks(labels, rotation != 0)
	return starlark.None, nil
}

func (c *Canvas) clear(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	c.fig.Clear()
	return starlark.None, nil
}

// Resolve maps a savefig path into the working directory.
func (c *Canvas) Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", exc.New(exc.ValueError, "savefig() requires a file name")
	}
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.workDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(c.workDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", exc.New(exc.PermissionError, "[Errno 13] Permission denied: '%s'", name)
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case "":
		p += ".png"
	case ".png":
	default:
		return "", exc.New(exc.ValueError, "Format '%s' is not supported (supported formats: png)", strings.TrimPrefix(filepath.Ext(p), "."))
	}
	return p, nil
}

func (c *Canvas) savefig(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	name, err := a.str(0, "fname", "")
	if err != nil {
		return nil, err
	}
	path, err := c.Resolve(name)
	if err != nil {
		return nil, err
	}
	if err := c.fig.Save(path); err != nil {
		return nil, exc.New(exc.RuntimeError, "%s", err.Error())
	}
	rel, _ := filepath.Rel(c.workDir, path)
	c.mu.Lock()
	c.saved = append(c.saved, filepath.ToSlash(rel))
	c.mu.Unlock()
	return starlark.None, nil
}
