package pyplot

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
)

// Axes stands in for both matplotlib Figure and Axes handles. All handles
// of a canvas draw into the same figure.
type Axes struct {
	c *Canvas
}

func (ax *Axes) String() string        { return "<Axes>" }
func (ax *Axes) Type() string          { return "Axes" }
func (ax *Axes) Freeze()               {}
func (ax *Axes) Truth() starlark.Bool  { return true }
func (ax *Axes) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: Axes") }

func (ax *Axes) methods() map[string]builtinFn {
	c := ax.c
	self := func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return ax, nil
	}
	return map[string]builtinFn{
		"bar":             c.bar(plot.Bar),
		"barh":            c.bar(plot.BarH),
		"plot":            c.line(plot.Line),
		"scatter":         c.line(plot.Scatter),
		"hist":            c.hist,
		"pie":             c.pie,
		"set_title":       c.label(c.fig.SetTitle),
		"suptitle":        c.label(c.fig.SetTitle),
		"set_xlabel":      c.label(c.fig.SetXLabel),
		"set_ylabel":      c.label(c.fig.SetYLabel),
		"legend":          c.legend,
		"grid":            c.grid,
		"set_xticklabels": ax.setXTickLabels,
		"set":             ax.set,
		"savefig":         c.savefig,
		"clear":           c.clear,
		"get_figure":      self,
		"add_subplot":     self,
		"gca":             self,
		"tick_params":     noop,
		"set_xticks":      noop,
		"set_yticks":      noop,
		"set_xlim":        noop,
		"set_ylim":        noop,
		"tight_layout":    noop,
		"bar_label":       noop,
		"axis":            noop,
		"text":            noop,
		"annotate":        noop,
		"invert_yaxis":    noop,
	}
}

func (ax *Axes) Attr(name string) (starlark.Value, error) {
	if fn, ok := ax.methods()[name]; ok {
		return starlark.NewBuiltin(name, fn), nil
	}
	return nil, nil
}

func (ax *Axes) AttrNames() []string {
	var names []string
	for k := range ax.methods() {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (ax *Axes) setXTickLabels(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	l, err := a.require(0, "labels")
	if err != nil {
		return nil, err
	}
	labels, err := frame.Labels(l)
	if err != nil {
		return nil, err
	}
	rotation, err := a.float("rotation", 0)
	if err != nil {
		rotation = 90
	}
	ax.c.fig.SetXTicks(labels, rotation != 0)
	return starlark.None, nil
}

// set implements ax.set(title=..., xlabel=..., ylabel=...).
func (ax *Axes) set(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a := newCall(b.Name(), args, kwargs)
	for key, set := range map[string]func(string){
		"title":  ax.c.fig.SetTitle,
		"xlabel": ax.c.fig.SetXLabel,
		"ylabel": ax.c.fig.SetYLabel,
	} {
		s, err := a.str(-1, key, "")
		if err != nil {
			return nil, err
		}
		if s != "" {
			set(s)
		}
	}
	return starlark.None, nil
}
