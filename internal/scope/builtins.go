package scope

import (
	"io"
	"math"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
)

// pythonBuiltins fills gaps between the Starlark universe and the Python
// builtins snippets lean on. print writes to out.
func pythonBuiltins(out io.Writer) starlark.StringDict {
	return starlark.StringDict{
		"print":    starlark.NewBuiltin("print", printTo(out)),
		"sum":      starlark.NewBuiltin("sum", sum),
		"round":    starlark.NewBuiltin("round", round),
		"abs":      starlark.NewBuiltin("abs", abs),
		"pow":      starlark.NewBuiltin("pow", pow),
		"map":      starlark.NewBuiltin("map", mapFn),
		"filter":   starlark.NewBuiltin("filter", filterFn),
		"_format":  starlark.NewBuiltin("format", format),
		"_cmp":     starlark.NewBuiltin("_cmp", compare),
		"format":   starlark.NewBuiltin("format", formatBuiltin),
		"_missing": starlark.NewBuiltin("_missing", missing),
		"_raise":   starlark.NewBuiltin("_raise", raise),
		"warnings": &starlarkstruct.Module{
			Name: "warnings",
			Members: starlark.StringDict{
				"filterwarnings": starlark.NewBuiltin("filterwarnings", none),
				"simplefilter":   starlark.NewBuiltin("simplefilter", none),
			},
		},
	}
}

func none(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}

func printTo(out io.Writer) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		sep, end := " ", "\n"
		for _, kv := range kwargs {
			k, _ := starlark.AsString(kv[0])
			switch k {
			case "sep", "end":
				s := ""
				if kv[1] != starlark.None {
					var ok bool
					if s, ok = starlark.AsString(kv[1]); !ok {
						return nil, exc.New(exc.TypeError, "%s must be None or a string, not %s", k, kv[1].Type())
					}
				} else if k == "sep" {
					s = " "
				} else {
					s = "\n"
				}
				if k == "sep" {
					sep = s
				} else {
					end = s
				}
			case "file", "flush":
			default:
				return nil, exc.New(exc.TypeError, "'%s' is an invalid keyword argument for print()", k)
			}
		}
		var sb strings.Builder
		for i, a := range args {
			if i > 0 {
				sb.WriteString(sep)
			}
			sb.WriteString(str(a))
		}
		sb.WriteString(end)
		_, _ = io.WriteString(out, sb.String())
		return starlark.None, nil
	}
}

// method calls v.name(args...) when v has such a method.
func method(th *starlark.Thread, v starlark.Value, name string, args ...starlark.Value) (starlark.Value, bool, error) {
	ha, ok := v.(starlark.HasAttrs)
	if !ok {
		return nil, false, nil
	}
	m, err := ha.Attr(name)
	if err != nil || m == nil {
		return nil, false, nil
	}
	r, err := starlark.Call(th, m, args, nil)
	return r, true, err
}

func sum(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Value
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	if r, ok, err := method(th, iterable, "sum"); ok {
		if err != nil {
			return nil, err
		}
		return starlark.Binary(syntax.PLUS, start, r)
	}
	iter := starlark.Iterate(iterable)
	if iter == nil {
		return nil, exc.New(exc.TypeError, "'%s' object is not iterable", iterable.Type())
	}
	defer iter.Done()
	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		var err error
		if acc, err = starlark.Binary(syntax.PLUS, acc, x); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func round(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, nd starlark.Value = nil, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &nd); err != nil {
		return nil, err
	}
	digits := 0
	if nd != starlark.None {
		if err := starlark.AsInt(nd, &digits); err != nil {
			return nil, exc.New(exc.TypeError, "'%s' object cannot be interpreted as an integer", nd.Type())
		}
	}
	switch v := x.(type) {
	case starlark.Int:
		return v, nil
	case starlark.Float:
		f := float64(v)
		if nd == starlark.None {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, exc.New(exc.ValueError, "cannot convert float %s to integer", v.String())
			}
			return starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
		}
		return starlark.Float(roundFloat(f, digits)), nil
	}
	var margs []starlark.Value
	if nd != starlark.None {
		margs = append(margs, nd)
	}
	if r, ok, err := method(th, x, "round", margs...); ok {
		return r, err
	}
	return nil, exc.New(exc.TypeError, "type %s doesn't define __round__ method", x.Type())
}

// roundFloat rounds to n decimal places using the shortest correctly
// rounded decimal representation.
func roundFloat(f float64, n int) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	if n < 0 {
		p := math.Pow(10, float64(-n))
		return math.RoundToEven(f/p) * p
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(f, 'f', n, 64), 64)
	if err != nil {
		return f
	}
	return r
}

func abs(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	switch v := x.(type) {
	case starlark.Int:
		if v.Sign() < 0 {
			return starlark.Unary(syntax.MINUS, v)
		}
		return v, nil
	case starlark.Float:
		return starlark.Float(math.Abs(float64(v))), nil
	}
	if r, ok, err := method(th, x, "abs"); ok {
		return r, err
	}
	return nil, exc.New(exc.TypeError, "bad operand type for abs(): '%s'", x.Type())
}

func pow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	var series *frame.Series
	var other starlark.Value
	side := starlark.Left
	if s, ok := x.(*frame.Series); ok {
		series, other = s, y
	} else if s, ok := y.(*frame.Series); ok {
		series, other, side = s, x, starlark.Right
	}
	if series != nil {
		v, err := series.Binary(syntax.STARSTAR, other, side)
		if err == nil && v == nil {
			err = exc.New(exc.TypeError, "unsupported operand type(s) for pow(): '%s' and '%s'", x.Type(), y.Type())
		}
		return v, err
	}
	xi, xInt := x.(starlark.Int)
	yi, yInt := y.(starlark.Int)
	if xInt && yInt {
		n, ok := yi.Int64()
		if ok && n >= 0 {
			acc := starlark.MakeInt(1)
			for ; n > 0; n-- {
				acc = acc.Mul(xi)
			}
			return acc, nil
		}
	}
	xf, ok1 := starlark.AsFloat(x)
	yf, ok2 := starlark.AsFloat(y)
	if !ok1 || !ok2 {
		return nil, exc.New(exc.TypeError, "unsupported operand type(s) for pow(): '%s' and '%s'", x.Type(), y.Type())
	}
	if xf == 0 && yf < 0 {
		return nil, exc.New(exc.ZeroDivisionError, "0.0 cannot be raised to a negative power")
	}
	return starlark.Float(math.Pow(xf, yf)), nil
}

func mapFn(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		r, err := starlark.Call(th, fn, starlark.Tuple{x}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return starlark.NewList(out), nil
}

func filterFn(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	var iterable starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &fn, &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		keep := x.Truth()
		if fn != starlark.None {
			r, err := starlark.Call(th, fn, starlark.Tuple{x}, nil)
			if err != nil {
				return nil, err
			}
			keep = r.Truth()
		}
		if keep {
			out = append(out, x)
		}
	}
	return starlark.NewList(out), nil
}

func format(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, exc.New(exc.TypeError, "format() missing template")
	}
	tmpl, ok := starlark.AsString(args[0])
	if !ok {
		return nil, exc.New(exc.AttributeError, "'%s' object has no attribute 'format'", args[0].Type())
	}
	s, err := pyFormat(tmpl, args[1:], kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.String(s), nil
}

func formatBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	spec := ""
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v, &spec); err != nil {
		return nil, err
	}
	s, err := formatValue(v, spec)
	if err != nil {
		return nil, err
	}
	return starlark.String(s), nil
}

func raise(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var kind string
	var msg starlark.Value = starlark.String("")
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &kind, &msg); err != nil {
		return nil, err
	}
	return nil, exc.New(kind, "%s", str(msg))
}

func missing(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return missingModule(name), nil
}

// missingModule stands in for a module that is not available. Importing it
// succeeds so that unused imports are harmless; any use fails.
type missingModule string

func (m missingModule) String() string        { return "<module '" + string(m) + "' (unavailable)>" }
func (m missingModule) Type() string          { return "module" }
func (m missingModule) Freeze()               {}
func (m missingModule) Truth() starlark.Bool  { return true }
func (m missingModule) Hash() (uint32, error) { return starlark.String(m).Hash() }
func (m missingModule) AttrNames() []string   { return nil }

func (m missingModule) Attr(name string) (starlark.Value, error) {
	return nil, exc.New(exc.ModuleNotFoundError, "No module named '%s' (available: pandas as pd, matplotlib.pyplot as plt, seaborn as sns, math, json)", string(m))
}
