package pyplot

import (
	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/exc"
)

// call gives lenient access to matplotlib-style arguments. Unknown style
// keywords (color, alpha, marker...) are accepted and ignored.
type call struct {
	name string
	args starlark.Tuple
	kw   map[string]starlark.Value
}

func newCall(name string, args starlark.Tuple, kwargs []starlark.Tuple) call {
	c := call{name: name, args: args, kw: make(map[string]starlark.Value, len(kwargs))}
	for _, kv := range kwargs {
		k, _ := starlark.AsString(kv[0])
		c.kw[k] = kv[1]
	}
	return c
}

// arg returns positional i, else keyword key, else nil. None counts as absent.
func (c call) arg(i int, key string) starlark.Value {
	var v starlark.Value
	if i >= 0 && i < len(c.args) {
		v = c.args[i]
	} else if key != "" {
		v = c.kw[key]
	}
	if v == starlark.None {
		return nil
	}
	return v
}

func (c call) require(i int, key string) (starlark.Value, error) {
	v := c.arg(i, key)
	if v == nil {
		return nil, exc.New(exc.TypeError, "%s() missing required argument: '%s'", c.name, key)
	}
	return v, nil
}

func (c call) str(i int, key, def string) (string, error) {
	v := c.arg(i, key)
	if v == nil {
		return def, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", exc.New(exc.TypeError, "%s() argument '%s' must be str, not %s", c.name, key, v.Type())
	}
	return s, nil
}

func (c call) float(key string, def float64) (float64, error) {
	v := c.arg(-1, key)
	if v == nil {
		return def, nil
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, exc.New(exc.TypeError, "%s() argument '%s' must be a number, not %s", c.name, key, v.Type())
	}
	return f, nil
}

func (c call) int(key string, def int) (int, error) {
	v := c.arg(-1, key)
	if v == nil {
		return def, nil
	}
	var n int
	if err := starlark.AsInt(v, &n); err != nil {
		if s, ok := starlark.AsString(v); ok && s == "auto" {
			return def, nil
		}
		return 0, exc.New(exc.TypeError, "%s() argument '%s' must be an int, not %s", c.name, key, v.Type())
	}
	return n, nil
}

func (c call) truthy(key string, def bool) bool {
	v := c.arg(-1, key)
	if v == nil {
		return def
	}
	return bool(v.Truth())
}
