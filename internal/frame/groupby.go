package frame

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/exc"
)

type group struct {
	key  []any
	rows []int
}

// GroupBy is the result of DataFrame.groupby, optionally narrowed to some
// value columns with gb["col"] or gb[["a", "b"]].
type GroupBy struct {
	df      *DataFrame
	keys    []string
	groups  []group
	sel     []string
	single  bool
	asIndex bool
}

var (
	_ starlark.Mapping  = (*GroupBy)(nil)
	_ starlark.HasAttrs = (*GroupBy)(nil)
)

func newGroupBy(df *DataFrame, keys []string, asIndex, sortKeys, dropna bool) (*GroupBy, error) {
	keyCols := make([]*Series, len(keys))
	for i, k := range keys {
		c, err := df.mustColumn(k)
		if err != nil {
			return nil, err
		}
		keyCols[i] = c
	}
	g := &GroupBy{df: df, keys: keys, asIndex: asIndex}
	slot := map[string]int{}
rows:
	for i := 0; i < df.Rows(); i++ {
		key := make([]any, len(keyCols))
		parts := make([]string, len(keyCols))
		for j, c := range keyCols {
			if c.values[i] == nil && dropna {
				continue rows
			}
			key[j] = c.values[i]
			parts[j] = cellKey(c.values[i])
		}
		k := strings.Join(parts, "\x02")
		at, ok := slot[k]
		if !ok {
			at = len(g.groups)
			slot[k] = at
			g.groups = append(g.groups, group{key: key})
		}
		g.groups[at].rows = append(g.groups[at].rows, i)
	}
	if sortKeys {
		sort.SliceStable(g.groups, func(i, j int) bool {
			a, b := g.groups[i].key, g.groups[j].key
			for k := range a {
				switch {
				case a[k] == nil && b[k] == nil:
					continue
				case a[k] == nil:
					return false
				case b[k] == nil:
					return true
				}
				if c := compareCells(a[k], b[k]); c != 0 {
					return c < 0
				}
			}
			return false
		})
	}
	return g, nil
}

func (g *GroupBy) String() string {
	return fmt.Sprintf("<%s object with %d groups>", g.Type(), len(g.groups))
}

func (g *GroupBy) Type() string {
	if g.single {
		return "SeriesGroupBy"
	}
	return "DataFrameGroupBy"
}

func (g *GroupBy) Freeze()               {}
func (g *GroupBy) Truth() starlark.Bool  { return true }
func (g *GroupBy) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", g.Type()) }

// Len is the number of groups.
func (g *GroupBy) Len() int { return len(g.groups) }

func (g *GroupBy) narrow(names []string, single bool) (*GroupBy, error) {
	for _, n := range names {
		if _, err := g.df.mustColumn(n); err != nil {
			return nil, err
		}
	}
	cp := *g
	cp.sel, cp.single = names, single
	return &cp, nil
}

func (g *GroupBy) Get(k starlark.Value) (starlark.Value, bool, error) {
	if s, ok := starlark.AsString(k); ok {
		n, err := g.narrow([]string{s}, true)
		return n, err == nil, err
	}
	if names, ok := stringList(k); ok {
		n, err := g.narrow(names, false)
		return n, err == nil, err
	}
	return nil, false, exc.New(exc.KeyError, "%s", k.String())
}

// valueCols returns the aggregated columns. Without an explicit selection
// numeric-only operations skip object columns.
func (g *GroupBy) valueCols(op string) []string {
	if g.sel != nil {
		return g.sel
	}
	isKey := map[string]bool{}
	for _, k := range g.keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range g.df.cols {
		if isKey[c.name] || (isNumericOp(op) && !isNumeric(c.dtype)) {
			continue
		}
		out = append(out, c.name)
	}
	return out
}

func (g *GroupBy) resultIndex() *Index {
	labels := make([]any, len(g.groups))
	for i, grp := range g.groups {
		if len(grp.key) == 1 {
			labels[i] = grp.key[0]
		} else {
			labels[i] = tuple(grp.key)
		}
	}
	idx := labelIndex("", labels)
	if len(g.keys) == 1 {
		idx.name = g.keys[0]
	} else {
		idx.names = g.keys
	}
	return idx
}

type namedAgg struct {
	out, col, op string
}

func (g *GroupBy) run(aggs []namedAgg, asSeries bool) (starlark.Value, error) {
	idx := g.resultIndex()
	cols := make([]*Series, len(aggs))
	for i, a := range aggs {
		vals := make([]any, len(g.groups))
		var src *Series
		if a.op != "size" {
			c, err := g.df.mustColumn(a.col)
			if err != nil {
				return nil, err
			}
			src = c
		}
		for j, grp := range g.groups {
			if src == nil {
				vals[j] = int64(len(grp.rows))
				continue
			}
			v, err := reduce(a.op, src.take(grp.rows))
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		cols[i] = NewSeries(a.out, vals, idx)
	}
	if asSeries && len(cols) == 1 {
		if !g.asIndex {
			return resetIndex(idx, cols), nil
		}
		return cols[0], nil
	}
	out := newFrame(cols, idx)
	if !g.asIndex {
		return resetIndex(idx, out.cols), nil
	}
	return out, nil
}

// aggregate applies plan (column -> ops) in order.
func (g *GroupBy) aggregate(plan map[string][]string, order []string, multi bool) (starlark.Value, error) {
	var aggs []namedAgg
	for _, col := range order {
		for _, op := range plan[col] {
			name := col
			switch {
			case g.single && len(plan[col]) > 1:
				name = op
			case multi || len(plan[col]) > 1:
				name = col + "_" + op
			}
			aggs = append(aggs, namedAgg{out: name, col: col, op: op})
		}
	}
	asSeries := g.single && len(aggs) == 1
	return g.run(aggs, asSeries)
}

func (g *GroupBy) reduceAll(op string) (starlark.Value, error) {
	if op == "size" {
		v, err := g.run([]namedAgg{{out: "size", op: "size"}}, true)
		if s, ok := v.(*Series); ok && g.asIndex {
			s.name = ""
		}
		return v, err
	}
	names := g.valueCols(op)
	plan := map[string][]string{}
	for _, n := range names {
		plan[n] = []string{op}
	}
	return g.aggregate(plan, names, false)
}

var groupReducers = []string{"sum", "mean", "median", "min", "max", "count", "size", "std", "var", "nunique", "first", "last", "prod"}

func (g *GroupBy) Attr(name string) (starlark.Value, error) {
	for _, op := range groupReducers {
		if op == name {
			return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if err := unpackReduce(b, args, kwargs); err != nil {
					return nil, err
				}
				return g.reduceAll(op)
			}), nil
		}
	}
	switch name {
	case "agg", "aggregate":
		return starlark.NewBuiltin(name, g.agg), nil
	case "apply":
		return starlark.NewBuiltin(name, g.apply), nil
	case "ngroups":
		return starlark.MakeInt(len(g.groups)), nil
	}
	if !g.single {
		if _, ok := g.df.Column(name); ok {
			return g.narrow([]string{name}, true)
		}
	}
	return nil, nil
}

func (g *GroupBy) AttrNames() []string {
	return append([]string{"agg", "aggregate", "apply", "ngroups"}, groupReducers...)
}

func (g *GroupBy) agg(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 && len(args) == 0 {
		return g.namedAgg(kwargs)
	}
	var spec starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &spec); err != nil {
		return nil, err
	}
	var defaults []string
	if op, err := reducerName(spec); err == nil {
		defaults = g.valueCols(op)
	} else {
		defaults = g.valueCols("")
	}
	plan, order, err := aggPlan(spec, defaults)
	if err != nil {
		return nil, err
	}
	_, isDict := spec.(*starlark.Dict)
	multi := false
	if isDict {
		for _, ops := range plan {
			multi = multi || len(ops) > 1
		}
	}
	return g.aggregate(plan, order, multi)
}

// namedAgg implements agg(total=("col", "sum")) and, on a single column,
// agg(total="sum").
func (g *GroupBy) namedAgg(kwargs []starlark.Tuple) (starlark.Value, error) {
	var aggs []namedAgg
	for _, kv := range kwargs {
		out, _ := starlark.AsString(kv[0])
		switch v := kv[1].(type) {
		case starlark.Tuple:
			if len(v) != 2 {
				return nil, exc.New(exc.TypeError, "named aggregation for '%s' must be a (column, func) pair", out)
			}
			col, ok := starlark.AsString(v[0])
			if !ok {
				return nil, exc.New(exc.TypeError, "named aggregation for '%s' needs a column name", out)
			}
			op, err := reducerName(v[1])
			if err != nil {
				return nil, err
			}
			aggs = append(aggs, namedAgg{out: out, col: col, op: op})
		default:
			if !g.single {
				return nil, exc.New(exc.TypeError, "named aggregation for '%s' must be a (column, func) pair", out)
			}
			op, err := reducerName(v)
			if err != nil {
				return nil, err
			}
			aggs = append(aggs, namedAgg{out: out, col: g.sel[0], op: op})
		}
	}
	return g.run(aggs, false)
}

func (g *GroupBy) apply(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &fn); err != nil {
		return nil, err
	}
	vals := make([]any, len(g.groups))
	for i, grp := range g.groups {
		var arg starlark.Value
		if g.single {
			c, _ := g.df.Column(g.sel[0])
			arg = c.take(grp.rows)
		} else {
			arg = g.df.take(grp.rows)
		}
		r, err := starlark.Call(th, fn, starlark.Tuple{arg}, nil)
		if err != nil {
			return nil, err
		}
		v, err := fromStarlark(r)
		if err != nil {
			return nil, exc.New(exc.TypeError, "apply() function must return a scalar per group, got '%s'", r.Type())
		}
		vals[i] = v
	}
	name := ""
	if g.single {
		name = g.sel[0]
	}
	return NewSeries(name, vals, g.resultIndex()), nil
}
