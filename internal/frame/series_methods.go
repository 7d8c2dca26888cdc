package frame

import (
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

type seriesMethod func(s *Series, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var seriesMethods = map[string]seriesMethod{
	"sum":     seriesReduce("sum"),
	"mean":    seriesReduce("mean"),
	"median":  seriesReduce("median"),
	"min":     seriesReduce("min"),
	"max":     seriesReduce("max"),
	"std":     seriesReduce("std"),
	"var":     seriesReduce("var"),
	"prod":    seriesReduce("prod"),
	"count":   seriesReduce("count"),
	"nunique": seriesReduce("nunique"),
	"first":   seriesReduce("first"),
	"last":    seriesReduce("last"),

	"head":            seriesHead,
	"tail":            seriesTail,
	"sort_values":     seriesSortValues,
	"sort_index":      seriesSortIndex,
	"value_counts":    seriesValueCounts,
	"unique":          seriesUnique,
	"astype":          seriesAstype,
	"tolist":          seriesToList,
	"to_list":         seriesToList,
	"to_dict":         seriesToDict,
	"to_frame":        seriesToFrame,
	"apply":           seriesApply,
	"map":             seriesApply,
	"round":           seriesRound,
	"abs":             seriesAbs,
	"idxmax":          seriesIdx("max"),
	"idxmin":          seriesIdx("min"),
	"isnull":          seriesIsNull(true),
	"isna":            seriesIsNull(true),
	"notnull":         seriesIsNull(false),
	"notna":           seriesIsNull(false),
	"fillna":          seriesFillNA,
	"dropna":          seriesDropNA,
	"cumsum":          seriesCumsum,
	"describe":        seriesDescribe,
	"quantile":        seriesQuantile,
	"nlargest":        seriesNBest(false),
	"nsmallest":       seriesNBest(true),
	"reset_index":     seriesResetIndex,
	"copy":            seriesCopy,
	"rename":          seriesRename,
	"between":         seriesBetween,
	"isin":            seriesIsIn,
	"any":             seriesAnyAll(true),
	"all":             seriesAnyAll(false),
	"agg":             seriesAgg,
	"aggregate":       seriesAgg,
	"duplicated":      seriesDuplicated,
	"drop_duplicates": seriesDropDuplicates,
	"plot":            seriesPlot,
	"gt":              seriesCompare("gt"),
	"lt":              seriesCompare("lt"),
	"ge":              seriesCompare("ge"),
	"le":              seriesCompare("le"),
	"eq":              seriesCompare("eq"),
	"ne":              seriesCompare("ne"),
}

func (s *Series) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		if s.name == "" {
			return starlark.None, nil
		}
		return starlark.String(s.name), nil
	case "dtype":
		return starlark.String(s.dtype.String()), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(s.Len())}, nil
	case "size":
		return starlark.MakeInt(s.Len()), nil
	case "empty":
		return starlark.Bool(s.Len() == 0), nil
	case "values":
		return toList(s.values, s.dtype), nil
	case "index":
		return s.index, nil
	case "str":
		return &strAccessor{s: s}, nil
	case "iloc":
		return &seriesIndexer{s: s, positional: true}, nil
	case "loc":
		return &seriesIndexer{s: s}, nil
	}
	if m, ok := seriesMethods[name]; ok {
		return starlark.NewBuiltin(name, func(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return m(s, th, b, args, kwargs)
		}), nil
	}
	return nil, nil
}

func (s *Series) AttrNames() []string {
	names := []string{"dtype", "empty", "iloc", "index", "loc", "name", "shape", "size", "str", "values"}
	for k := range seriesMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// unpackReduce accepts and ignores the pandas keywords of reductions.
func unpackReduce(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) error {
	var skipna, numericOnly, axis starlark.Value
	return starlark.UnpackArgs(b.Name(), args, kwargs, "axis?", &axis, "skipna?", &skipna, "numeric_only?", &numericOnly)
}

func seriesReduce(op string) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := unpackReduce(b, args, kwargs); err != nil {
			return nil, err
		}
		v, err := reduce(op, s)
		if err != nil {
			return nil, err
		}
		return toStarlark(v, dataset.TypeFloat), nil
	}
}

func unpackN(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (int, error) {
	n := 5
	err := starlark.UnpackArgs(b.Name(), args, kwargs, "n?", &n)
	return n, err
}

func headPositions(total, n int) []int {
	if n < 0 {
		n = max(total+n, 0)
	}
	n = min(n, total)
	pos := make([]int, n)
	for i := range pos {
		pos[i] = i
	}
	return pos
}

func tailPositions(total, n int) []int {
	if n < 0 {
		n = max(total+n, 0)
	}
	n = min(n, total)
	pos := make([]int, n)
	for i := range pos {
		pos[i] = total - n + i
	}
	return pos
}

func seriesHead(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := unpackN(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return s.take(headPositions(s.Len(), n)), nil
}

func seriesTail(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := unpackN(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return s.take(tailPositions(s.Len(), n)), nil
}

func seriesSortValues(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ascending := true
	var naPosition string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ascending?", &ascending, "na_position?", &naPosition); err != nil {
		return nil, err
	}
	return s.take(argsort(s.values, ascending)), nil
}

func seriesSortIndex(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ascending := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ascending?", &ascending); err != nil {
		return nil, err
	}
	return s.take(argsort(s.index.values(), ascending)), nil
}

func seriesValueCounts(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	normalize, ascending, dropna, sortOut := false, false, true, true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"normalize?", &normalize, "sort?", &sortOut, "ascending?", &ascending, "dropna?", &dropna); err != nil {
		return nil, err
	}
	return valueCounts(s.name, s.values, normalize, ascending, dropna, sortOut), nil
}

func valueCounts(name string, vals []any, normalize, ascending, dropna, sortOut bool) *Series {
	var labels []any
	counts := map[string]int64{}
	for _, v := range vals {
		if v == nil && dropna {
			continue
		}
		k := cellKey(v)
		if _, ok := counts[k]; !ok {
			labels = append(labels, v)
		}
		counts[k]++
	}
	if sortOut {
		sort.SliceStable(labels, func(i, j int) bool {
			ci, cj := counts[cellKey(labels[i])], counts[cellKey(labels[j])]
			if ascending {
				return ci < cj
			}
			return ci > cj
		})
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	out := make([]any, len(labels))
	for i, l := range labels {
		c := counts[cellKey(l)]
		if normalize {
			out[i] = float64(c) / float64(total)
		} else {
			out[i] = c
		}
	}
	outName := "count"
	if normalize {
		outName = "proportion"
	}
	return NewSeries(outName, out, labelIndex(name, labels))
}

func distinct(vals []any) []any {
	seen := map[string]bool{}
	var out []any
	for _, v := range vals {
		k := cellKey(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func seriesUnique(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return toList(distinct(s.values), s.dtype), nil
}

func dtypeName(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case starlark.String:
		return string(v), nil
	case *starlark.Builtin:
		return v.Name(), nil
	}
	return "", exc.New(exc.TypeError, "data type '%s' not understood", v.String())
}

func seriesAstype(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var t starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &t); err != nil {
		return nil, err
	}
	name, err := dtypeName(t)
	if err != nil {
		return nil, err
	}
	vals, err := castValues(s.values, name)
	if err != nil {
		return nil, err
	}
	return s.with(vals), nil
}

func castValues(vals []any, dtype string) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		if v == nil {
			if dtype == "str" {
				out[i] = "nan"
			}
			continue
		}
		switch dtype {
		case "int", "int64", "int32":
			f, ok := toFloat(v)
			if !ok {
				p, err := parseNumber(v)
				if err != nil {
					return nil, exc.New(exc.ValueError, "invalid literal for int() with base 10: %s", pyRepr(v))
				}
				f = p
			}
			out[i] = int64(f)
		case "float", "float64", "float32":
			f, ok := toFloat(v)
			if !ok {
				p, err := parseNumber(v)
				if err != nil {
					return nil, exc.New(exc.ValueError, "could not convert string to float: %s", pyRepr(v))
				}
				f = p
			}
			out[i] = f
		case "str", "object", "string":
			out[i] = dataset.FormatValue(v)
		case "bool":
			f, ok := toFloat(v)
			if ok {
				out[i] = f != 0
			} else {
				out[i] = v.(string) != ""
			}
		case "category":
			out[i] = v
		default:
			return nil, exc.New(exc.TypeError, "data type '%s' not understood", dtype)
		}
	}
	return out, nil
}

func seriesToList(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return toList(s.values, s.dtype), nil
}

func seriesToDict(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	d := starlark.NewDict(s.Len())
	for i, v := range s.values {
		if err := d.SetKey(toStarlark(s.index.label(i), dataset.TypeString), toStarlark(v, s.dtype)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func seriesToFrame(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name := s.name
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name?", &name); err != nil {
		return nil, err
	}
	if name == "" {
		name = "0"
	}
	c := *s
	c.name = name
	return &DataFrame{cols: []*Series{&c}, index: s.index}, nil
}

func seriesApply(s *Series, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &fn); err != nil {
		return nil, err
	}
	out := make([]any, s.Len())
	switch fn := fn.(type) {
	case *starlark.Dict:
		for i, v := range s.values {
			r, found, err := fn.Get(toStarlark(v, s.dtype))
			if err != nil {
				return nil, err
			}
			if found {
				if out[i], err = fromStarlark(r); err != nil {
					return nil, err
				}
			}
		}
	case starlark.Callable:
		for i, v := range s.values {
			r, err := starlark.Call(th, fn, starlark.Tuple{toStarlark(v, s.dtype)}, nil)
			if err != nil {
				return nil, err
			}
			if out[i], err = fromStarlark(r); err != nil {
				return nil, err
			}
		}
	default:
		return nil, exc.New(exc.TypeError, "%s() argument must be callable or dict, not '%s'", b.Name(), fn.Type())
	}
	return s.with(out), nil
}

func roundTo(f float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.RoundToEven(f*p) / p
}

func seriesRound(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	decimals := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "decimals?", &decimals); err != nil {
		return nil, err
	}
	if !isNumeric(s.dtype) {
		return nil, exc.New(exc.TypeError, "cannot round column '%s' with dtype object", s.name)
	}
	out := make([]any, s.Len())
	for i, v := range s.values {
		if f, ok := v.(float64); ok {
			out[i] = roundTo(f, decimals)
		} else {
			out[i] = v
		}
	}
	return s.with(out), nil
}

func seriesAbs(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	out := make([]any, s.Len())
	for i, v := range s.values {
		switch v := v.(type) {
		case int64:
			if v < 0 {
				v = -v
			}
			out[i] = v
		case float64:
			out[i] = math.Abs(v)
		case nil:
		default:
			return nil, exc.New(exc.TypeError, "bad operand type for abs(): '%s'", pyType(v))
		}
	}
	return s.with(out), nil
}

func seriesIdx(op string) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := unpackReduce(b, args, kwargs); err != nil {
			return nil, err
		}
		best := -1
		for i, v := range s.values {
			if v == nil {
				continue
			}
			if best < 0 {
				best = i
				continue
			}
			c := compareCells(v, s.values[best])
			if (op == "max" && c > 0) || (op == "min" && c < 0) {
				best = i
			}
		}
		if best < 0 {
			return nil, exc.New(exc.ValueError, "attempt to get arg%s of an empty sequence", op)
		}
		return toStarlark(s.index.label(best), dataset.TypeString), nil
	}
}

func seriesIsNull(want bool) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		out := make([]any, s.Len())
		for i, v := range s.values {
			out[i] = (v == nil) == want
		}
		return s.with(out), nil
	}
}

func fillValues(vals []any, fill any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if v == nil {
			v = fill
		}
		out[i] = v
	}
	return out
}

func seriesFillNA(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	fill, err := fromStarlark(value)
	if err != nil {
		return nil, err
	}
	return s.with(fillValues(s.values, fill)), nil
}

func seriesDropNA(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	var pos []int
	for i, v := range s.values {
		if v != nil {
			pos = append(pos, i)
		}
	}
	return s.take(pos), nil
}

func seriesCumsum(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	if !isNumeric(s.dtype) {
		return nil, exc.New(exc.TypeError, "cannot cumsum column '%s' with dtype object", s.name)
	}
	out := make([]any, s.Len())
	var acc any = int64(0)
	for i, v := range s.values {
		if v == nil {
			continue
		}
		next, err := binop(syntax.PLUS, acc, v)
		if err != nil {
			return nil, err
		}
		acc = next
		out[i] = acc
	}
	return s.with(out), nil
}

// describeValues returns the labels and values of describe() for one column.
func describeValues(s *Series) ([]any, []any) {
	if isNumeric(s.dtype) && s.dtype != dataset.TypeBool {
		xs := nonMissingFloats(s.values)
		labels := []any{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}
		minV, maxV := math.NaN(), math.NaN()
		if len(xs) > 0 {
			minV, maxV = quantile(xs, 0), quantile(xs, 1)
		}
		vals := []any{float64(len(xs)), mean(xs), math.Sqrt(variance(xs)), minV,
			quantile(xs, 0.25), quantile(xs, 0.5), quantile(xs, 0.75), maxV}
		return labels, vals
	}
	count, _ := reduce("count", s)
	unique, _ := reduce("nunique", s)
	vc := valueCounts(s.name, s.values, false, false, true, true)
	var top, freq any
	if vc.Len() > 0 {
		top, freq = vc.index.label(0), vc.values[0]
	}
	return []any{"count", "unique", "top", "freq"}, []any{count, unique, top, freq}
}

func seriesDescribe(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	labels, vals := describeValues(s)
	return NewSeries(s.name, vals, labelIndex("", labels)), nil
}

func seriesQuantile(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	q := 0.5
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "q?", &q); err != nil {
		return nil, err
	}
	if !isNumeric(s.dtype) {
		return nil, exc.New(exc.TypeError, "cannot compute quantile of column '%s' with dtype object", s.name)
	}
	if q < 0 || q > 1 {
		return nil, exc.New(exc.ValueError, "percentiles should all be in the interval [0, 1]")
	}
	return starlark.Float(quantile(nonMissingFloats(s.values), q)), nil
}

func seriesNBest(smallest bool) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		n, err := unpackN(b, args, kwargs)
		if err != nil {
			return nil, err
		}
		pos := argsort(s.values, smallest)
		var keep []int
		for _, p := range pos {
			if s.values[p] != nil && len(keep) < n {
				keep = append(keep, p)
			}
		}
		return s.take(keep), nil
	}
}

func seriesResetIndex(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name := s.name
	drop := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "drop?", &drop, "name?", &name); err != nil {
		return nil, err
	}
	if drop {
		return &Series{name: s.name, dtype: s.dtype, values: s.values, index: rangeIndex(s.Len())}, nil
	}
	if name == "" {
		name = "0"
	}
	vals := &Series{name: name, dtype: s.dtype, values: s.values}
	return resetIndex(s.index, []*Series{vals}), nil
}

func seriesCopy(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deep starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "deep?", &deep); err != nil {
		return nil, err
	}
	return s.with(append([]any(nil), s.values...)), nil
}

func seriesRename(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	c := *s
	c.name = name
	c.frozen = false
	return &c, nil
}

func seriesBetween(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var left, right starlark.Value
	inclusive := "both"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "left", &left, "right", &right, "inclusive?", &inclusive); err != nil {
		return nil, err
	}
	lo, hi := "ge", "le"
	switch inclusive {
	case "both":
	case "neither":
		lo, hi = "gt", "lt"
	case "left":
		hi = "lt"
	case "right":
		lo = "gt"
	default:
		return nil, exc.New(exc.ValueError, "inclusive has to be either string of 'both', 'left', 'right', or 'neither'")
	}
	a, err := compareValues(lo, s.values, left)
	if err != nil {
		return nil, err
	}
	c, err := compareValues(hi, s.values, right)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(a))
	for i := range out {
		out[i] = a[i].(bool) && c[i].(bool)
	}
	return s.with(out), nil
}

func iterableCells(v starlark.Value) ([]any, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, exc.New(exc.TypeError, "only list-like objects are allowed, you passed a '%s'", v.Type())
	}
	it := iter.Iterate()
	defer it.Done()
	var out []any
	var x starlark.Value
	for it.Next(&x) {
		c, err := fromStarlark(x)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func seriesIsIn(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &values); err != nil {
		return nil, err
	}
	cells, err := iterableCells(values)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, c := range cells {
		set[cellKey(c)] = true
		if f, ok := c.(float64); ok && f == math.Trunc(f) {
			set[cellKey(int64(f))] = true
		}
	}
	out := make([]any, s.Len())
	for i, v := range s.values {
		out[i] = v != nil && set[cellKey(v)]
	}
	return s.with(out), nil
}

func seriesAnyAll(isAny bool) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := unpackReduce(b, args, kwargs); err != nil {
			return nil, err
		}
		for _, v := range s.values {
			truthy := v != nil && v != false && v != int64(0) && v != 0.0 && v != ""
			if isAny && truthy {
				return starlark.True, nil
			}
			if !isAny && !truthy && v != nil {
				return starlark.False, nil
			}
		}
		return starlark.Bool(!isAny), nil
	}
}

func seriesAgg(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &fn); err != nil {
		return nil, err
	}
	if list, ok := fn.(*starlark.List); ok {
		labels := make([]any, list.Len())
		vals := make([]any, list.Len())
		for i := 0; i < list.Len(); i++ {
			name, err := reducerName(list.Index(i))
			if err != nil {
				return nil, err
			}
			v, err := reduce(name, s)
			if err != nil {
				return nil, err
			}
			labels[i], vals[i] = name, v
		}
		return NewSeries(s.name, vals, labelIndex("", labels)), nil
	}
	name, err := reducerName(fn)
	if err != nil {
		return nil, err
	}
	v, err := reduce(name, s)
	if err != nil {
		return nil, err
	}
	return toStarlark(v, dataset.TypeFloat), nil
}

func duplicatedMask(keys []string) []any {
	seen := map[string]bool{}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
		seen[k] = true
	}
	return out
}

func (s *Series) keys() []string {
	keys := make([]string, s.Len())
	for i, v := range s.values {
		keys[i] = cellKey(v)
	}
	return keys
}

func seriesDuplicated(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return s.with(duplicatedMask(s.keys())), nil
}

func seriesDropDuplicates(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	var pos []int
	for i, d := range duplicatedMask(s.keys()) {
		if !d.(bool) {
			pos = append(pos, i)
		}
	}
	return s.take(pos), nil
}

func seriesCompare(op string) seriesMethod {
	return func(s *Series, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var other starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &other); err != nil {
			return nil, err
		}
		out, err := compareValues(op, s.values, other)
		if err != nil {
			return nil, err
		}
		return s.with(out), nil
	}
}
