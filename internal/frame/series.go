package frame

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

// Series is a labelled column of cells.
type Series struct {
	name   string
	dtype  dataset.ColumnType
	values []any
	index  *Index
	frozen bool
}

var (
	_ starlark.Value     = (*Series)(nil)
	_ starlark.Mapping   = (*Series)(nil)
	_ starlark.Sliceable = (*Series)(nil)
	_ starlark.Iterable  = (*Series)(nil)
	_ starlark.HasAttrs  = (*Series)(nil)
	_ starlark.HasBinary = (*Series)(nil)
	_ starlark.HasUnary  = (*Series)(nil)
)

// NewSeries infers the dtype of vals. A nil idx means a RangeIndex.
func NewSeries(name string, vals []any, idx *Index) *Series {
	if idx == nil {
		idx = rangeIndex(len(vals))
	}
	dt := inferType(vals)
	normalize(vals, dt)
	return &Series{name: name, dtype: dt, values: vals, index: idx}
}

func fromColumn(c *dataset.Column, idx *Index) *Series {
	return &Series{name: c.Name, dtype: c.Type, values: c.Values, index: idx}
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

// Labels returns the formatted index labels.
func (s *Series) Labels() []string {
	out := make([]string, s.Len())
	for i := range out {
		out[i] = formatLabel(s.index.label(i))
	}
	return out
}

// Strings returns the formatted values.
func (s *Series) Strings() []string {
	out := make([]string, s.Len())
	for i, v := range s.values {
		out[i] = dataset.FormatValue(v)
	}
	return out
}

// Floats returns the values as floats, with NaN for missing cells.
func (s *Series) Floats() ([]float64, error) {
	if !isNumeric(s.dtype) {
		return nil, exc.New(exc.TypeError, "could not convert column '%s' of dtype object to float", s.name)
	}
	out := make([]float64, len(s.values))
	for i, v := range s.values {
		f, ok := toFloat(v)
		if !ok {
			f = math.NaN()
		}
		out[i] = f
	}
	return out, nil
}

// Numeric reports whether the dtype is numeric.
func (s *Series) Numeric() bool { return isNumeric(s.dtype) }

func (s *Series) take(pos []int) *Series {
	vals := make([]any, len(pos))
	for i, p := range pos {
		vals[i] = s.values[p]
	}
	return &Series{name: s.name, dtype: s.dtype, values: vals, index: s.index.take(pos)}
}

func (s *Series) with(vals []any) *Series {
	return NewSeries(s.name, vals, s.index)
}

func (s *Series) String() string        { return formatSeries(s) }
func (s *Series) Type() string          { return "Series" }
func (s *Series) Freeze()               { s.frozen = true }
func (s *Series) Truth() starlark.Bool  { return len(s.values) > 0 }
func (s *Series) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: Series") }
func (s *Series) Len() int              { return len(s.values) }

func (s *Series) Index(i int) starlark.Value { return toStarlark(s.values[i], s.dtype) }

func (s *Series) Iterate() starlark.Iterator {
	return &positionIter{n: s.Len(), at: s.Index}
}

func (s *Series) Slice(start, end, step int) starlark.Value {
	return s.take(slicePositions(start, end, step))
}

func slicePositions(start, end, step int) []int {
	var pos []int
	if step > 0 {
		for i := start; i < end; i += step {
			pos = append(pos, i)
		}
	} else {
		for i := start; i > end; i += step {
			pos = append(pos, i)
		}
	}
	return pos
}

// Get implements s[label] and s[mask].
func (s *Series) Get(k starlark.Value) (starlark.Value, bool, error) {
	if mask, ok := k.(*Series); ok {
		pos, err := maskPositions(mask, s.Len())
		if err != nil {
			return nil, false, err
		}
		return s.take(pos), true, nil
	}
	if _, ok := k.(starlark.Bool); ok {
		return nil, false, errPlainBool
	}
	label, err := fromStarlark(k)
	if err != nil {
		return nil, false, err
	}
	pos := s.index.find(label)
	if pos < 0 {
		// Integer keys fall back to positions on non-integer labels.
		if n, ok := label.(int64); ok && !s.index.isRange() && inferType(s.index.labels) != dataset.TypeInt {
			if n < 0 {
				n += int64(s.Len())
			}
			if n >= 0 && int(n) < s.Len() {
				return s.Index(int(n)), true, nil
			}
		}
		return nil, false, exc.New(exc.KeyError, "%s", pyRepr(label))
	}
	return s.Index(pos), true, nil
}

var errPlainBool = exc.New(exc.TypeError,
	"cannot index with a plain bool; comparison operators are not elementwise here, "+
		"build masks with .gt(x), .lt(x), .ge(x), .le(x), .eq(x), .ne(x) or .isin([...])")

func maskPositions(mask *Series, n int) ([]int, error) {
	if mask.dtype != dataset.TypeBool && !allBoolOrMissing(mask.values) {
		return nil, exc.New(exc.KeyError, "indexing with a non-boolean Series of dtype %s", mask.dtype)
	}
	if mask.Len() != n {
		return nil, exc.New(exc.IndexError, "boolean index has wrong length: %d instead of %d", mask.Len(), n)
	}
	var pos []int
	for i, v := range mask.values {
		if b, ok := v.(bool); ok && b {
			pos = append(pos, i)
		}
	}
	return pos, nil
}

func allBoolOrMissing(vals []any) bool {
	for _, v := range vals {
		switch v.(type) {
		case nil, bool:
		default:
			return false
		}
	}
	return true
}

// operand broadcasts y against a length-n series. It returns nil when y is
// not a supported operand.
func operand(y starlark.Value, n int) ([]any, error) {
	switch y := y.(type) {
	case *Series:
		if y.Len() != n {
			return nil, exc.New(exc.ValueError, "operands could not be broadcast together with shapes (%d,) (%d,)", n, y.Len())
		}
		return y.values, nil
	case *starlark.List:
		if y.Len() != n {
			return nil, exc.New(exc.ValueError, "length of values (%d) does not match length of series (%d)", y.Len(), n)
		}
		out := make([]any, n)
		for i := range out {
			v, err := fromStarlark(y.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case starlark.Int, starlark.Float, starlark.Bool, starlark.String, starlark.NoneType:
		v, _ := fromStarlark(y)
		out := make([]any, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	}
	return nil, nil
}

func (s *Series) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	other, err := operand(y, s.Len())
	if err != nil || other == nil {
		return nil, err
	}
	left, right := s.values, other
	if side == starlark.Right {
		left, right = right, left
	}
	out := make([]any, len(left))
	for i := range out {
		v, err := binop(op, left[i], right[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	name := s.name
	if o, ok := y.(*Series); ok && o.name != s.name {
		name = ""
	}
	return NewSeries(name, out, s.index), nil
}

func (s *Series) Unary(op syntax.Token) (starlark.Value, error) {
	out := make([]any, s.Len())
	for i, v := range s.values {
		switch v := v.(type) {
		case nil:
		case bool:
			if op != syntax.TILDE {
				return nil, exc.New(exc.TypeError, "bad operand type for unary %s: 'bool'", op)
			}
			out[i] = !v
		case int64:
			switch op {
			case syntax.MINUS:
				out[i] = -v
			case syntax.PLUS:
				out[i] = v
			default:
				out[i] = ^v
			}
		case float64:
			if op == syntax.TILDE {
				return nil, exc.New(exc.TypeError, "bad operand type for unary ~: 'float'")
			}
			if op == syntax.MINUS {
				v = -v
			}
			out[i] = v
		default:
			return nil, exc.New(exc.TypeError, "bad operand type for unary %s: '%s'", op, pyType(v))
		}
	}
	return s.with(out), nil
}

func pyType(v any) string {
	switch v.(type) {
	case nil:
		return "float"
	case int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case string:
		return "str"
	}
	return "object"
}

func binop(op syntax.Token, a, b any) (any, error) {
	switch op {
	case syntax.AMP, syntax.PIPE, syntax.CIRCUMFLEX:
		ab, aok := a.(bool)
		bb, bok := b.(bool)
		if a == nil || b == nil {
			return false, nil
		}
		if !aok || !bok {
			return nil, exc.New(exc.TypeError, "unsupported operand type(s) for %s: '%s' and '%s'", op, pyType(a), pyType(b))
		}
		switch op {
		case syntax.AMP:
			return ab && bb, nil
		case syntax.PIPE:
			return ab || bb, nil
		}
		return ab != bb, nil
	}
	if a == nil || b == nil {
		return nil, nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok && op == syntax.PLUS {
			return as + bs, nil
		}
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aok || !bok || aStr || bStr {
		return nil, exc.New(exc.TypeError, "unsupported operand type(s) for %s: '%s' and '%s'", op, pyType(a), pyType(b))
	}
	_, aFloat := a.(float64)
	_, bFloat := b.(float64)
	integral := !aFloat && !bFloat
	ia, ib := int64(fa), int64(fb)

	switch op {
	case syntax.PLUS:
		if integral {
			return ia + ib, nil
		}
		return fa + fb, nil
	case syntax.MINUS:
		if integral {
			return ia - ib, nil
		}
		return fa - fb, nil
	case syntax.STAR:
		if integral {
			return ia * ib, nil
		}
		return fa * fb, nil
	case syntax.SLASH:
		return divide(fa, fb), nil
	case syntax.SLASHSLASH:
		if fb == 0 {
			return divide(fa, fb), nil
		}
		if integral {
			q := ia / ib
			if (ia%ib != 0) && ((ia < 0) != (ib < 0)) {
				q--
			}
			return q, nil
		}
		return math.Floor(fa / fb), nil
	case syntax.PERCENT:
		if fb == 0 {
			return math.NaN(), nil
		}
		if integral {
			m := ia % ib
			if m != 0 && (m < 0) != (ib < 0) {
				m += ib
			}
			return m, nil
		}
		return fa - fb*math.Floor(fa/fb), nil
	case syntax.STARSTAR:
		if integral && ib >= 0 {
			acc := int64(1)
			for ; ib > 0; ib-- {
				acc *= ia
			}
			return acc, nil
		}
		return math.Pow(fa, fb), nil
	}
	return nil, exc.New(exc.TypeError, "unsupported operand type(s) for %s: '%s' and '%s'", op, pyType(a), pyType(b))
}

// divide follows IEEE semantics so that x/0 yields inf like pandas.
func divide(a, b float64) float64 {
	if b == 0 {
		switch {
		case a > 0:
			return math.Inf(1)
		case a < 0:
			return math.Inf(-1)
		}
		return math.NaN()
	}
	return a / b
}

var opSymbols = map[string]string{"gt": ">", "lt": "<", "ge": ">=", "le": "<=", "eq": "==", "ne": "!="}

var compareOps = map[syntax.Token]string{
	syntax.GT: "gt", syntax.LT: "lt", syntax.GE: "ge", syntax.LE: "le", syntax.EQL: "eq", syntax.NEQ: "ne",
}

var mirrored = map[string]string{"gt": "lt", "lt": "gt", "ge": "le", "le": "ge", "eq": "eq", "ne": "ne"}

// Compare applies a comparison operator element-wise and returns a boolean
// series. With side == starlark.Right the series is the right operand, so
// 6 < s means s > 6.
func (s *Series) Compare(op syntax.Token, y starlark.Value, side starlark.Side) (*Series, error) {
	name, ok := compareOps[op]
	if !ok {
		return nil, exc.New(exc.TypeError, "unsupported comparison %s for Series", op)
	}
	if side == starlark.Right {
		name = mirrored[name]
	}
	out, err := compareValues(name, s.values, y)
	if err != nil {
		return nil, err
	}
	return s.with(out), nil
}

func compareValues(op string, vals []any, y starlark.Value) ([]any, error) {
	other, err := operand(y, len(vals))
	if err != nil {
		return nil, err
	}
	if other == nil {
		return nil, exc.New(exc.TypeError, "cannot compare with '%s'", y.Type())
	}
	out := make([]any, len(vals))
	for i, a := range vals {
		b := other[i]
		if a == nil || b == nil {
			out[i] = op == "ne"
			continue
		}
		_, aStr := a.(string)
		_, bStr := b.(string)
		if aStr != bStr {
			switch op {
			case "eq":
				out[i] = false
			case "ne":
				out[i] = true
			default:
				return nil, exc.New(exc.TypeError, "'%s' not supported between instances of '%s' and '%s'", opSymbols[op], pyType(a), pyType(b))
			}
			continue
		}
		c := compareCells(a, b)
		switch op {
		case "gt":
			out[i] = c > 0
		case "lt":
			out[i] = c < 0
		case "ge":
			out[i] = c >= 0
		case "le":
			out[i] = c <= 0
		case "eq":
			out[i] = c == 0
		default:
			out[i] = c != 0
		}
	}
	return out, nil
}

// argsort returns a stable ordering with missing cells last.
func argsort(vals []any, ascending bool) []int {
	pos := make([]int, 0, len(vals))
	var missing []int
	for i, v := range vals {
		if v == nil {
			missing = append(missing, i)
			continue
		}
		pos = append(pos, i)
	}
	sort.SliceStable(pos, func(i, j int) bool {
		c := compareCells(vals[pos[i]], vals[pos[j]])
		if ascending {
			return c < 0
		}
		return c > 0
	})
	return append(pos, missing...)
}

// reduce computes a named aggregation over the non-missing cells.
func reduce(op string, s *Series) (any, error) {
	switch op {
	case "count":
		var n int64
		for _, v := range s.values {
			if v != nil {
				n++
			}
		}
		return n, nil
	case "size", "len":
		return int64(s.Len()), nil
	case "nunique":
		seen := map[string]bool{}
		for _, v := range s.values {
			if v != nil {
				seen[cellKey(v)] = true
			}
		}
		return int64(len(seen)), nil
	case "first":
		for _, v := range s.values {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case "last":
		for i := len(s.values) - 1; i >= 0; i-- {
			if s.values[i] != nil {
				return s.values[i], nil
			}
		}
		return nil, nil
	case "min", "max":
		var best any
		for _, v := range s.values {
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c := compareCells(v, best)
			if (op == "min" && c < 0) || (op == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	}

	if !isNumeric(s.dtype) {
		return nil, exc.New(exc.TypeError, "could not compute %s of column '%s' with dtype object", op, s.name)
	}
	xs := nonMissingFloats(s.values)
	switch op {
	case "sum":
		if s.dtype != dataset.TypeFloat {
			var n int64
			for _, x := range xs {
				n += int64(x)
			}
			return n, nil
		}
		return sum(xs), nil
	case "mean", "average":
		return mean(xs), nil
	case "median":
		return quantile(xs, 0.5), nil
	case "std":
		return math.Sqrt(variance(xs)), nil
	case "var":
		return variance(xs), nil
	case "prod":
		p := 1.0
		for _, x := range xs {
			p *= x
		}
		if s.dtype != dataset.TypeFloat {
			return int64(p), nil
		}
		return p, nil
	}
	return nil, exc.New(exc.AttributeError, "'%s' is not a valid aggregation", op)
}

func reducerName(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case starlark.String:
		return string(v), nil
	case *starlark.Builtin:
		return v.Name(), nil
	case starlark.Callable:
		return v.Name(), nil
	}
	return "", exc.New(exc.TypeError, "aggregation must be a string, got '%s'", v.Type())
}
