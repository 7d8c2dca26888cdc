// Package frame provides a pandas-flavoured DataFrame and Series for
// Starlark snippets. Cells use the same representation as dataset.Column:
// nil (missing), int64, float64, bool or string.
package frame

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

// tuple is a multi-key group label.
type tuple []any

func toStarlark(v any, dt dataset.ColumnType) starlark.Value {
	switch v := v.(type) {
	case nil:
		if dt == dataset.TypeString {
			return starlark.None
		}
		return starlark.Float(math.NaN())
	case int64:
		return starlark.MakeInt64(v)
	case float64:
		return starlark.Float(v)
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case tuple:
		out := make(starlark.Tuple, len(v))
		for i, e := range v {
			out[i] = toStarlark(e, dataset.TypeString)
		}
		return out
	}
	return starlark.String(fmt.Sprint(v))
}

func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Int:
		if n, ok := v.Int64(); ok {
			return n, nil
		}
		return float64(v.Float()), nil
	case starlark.Float:
		if math.IsNaN(float64(v)) {
			return nil, nil
		}
		return float64(v), nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Tuple:
		out := make(tuple, len(v))
		for i, e := range v {
			c, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	}
	return nil, exc.New(exc.TypeError, "unsupported cell value of type '%s'", v.Type())
}

// inferType picks a dtype for a column of cells the way pandas would.
func inferType(vals []any) dataset.ColumnType {
	var hasInt, hasFloat, hasBool, hasStr, hasNil bool
	for _, v := range vals {
		switch v.(type) {
		case nil:
			hasNil = true
		case int64:
			hasInt = true
		case float64:
			hasFloat = true
		case bool:
			hasBool = true
		default:
			hasStr = true
		}
	}
	switch {
	case hasStr, hasBool && (hasInt || hasFloat), hasBool && hasNil:
		return dataset.TypeString
	case hasBool:
		return dataset.TypeBool
	case hasFloat, hasInt && hasNil:
		return dataset.TypeFloat
	case hasInt:
		return dataset.TypeInt
	case len(vals) == 0:
		return dataset.TypeString
	default:
		return dataset.TypeFloat
	}
}

func normalize(vals []any, dt dataset.ColumnType) {
	if dt != dataset.TypeFloat {
		return
	}
	for i, v := range vals {
		if n, ok := v.(int64); ok {
			vals[i] = float64(n)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, !math.IsNaN(v)
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func isNumeric(dt dataset.ColumnType) bool {
	return dt == dataset.TypeInt || dt == dataset.TypeFloat || dt == dataset.TypeBool
}

// compareCells orders two non-missing cells. Numbers sort before strings.
func compareCells(a, b any) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(formatLabel(a), formatLabel(b))
}

// cellsEqual reports label equality, treating 1 and 1.0 as equal.
func cellsEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if _, isBool := a.(bool); !isBool {
			fb, ok := toFloat(b)
			_, bBool := b.(bool)
			return ok && !bBool && fa == fb
		}
	}
	if ta, ok := a.(tuple); ok {
		tb, ok := b.(tuple)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !cellsEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// cellKey maps a cell to a comparable map key.
func cellKey(v any) string {
	switch v := v.(type) {
	case nil:
		return "\x00nil"
	case int64:
		return "n" + strconv.FormatFloat(float64(v), 'g', -1, 64)
	case float64:
		return "n" + strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return "b" + strconv.FormatBool(v)
	case tuple:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = cellKey(e)
		}
		return "t(" + strings.Join(parts, "\x01") + ")"
	}
	return "s" + fmt.Sprint(v)
}

func formatLabel(v any) string {
	if t, ok := v.(tuple); ok {
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = dataset.FormatValue(e)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	return dataset.FormatValue(v)
}

// pyRepr renders a cell like Python's repr, used in error messages.
func pyRepr(v any) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return formatLabel(v)
}

// stats

func nonMissingFloats(vals []any) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if f, ok := toFloat(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return sum(xs) / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs)-1)
}

// quantile uses linear interpolation, numpy's default.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func parseNumber(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("not a string")
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
