package frame

import (
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/ashureev/datachat/internal/exc"
)

// Module returns the "pd" module.
func Module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "pandas",
		Members: starlark.StringDict{
			"DataFrame":  starlark.NewBuiltin("DataFrame", pdDataFrame),
			"Series":     starlark.NewBuiltin("Series", pdSeries),
			"to_numeric": starlark.NewBuiltin("to_numeric", pdToNumeric),
			"concat":     starlark.NewBuiltin("concat", pdConcat),
			"isna":       starlark.NewBuiltin("isna", pdIsNA(true)),
			"isnull":     starlark.NewBuiltin("isnull", pdIsNA(true)),
			"notna":      starlark.NewBuiltin("notna", pdIsNA(false)),
			"notnull":    starlark.NewBuiltin("notnull", pdIsNA(false)),
			"set_option": starlark.NewBuiltin("set_option", pdSetOption),
			"NA":         starlark.None,
		},
	}
}

func indexArg(v starlark.Value, n int) (*Index, error) {
	if v == nil || v == starlark.None {
		return rangeIndex(n), nil
	}
	labels, err := Values(v)
	if err != nil {
		return nil, err
	}
	if len(labels) != n {
		return nil, exc.New(exc.ValueError, "Length of values (%d) does not match length of index (%d)", n, len(labels))
	}
	return labelIndex("", labels), nil
}

func pdDataFrame(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, columns, index starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data, "index?", &index, "columns?", &columns); err != nil {
		return nil, err
	}
	colNames, err := namesArg(columns)
	if err != nil {
		return nil, err
	}
	switch d := data.(type) {
	case nil, starlark.NoneType:
		df := &DataFrame{index: rangeIndex(0)}
		for _, n := range colNames {
			df.setColumn(n, nil)
		}
		return df, nil
	case *DataFrame:
		return d, nil
	case *starlark.Dict:
		return frameFromDict(d, index)
	case *starlark.List, starlark.Tuple:
		return frameFromRows(d.(starlark.Sequence), colNames, index)
	}
	return nil, exc.New(exc.ValueError, "DataFrame constructor not properly called!")
}

func frameFromDict(d *starlark.Dict, index starlark.Value) (*DataFrame, error) {
	n := -1
	for _, item := range d.Items() {
		if seq, ok := item[1].(starlark.Sequence); ok {
			if n >= 0 && seq.Len() != n {
				return nil, exc.New(exc.ValueError, "All arrays must be of the same length")
			}
			n = seq.Len()
		}
	}
	if n < 0 {
		if index == nil || index == starlark.None {
			return nil, exc.New(exc.ValueError, "If using all scalar values, you must pass an index")
		}
		labels, err := Values(index)
		if err != nil {
			return nil, err
		}
		n = len(labels)
	}
	idx, err := indexArg(index, n)
	if err != nil {
		return nil, err
	}
	df := &DataFrame{index: idx}
	for _, item := range d.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			name = item[0].String()
		}
		vals, err := assignable(item[1], n)
		if err != nil {
			return nil, err
		}
		df.setColumn(name, vals)
	}
	return df, nil
}

func frameFromRows(rows starlark.Sequence, colNames []string, index starlark.Value) (*DataFrame, error) {
	n := rows.Len()
	records := make([]starlark.Value, 0, n)
	it := rows.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		records = append(records, x)
	}

	cells := map[string][]any{}
	order := append([]string(nil), colNames...)
	known := map[string]bool{}
	for _, c := range order {
		known[c] = true
		cells[c] = make([]any, n)
	}
	for i, rec := range records {
		switch r := rec.(type) {
		case *starlark.Dict:
			for _, kv := range r.Items() {
				name, ok := starlark.AsString(kv[0])
				if !ok {
					name = kv[0].String()
				}
				if !known[name] {
					if colNames != nil {
						continue
					}
					known[name] = true
					order = append(order, name)
					cells[name] = make([]any, n)
				}
				v, err := fromStarlark(kv[1])
				if err != nil {
					return nil, err
				}
				cells[name][i] = v
			}
		case *starlark.List, starlark.Tuple:
			vals, err := iterableCells(r)
			if err != nil {
				return nil, err
			}
			for len(order) < len(vals) {
				name := strconv.Itoa(len(order))
				known[name] = true
				order = append(order, name)
				cells[name] = make([]any, n)
			}
			if len(vals) != len(order) {
				return nil, exc.New(exc.ValueError, "%d columns passed, passed data had %d columns", len(order), len(vals))
			}
			for j, v := range vals {
				cells[order[j]][i] = v
			}
		default:
			return nil, exc.New(exc.TypeError, "DataFrame rows must be dicts or lists, got '%s'", rec.Type())
		}
	}
	idx, err := indexArg(index, n)
	if err != nil {
		return nil, err
	}
	df := &DataFrame{index: idx}
	for _, name := range order {
		df.setColumn(name, cells[name])
	}
	return df, nil
}

func pdSeries(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data, index, dtype starlark.Value
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data?", &data, "index?", &index, "dtype?", &dtype, "name?", &name); err != nil {
		return nil, err
	}
	var vals []any
	var idx *Index
	switch d := data.(type) {
	case nil, starlark.NoneType:
	case *starlark.Dict:
		labels := make([]any, 0, d.Len())
		for _, kv := range d.Items() {
			l, err := fromStarlark(kv[0])
			if err != nil {
				return nil, err
			}
			v, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			labels = append(labels, l)
			vals = append(vals, v)
		}
		idx = labelIndex("", labels)
	default:
		cells, err := Values(d)
		if err != nil {
			return nil, err
		}
		vals = append([]any(nil), cells...)
	}
	if idx == nil {
		var err error
		if idx, err = indexArg(index, len(vals)); err != nil {
			return nil, err
		}
	}
	if dtype != nil && dtype != starlark.None {
		t, err := dtypeName(dtype)
		if err != nil {
			return nil, err
		}
		if vals, err = castValues(vals, t); err != nil {
			return nil, err
		}
	}
	if vals == nil {
		vals = []any{}
	}
	return NewSeries(name, vals, idx), nil
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if strings.Count(s, ",") == 1 {
		normalized := strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1)
		if f, err := strconv.ParseFloat(normalized, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toNumeric(vals []any, coerce bool) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			out[i] = v
			continue
		}
		f, ok := parseNumeric(s)
		if !ok {
			if coerce {
				continue
			}
			return nil, exc.New(exc.ValueError, "Unable to parse string \"%s\" at position %d", s, i)
		}
		if f == float64(int64(f)) && !strings.ContainsAny(s, ".,eE") {
			out[i] = int64(f)
		} else {
			out[i] = f
		}
	}
	return out, nil
}

func pdToNumeric(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var arg starlark.Value
	errorsMode := "raise"
	var downcast starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "arg", &arg, "errors?", &errorsMode, "downcast?", &downcast); err != nil {
		return nil, err
	}
	coerce := errorsMode == "coerce"
	switch a := arg.(type) {
	case *Series:
		vals, err := toNumeric(a.values, coerce)
		if err != nil {
			return nil, err
		}
		return a.with(vals), nil
	case *starlark.List, starlark.Tuple:
		cells, err := iterableCells(a)
		if err != nil {
			return nil, err
		}
		vals, err := toNumeric(cells, coerce)
		if err != nil {
			return nil, err
		}
		return NewSeries("", vals, nil), nil
	}
	cell, err := fromStarlark(arg)
	if err != nil {
		return nil, err
	}
	vals, err := toNumeric([]any{cell}, coerce)
	if err != nil {
		return nil, err
	}
	return toStarlark(vals[0], inferType(vals)), nil
}

func pdConcat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var objs starlark.Value
	var axis starlark.Value
	ignoreIndex := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "objs", &objs, "axis?", &axis, "ignore_index?", &ignoreIndex); err != nil {
		return nil, err
	}
	seq, ok := objs.(starlark.Sequence)
	if !ok || seq.Len() == 0 {
		return nil, exc.New(exc.ValueError, "No objects to concatenate")
	}
	var frames []*DataFrame
	var series []*Series
	it := seq.Iterate()
	defer it.Done()
	var x starlark.Value
	for it.Next(&x) {
		switch v := x.(type) {
		case *DataFrame:
			frames = append(frames, v)
		case *Series:
			series = append(series, v)
		default:
			return nil, exc.New(exc.TypeError, "cannot concatenate object of type '%s'; only Series and DataFrame objs are valid", x.Type())
		}
	}
	if len(frames) > 0 && len(series) > 0 {
		return nil, exc.New(exc.TypeError, "cannot concatenate a mix of Series and DataFrame")
	}

	if isRowAxis(axis) {
		out := &DataFrame{}
		for _, s := range series {
			frames = append(frames, newFrame([]*Series{s}, s.index))
		}
		out.index = frames[0].index
		for _, f := range frames {
			if f.Rows() != out.index.n {
				return nil, exc.New(exc.ValueError, "column-wise concat needs frames of equal length")
			}
			for _, c := range f.cols {
				out.setColumn(c.name, append([]any(nil), c.values...))
			}
		}
		return out, nil
	}

	if len(series) > 0 {
		var vals, labels []any
		for _, s := range series {
			vals = append(vals, s.values...)
			labels = append(labels, s.index.values()...)
		}
		var idx *Index
		if !ignoreIndex {
			idx = labelIndex("", labels)
		}
		return NewSeries(series[0].name, vals, idx), nil
	}

	var order []string
	seen := map[string]bool{}
	total := 0
	for _, f := range frames {
		total += f.Rows()
		for _, c := range f.cols {
			if !seen[c.name] {
				seen[c.name] = true
				order = append(order, c.name)
			}
		}
	}
	var labels []any
	cols := map[string][]any{}
	for _, name := range order {
		cols[name] = make([]any, 0, total)
	}
	for _, f := range frames {
		labels = append(labels, f.index.values()...)
		for _, name := range order {
			if c, ok := f.Column(name); ok {
				cols[name] = append(cols[name], c.values...)
			} else {
				cols[name] = append(cols[name], make([]any, f.Rows())...)
			}
		}
	}
	idx := rangeIndex(total)
	if !ignoreIndex {
		idx = labelIndex("", labels)
	}
	out := &DataFrame{index: idx}
	for _, name := range order {
		out.setColumn(name, cols[name])
	}
	return out, nil
}

func pdIsNA(want bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var obj starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &obj); err != nil {
			return nil, err
		}
		if s, ok := obj.(*Series); ok {
			out := make([]any, s.Len())
			for i, v := range s.values {
				out[i] = (v == nil) == want
			}
			return s.with(out), nil
		}
		cell, err := fromStarlark(obj)
		if err != nil {
			return starlark.Bool(!want), nil
		}
		return starlark.Bool((cell == nil) == want), nil
	}
}

// pdSetOption accepts display options and ignores them.
func pdSetOption(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	return starlark.None, nil
}
