package frame

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

type frameMethod func(df *DataFrame, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var frameMethods = map[string]frameMethod{
	"sum":     frameReduce("sum"),
	"mean":    frameReduce("mean"),
	"median":  frameReduce("median"),
	"min":     frameReduce("min"),
	"max":     frameReduce("max"),
	"std":     frameReduce("std"),
	"var":     frameReduce("var"),
	"prod":    frameReduce("prod"),
	"count":   frameReduce("count"),
	"nunique": frameReduce("nunique"),

	"head":            frameHead,
	"tail":            frameTail,
	"describe":        frameDescribe,
	"info":            frameInfo,
	"sort_values":     frameSortValues,
	"sort_index":      frameSortIndex,
	"groupby":         frameGroupBy,
	"pivot_table":     framePivotTable,
	"drop":            frameDrop,
	"rename":          frameRename,
	"dropna":          frameDropNA,
	"fillna":          frameFillNA,
	"to_string":       frameToString,
	"isnull":          frameIsNull(true),
	"isna":            frameIsNull(true),
	"notnull":         frameIsNull(false),
	"notna":           frameIsNull(false),
	"to_dict":         frameToDict,
	"copy":            frameCopy,
	"reset_index":     frameResetIndex,
	"set_index":       frameSetIndex,
	"nlargest":        frameNBest(false),
	"nsmallest":       frameNBest(true),
	"drop_duplicates": frameDropDuplicates,
	"duplicated":      frameDuplicated,
	"corr":            frameCorr,
	"select_dtypes":   frameSelectDtypes,
	"iterrows":        frameIterRows,
	"apply":           frameApply,
	"agg":             frameAgg,
	"aggregate":       frameAgg,
	"assign":          frameAssign,
	"astype":          frameAstype,
	"round":           frameRound,
	"plot":            framePlot,
}

func inplaceResult(df, out *DataFrame, inplace bool) (starlark.Value, error) {
	if !inplace {
		return out, nil
	}
	if err := df.replaceWith(out); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// namesArg accepts a column name or a list of names.
func namesArg(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	if s, ok := starlark.AsString(v); ok {
		return []string{s}, nil
	}
	if names, ok := stringList(v); ok {
		return names, nil
	}
	return nil, exc.New(exc.TypeError, "expected a column name or a list of column names, got '%s'", v.Type())
}

func isNumericOp(op string) bool {
	switch op {
	case "sum", "mean", "median", "std", "var", "prod":
		return true
	}
	return false
}

func isRowAxis(axis starlark.Value) bool {
	if axis == nil {
		return false
	}
	if s, ok := starlark.AsString(axis); ok {
		return s == "columns"
	}
	var n int
	return starlark.AsInt(axis, &n) == nil && n == 1
}

func frameReduce(op string) frameMethod {
	return func(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var axis, skipna starlark.Value
		numericOnly := false
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "axis?", &axis, "skipna?", &skipna, "numeric_only?", &numericOnly); err != nil {
			return nil, err
		}
		var cols []*Series
		for _, c := range df.cols {
			if (numericOnly || isNumericOp(op)) && !isNumeric(c.dtype) {
				continue
			}
			cols = append(cols, c)
		}
		if isRowAxis(axis) {
			out := make([]any, df.Rows())
			for i := range out {
				cells := make([]any, len(cols))
				for j, c := range cols {
					cells[j] = c.values[i]
				}
				v, err := reduce(op, NewSeries("", cells, nil))
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return NewSeries("", out, df.index), nil
		}
		labels := make([]any, len(cols))
		vals := make([]any, len(cols))
		for i, c := range cols {
			v, err := reduce(op, c)
			if err != nil {
				return nil, err
			}
			labels[i], vals[i] = c.name, v
		}
		return NewSeries("", vals, labelIndex("", labels)), nil
	}
}

func frameHead(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := unpackN(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return df.take(headPositions(df.Rows(), n)), nil
}

func frameTail(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n, err := unpackN(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return df.take(tailPositions(df.Rows(), n)), nil
}

func frameDescribe(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var include starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "include?", &include); err != nil {
		return nil, err
	}
	var pick []*Series
	for _, c := range df.cols {
		if isNumeric(c.dtype) && c.dtype != dataset.TypeBool {
			pick = append(pick, c)
		}
	}
	if len(pick) == 0 {
		pick = df.cols
	}
	var labels []any
	cols := make([]*Series, len(pick))
	for i, c := range pick {
		l, vals := describeValues(c)
		if labels == nil {
			labels = l
		}
		cols[i] = NewSeries(c.name, vals, nil)
	}
	return newFrame(cols, labelIndex("", labels)), nil
}

// printTo writes through the thread's print hook.
func printTo(th *starlark.Thread, msg string) {
	if th != nil && th.Print != nil {
		th.Print(th, msg)
		return
	}
	fmt.Println(msg)
}

func frameInfo(df *DataFrame, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var verbose starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "verbose?", &verbose); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("<class 'pandas.core.frame.DataFrame'>\n")
	n := df.Rows()
	if df.index.isRange() {
		fmt.Fprintf(&sb, "RangeIndex: %d entries, 0 to %d\n", n, max(n-1, 0))
	} else {
		fmt.Fprintf(&sb, "Index: %d entries\n", n)
	}
	fmt.Fprintf(&sb, "Data columns (total %d columns):\n", len(df.cols))

	nameW := len("Column")
	for _, c := range df.cols {
		nameW = max(nameW, len([]rune(c.name)))
	}
	countW := len("Non-Null Count")
	fmt.Fprintf(&sb, " #   %-*s  %-*s  Dtype\n", nameW, "Column", countW, "Non-Null Count")
	fmt.Fprintf(&sb, "---  %s  %s  -----\n", strings.Repeat("-", nameW), strings.Repeat("-", countW))
	dtypes := map[string]int{}
	for i, c := range df.cols {
		cnt, _ := reduce("count", c)
		fmt.Fprintf(&sb, " %-3d %-*s  %-*s  %s\n", i, nameW, c.name, countW, fmt.Sprintf("%d non-null", cnt), c.dtype)
		dtypes[c.dtype.String()]++
	}
	var kinds []string
	for k := range dtypes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s(%d)", k, dtypes[k])
	}
	fmt.Fprintf(&sb, "dtypes: %s", strings.Join(parts, ", "))
	printTo(th, sb.String())
	return starlark.None, nil
}

// sortedPositions orders rows by several keys; missing cells sort last.
func sortedPositions(keys [][]any, ascending []bool, n int) []int {
	pos := make([]int, n)
	for i := range pos {
		pos[i] = i
	}
	sort.SliceStable(pos, func(i, j int) bool {
		for k, vals := range keys {
			a, b := vals[pos[i]], vals[pos[j]]
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return false
			case b == nil:
				return true
			}
			c := compareCells(a, b)
			if c == 0 {
				continue
			}
			if ascending[k] {
				return c < 0
			}
			return c > 0
		}
		return false
	})
	return pos
}

func ascendingArg(v starlark.Value, n int) ([]bool, error) {
	out := make([]bool, n)
	if v == nil {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	if b, ok := v.(starlark.Bool); ok {
		for i := range out {
			out[i] = bool(b)
		}
		return out, nil
	}
	l, ok := v.(*starlark.List)
	if !ok || l.Len() != n {
		return nil, exc.New(exc.ValueError, "Length of ascending (%s) != length of by (%d)", v.String(), n)
	}
	for i := range out {
		out[i] = bool(l.Index(i).Truth())
	}
	return out, nil
}

func frameSortValues(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by, ascending starlark.Value
	inplace := false
	var naPosition string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "by", &by, "ascending?", &ascending, "inplace?", &inplace, "na_position?", &naPosition); err != nil {
		return nil, err
	}
	names, err := namesArg(by)
	if err != nil {
		return nil, err
	}
	asc, err := ascendingArg(ascending, len(names))
	if err != nil {
		return nil, err
	}
	keys := make([][]any, len(names))
	for i, n := range names {
		c, err := df.mustColumn(n)
		if err != nil {
			return nil, err
		}
		keys[i] = c.values
	}
	return inplaceResult(df, df.take(sortedPositions(keys, asc, df.Rows())), inplace)
}

func frameSortIndex(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ascending, inplace := true, false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "ascending?", &ascending, "inplace?", &inplace); err != nil {
		return nil, err
	}
	return inplaceResult(df, df.take(argsort(df.index.values(), ascending)), inplace)
}

func frameGroupBy(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var by starlark.Value
	asIndex, sortKeys, dropna := true, true, true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "by", &by, "as_index?", &asIndex, "sort?", &sortKeys, "dropna?", &dropna); err != nil {
		return nil, err
	}
	keys, err := namesArg(by)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, exc.New(exc.TypeError, "You have to supply one of 'by' and 'level'")
	}
	return newGroupBy(df, keys, asIndex, sortKeys, dropna)
}

func framePivotTable(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values, index, columns, fillValue starlark.Value
	var aggfunc starlark.Value = starlark.String("mean")
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"values?", &values, "index?", &index, "columns?", &columns, "aggfunc?", &aggfunc, "fill_value?", &fillValue); err != nil {
		return nil, err
	}
	rowKey, ok := starlark.AsString(index)
	if !ok {
		return nil, exc.New(exc.TypeError, "pivot_table index must be a column name")
	}
	valName, ok := starlark.AsString(values)
	if !ok {
		return nil, exc.New(exc.TypeError, "pivot_table values must be a column name")
	}
	op, err := reducerName(aggfunc)
	if err != nil {
		return nil, err
	}
	var fill any
	if fillValue != nil {
		if fill, err = fromStarlark(fillValue); err != nil {
			return nil, err
		}
	}
	if columns == nil || columns == starlark.None {
		g, err := newGroupBy(df, []string{rowKey}, true, true, true)
		if err != nil {
			return nil, err
		}
		return g.aggregate(map[string][]string{valName: {op}}, []string{valName}, false)
	}
	colKey, ok := starlark.AsString(columns)
	if !ok {
		return nil, exc.New(exc.TypeError, "pivot_table columns must be a column name")
	}
	g, err := newGroupBy(df, []string{rowKey, colKey}, true, true, true)
	if err != nil {
		return nil, err
	}
	val, err := df.mustColumn(valName)
	if err != nil {
		return nil, err
	}

	var rowLabels, colLabels []any
	rowSeen, colSeen := map[string]int{}, map[string]int{}
	for _, grp := range g.groups {
		if _, ok := rowSeen[cellKey(grp.key[0])]; !ok {
			rowSeen[cellKey(grp.key[0])] = len(rowLabels)
			rowLabels = append(rowLabels, grp.key[0])
		}
		if _, ok := colSeen[cellKey(grp.key[1])]; !ok {
			colSeen[cellKey(grp.key[1])] = len(colLabels)
			colLabels = append(colLabels, grp.key[1])
		}
	}
	sort.SliceStable(colLabels, func(i, j int) bool { return compareCells(colLabels[i], colLabels[j]) < 0 })
	for i, l := range colLabels {
		colSeen[cellKey(l)] = i
	}
	grid := make([][]any, len(colLabels))
	for i := range grid {
		grid[i] = make([]any, len(rowLabels))
		for j := range grid[i] {
			grid[i][j] = fill
		}
	}
	for _, grp := range g.groups {
		v, err := reduce(op, val.take(grp.rows))
		if err != nil {
			return nil, err
		}
		grid[colSeen[cellKey(grp.key[1])]][rowSeen[cellKey(grp.key[0])]] = v
	}
	idx := labelIndex(rowKey, rowLabels)
	cols := make([]*Series, len(colLabels))
	for i, l := range colLabels {
		cols[i] = NewSeries(formatLabel(l), grid[i], idx)
	}
	return newFrame(cols, idx), nil
}

func frameDrop(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var labels, axis, index, columns starlark.Value
	inplace := false
	errorsMode := "raise"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"labels?", &labels, "axis?", &axis, "index?", &index, "columns?", &columns, "inplace?", &inplace, "errors?", &errorsMode); err != nil {
		return nil, err
	}
	if labels != nil && labels != starlark.None {
		if isRowAxis(axis) {
			columns = labels
		} else {
			index = labels
		}
	}
	out := df
	if columns != nil && columns != starlark.None {
		names, err := namesArg(columns)
		if err != nil {
			return nil, err
		}
		drop := map[string]bool{}
		for _, n := range names {
			if _, ok := df.Column(n); !ok && errorsMode == "raise" {
				return nil, exc.New(exc.KeyError, "\"['%s'] not found in axis\"", n)
			}
			drop[n] = true
		}
		var keep []*Series
		for _, c := range df.cols {
			if !drop[c.name] {
				keep = append(keep, c)
			}
		}
		out = newFrame(keep, df.index)
	}
	if index != nil && index != starlark.None {
		var rows []any
		if l, ok := index.(*starlark.List); ok {
			cells, err := iterableCells(l)
			if err != nil {
				return nil, err
			}
			rows = cells
		} else {
			cell, err := fromStarlark(index)
			if err != nil {
				return nil, err
			}
			rows = []any{cell}
		}
		drop := map[int]bool{}
		for _, r := range rows {
			p := out.index.find(r)
			if p < 0 && errorsMode == "raise" {
				return nil, exc.New(exc.KeyError, "\"[%s] not found in axis\"", pyRepr(r))
			}
			drop[p] = true
		}
		var keep []int
		for i := 0; i < out.Rows(); i++ {
			if !drop[i] {
				keep = append(keep, i)
			}
		}
		out = out.take(keep)
	}
	return inplaceResult(df, out, inplace)
}

func frameRename(df *DataFrame, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var columns, index starlark.Value
	inplace := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "columns?", &columns, "index?", &index, "inplace?", &inplace); err != nil {
		return nil, err
	}
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		name := c.name
		switch m := columns.(type) {
		case *starlark.Dict:
			v, found, err := m.Get(starlark.String(name))
			if err != nil {
				return nil, err
			}
			if found {
				s, ok := starlark.AsString(v)
				if !ok {
					return nil, exc.New(exc.TypeError, "new column names must be strings")
				}
				name = s
			}
		case starlark.Callable:
			v, err := starlark.Call(th, m, starlark.Tuple{starlark.String(name)}, nil)
			if err != nil {
				return nil, err
			}
			s, ok := starlark.AsString(v)
			if !ok {
				return nil, exc.New(exc.TypeError, "new column names must be strings")
			}
			name = s
		}
		cp := *c
		cp.name = name
		cols[i] = &cp
	}
	return inplaceResult(df, newFrame(cols, df.index), inplace)
}

func frameDropNA(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var subset, axis starlark.Value
	how := "any"
	inplace := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "axis?", &axis, "how?", &how, "subset?", &subset, "inplace?", &inplace); err != nil {
		return nil, err
	}
	names, err := namesArg(subset)
	if err != nil {
		return nil, err
	}
	check := df.cols
	if names != nil {
		sub, err := df.selectCols(names)
		if err != nil {
			return nil, err
		}
		check = sub.cols
	}
	var keep []int
	for i := 0; i < df.Rows(); i++ {
		missing := 0
		for _, c := range check {
			if c.values[i] == nil {
				missing++
			}
		}
		drop := missing > 0
		if how == "all" {
			drop = missing == len(check)
		}
		if !drop {
			keep = append(keep, i)
		}
	}
	return inplaceResult(df, df.take(keep), inplace)
}

func frameFillNA(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	inplace := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "inplace?", &inplace); err != nil {
		return nil, err
	}
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		fillWith := value
		if d, ok := value.(*starlark.Dict); ok {
			v, found, err := d.Get(starlark.String(c.name))
			if err != nil {
				return nil, err
			}
			if !found {
				cols[i] = c
				continue
			}
			fillWith = v
		}
		fill, err := fromStarlark(fillWith)
		if err != nil {
			return nil, err
		}
		cols[i] = NewSeries(c.name, fillValues(c.values, fill), df.index)
	}
	return inplaceResult(df, newFrame(cols, df.index), inplace)
}

func frameToString(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	index := true
	var maxRows starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index?", &index, "max_rows?", &maxRows); err != nil {
		return nil, err
	}
	out := df
	if !index {
		out = newFrame(append([]*Series(nil), df.cols...), rangeIndex(df.Rows()))
		return starlark.String(formatTable(out, false, false)), nil
	}
	return starlark.String(formatFrame(out, false)), nil
}

func frameIsNull(want bool) frameMethod {
	return func(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		cols := make([]*Series, len(df.cols))
		for i, c := range df.cols {
			vals := make([]any, df.Rows())
			for j, v := range c.values {
				vals[j] = (v == nil) == want
			}
			cols[i] = NewSeries(c.name, vals, df.index)
		}
		return newFrame(cols, df.index), nil
	}
}

func frameToDict(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	orient := "dict"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "orient?", &orient); err != nil {
		return nil, err
	}
	switch orient {
	case "records":
		rows := make([]starlark.Value, df.Rows())
		for i := range rows {
			d := starlark.NewDict(len(df.cols))
			for _, c := range df.cols {
				if err := d.SetKey(starlark.String(c.name), toStarlark(c.values[i], c.dtype)); err != nil {
					return nil, err
				}
			}
			rows[i] = d
		}
		return starlark.NewList(rows), nil
	case "list":
		d := starlark.NewDict(len(df.cols))
		for _, c := range df.cols {
			if err := d.SetKey(starlark.String(c.name), toList(c.values, c.dtype)); err != nil {
				return nil, err
			}
		}
		return d, nil
	case "dict":
		d := starlark.NewDict(len(df.cols))
		for _, c := range df.cols {
			inner := starlark.NewDict(c.Len())
			for i, v := range c.values {
				if err := inner.SetKey(toStarlark(df.index.label(i), dataset.TypeString), toStarlark(v, c.dtype)); err != nil {
					return nil, err
				}
			}
			if err := d.SetKey(starlark.String(c.name), inner); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, exc.New(exc.ValueError, "orient '%s' not understood", orient)
}

func frameCopy(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deep starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "deep?", &deep); err != nil {
		return nil, err
	}
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		cp := *c
		cp.values = append([]any(nil), c.values...)
		cp.frozen = false
		cols[i] = &cp
	}
	return newFrame(cols, df.index), nil
}

func frameResetIndex(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	drop, inplace := false, false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "drop?", &drop, "inplace?", &inplace); err != nil {
		return nil, err
	}
	if drop {
		return inplaceResult(df, newFrame(append([]*Series(nil), df.cols...), rangeIndex(df.Rows())), inplace)
	}
	return inplaceResult(df, resetIndex(df.index, df.cols), inplace)
}

func frameSetIndex(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var keys string
	drop, inplace := true, false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "keys", &keys, "drop?", &drop, "inplace?", &inplace); err != nil {
		return nil, err
	}
	c, err := df.mustColumn(keys)
	if err != nil {
		return nil, err
	}
	idx := labelIndex(keys, append([]any(nil), c.values...))
	var cols []*Series
	for _, col := range df.cols {
		if drop && col.name == keys {
			continue
		}
		cols = append(cols, col)
	}
	return inplaceResult(df, newFrame(cols, idx), inplace)
}

func frameNBest(smallest bool) frameMethod {
	return func(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var n int
		var columns starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "n", &n, "columns", &columns); err != nil {
			return nil, err
		}
		names, err := namesArg(columns)
		if err != nil {
			return nil, err
		}
		keys := make([][]any, len(names))
		asc := make([]bool, len(names))
		for i, name := range names {
			c, err := df.mustColumn(name)
			if err != nil {
				return nil, err
			}
			keys[i], asc[i] = c.values, smallest
		}
		var keep []int
		for _, p := range sortedPositions(keys, asc, df.Rows()) {
			if keys[0][p] != nil && len(keep) < n {
				keep = append(keep, p)
			}
		}
		return df.take(keep), nil
	}
}

func (df *DataFrame) rowKeys(names []string) ([]string, error) {
	cols := df.cols
	if names != nil {
		sub, err := df.selectCols(names)
		if err != nil {
			return nil, err
		}
		cols = sub.cols
	}
	keys := make([]string, df.Rows())
	for i := range keys {
		parts := make([]string, len(cols))
		for j, c := range cols {
			parts[j] = cellKey(c.values[i])
		}
		keys[i] = strings.Join(parts, "\x02")
	}
	return keys, nil
}

func frameDuplicated(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var subset starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "subset?", &subset); err != nil {
		return nil, err
	}
	names, err := namesArg(subset)
	if err != nil {
		return nil, err
	}
	keys, err := df.rowKeys(names)
	if err != nil {
		return nil, err
	}
	return NewSeries("", duplicatedMask(keys), df.index), nil
}

func frameDropDuplicates(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var subset starlark.Value
	keep := "first"
	inplace := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "subset?", &subset, "keep?", &keep, "inplace?", &inplace); err != nil {
		return nil, err
	}
	names, err := namesArg(subset)
	if err != nil {
		return nil, err
	}
	keys, err := df.rowKeys(names)
	if err != nil {
		return nil, err
	}
	var pos []int
	if keep == "last" {
		seen := map[string]bool{}
		for i := len(keys) - 1; i >= 0; i-- {
			if !seen[keys[i]] {
				seen[keys[i]] = true
				pos = append([]int{i}, pos...)
			}
		}
	} else {
		for i, d := range duplicatedMask(keys) {
			if !d.(bool) {
				pos = append(pos, i)
			}
		}
	}
	return inplaceResult(df, df.take(pos), inplace)
}

func pearson(a, b []any) float64 {
	var xs, ys []float64
	for i := range a {
		x, ok1 := toFloat(a[i])
		y, ok2 := toFloat(b[i])
		if ok1 && ok2 {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	mx, my := mean(xs), mean(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return math.NaN()
	}
	return sxy / math.Sqrt(sxx*syy)
}

func frameCorr(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	method := "pearson"
	var numericOnly starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "method?", &method, "numeric_only?", &numericOnly); err != nil {
		return nil, err
	}
	if method != "pearson" {
		return nil, exc.New(exc.NotImplementedError, "only method='pearson' is supported")
	}
	var num []*Series
	var labels []any
	for _, c := range df.cols {
		if isNumeric(c.dtype) {
			num = append(num, c)
			labels = append(labels, c.name)
		}
	}
	idx := labelIndex("", labels)
	cols := make([]*Series, len(num))
	for i, a := range num {
		vals := make([]any, len(num))
		for j, c := range num {
			vals[j] = pearson(c.values, a.values)
		}
		cols[i] = NewSeries(a.name, vals, idx)
	}
	return newFrame(cols, idx), nil
}

func dtypeMatches(dt dataset.ColumnType, want string) bool {
	switch want {
	case "number", "numeric":
		return dt == dataset.TypeInt || dt == dataset.TypeFloat
	case "object", "str", "string", "O":
		return dt == dataset.TypeString
	case "int", "int64", "integer":
		return dt == dataset.TypeInt
	case "float", "float64":
		return dt == dataset.TypeFloat
	case "bool":
		return dt == dataset.TypeBool
	}
	return false
}

func dtypeNames(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	if l, ok := v.(*starlark.List); ok {
		out := make([]string, l.Len())
		for i := range out {
			n, err := dtypeName(l.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	n, err := dtypeName(v)
	if err != nil {
		return nil, err
	}
	return []string{n}, nil
}

func frameSelectDtypes(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var include, exclude starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "include?", &include, "exclude?", &exclude); err != nil {
		return nil, err
	}
	inc, err := dtypeNames(include)
	if err != nil {
		return nil, err
	}
	excl, err := dtypeNames(exclude)
	if err != nil {
		return nil, err
	}
	var cols []*Series
	for _, c := range df.cols {
		ok := len(inc) == 0
		for _, want := range inc {
			ok = ok || dtypeMatches(c.dtype, want)
		}
		for _, skip := range excl {
			ok = ok && !dtypeMatches(c.dtype, skip)
		}
		if ok {
			cols = append(cols, c)
		}
	}
	return newFrame(cols, df.index), nil
}

func frameIterRows(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	rows := make([]starlark.Value, df.Rows())
	for i := range rows {
		rows[i] = starlark.Tuple{toStarlark(df.index.label(i), dataset.TypeString), df.row(i)}
	}
	return starlark.NewList(rows), nil
}

func frameApply(df *DataFrame, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var axis starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "func", &fn, "axis?", &axis); err != nil {
		return nil, err
	}
	if isRowAxis(axis) {
		out := make([]any, df.Rows())
		for i := range out {
			r, err := starlark.Call(th, fn, starlark.Tuple{df.row(i)}, nil)
			if err != nil {
				return nil, err
			}
			if out[i], err = fromStarlark(r); err != nil {
				return nil, err
			}
		}
		return NewSeries("", out, df.index), nil
	}
	labels := make([]any, len(df.cols))
	vals := make([]any, len(df.cols))
	for i, c := range df.cols {
		r, err := starlark.Call(th, fn, starlark.Tuple{c}, nil)
		if err != nil {
			return nil, err
		}
		if vals[i], err = fromStarlark(r); err != nil {
			return nil, err
		}
		labels[i] = c.name
	}
	return NewSeries("", vals, labelIndex("", labels)), nil
}

func frameAgg(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var spec starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &spec); err != nil {
		return nil, err
	}
	plan, order, err := aggPlan(spec, df.Columns())
	if err != nil {
		return nil, err
	}
	var rowLabels []any
	seen := map[string]bool{}
	for _, name := range order {
		for _, op := range plan[name] {
			if !seen[op] {
				seen[op] = true
				rowLabels = append(rowLabels, op)
			}
		}
	}
	idx := labelIndex("", rowLabels)
	var cols []*Series
	for _, name := range order {
		c, err := df.mustColumn(name)
		if err != nil {
			return nil, err
		}
		vals := make([]any, len(rowLabels))
		for _, op := range plan[name] {
			v, err := reduce(op, c)
			if err != nil {
				return nil, err
			}
			vals[idx.find(op)] = v
		}
		cols = append(cols, NewSeries(name, vals, idx))
	}
	return newFrame(cols, idx), nil
}

// aggPlan normalizes "op", ["op", ...] and {"col": "op" | ["op", ...]}.
func aggPlan(spec starlark.Value, defaults []string) (map[string][]string, []string, error) {
	plan := map[string][]string{}
	opsOf := func(v starlark.Value) ([]string, error) {
		if l, ok := v.(*starlark.List); ok {
			ops := make([]string, l.Len())
			for i := range ops {
				op, err := reducerName(l.Index(i))
				if err != nil {
					return nil, err
				}
				ops[i] = op
			}
			return ops, nil
		}
		op, err := reducerName(v)
		if err != nil {
			return nil, err
		}
		return []string{op}, nil
	}
	if d, ok := spec.(*starlark.Dict); ok {
		var order []string
		for _, item := range d.Items() {
			name, ok := starlark.AsString(item[0])
			if !ok {
				return nil, nil, exc.New(exc.TypeError, "aggregation keys must be column names")
			}
			ops, err := opsOf(item[1])
			if err != nil {
				return nil, nil, err
			}
			plan[name] = ops
			order = append(order, name)
		}
		return plan, order, nil
	}
	ops, err := opsOf(spec)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range defaults {
		plan[name] = ops
	}
	return plan, defaults, nil
}

func frameAssign(df *DataFrame, th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, exc.New(exc.TypeError, "assign() takes only keyword arguments")
	}
	out := newFrame(append([]*Series(nil), df.cols...), df.index)
	for _, kv := range kwargs {
		name, _ := starlark.AsString(kv[0])
		v := kv[1]
		if fn, ok := v.(starlark.Callable); ok {
			r, err := starlark.Call(th, fn, starlark.Tuple{out}, nil)
			if err != nil {
				return nil, err
			}
			v = r
		}
		vals, err := assignable(v, out.Rows())
		if err != nil {
			return nil, err
		}
		out.setColumn(name, vals)
	}
	return out, nil
}

func frameAstype(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dtype starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &dtype); err != nil {
		return nil, err
	}
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		t := dtype
		if d, ok := dtype.(*starlark.Dict); ok {
			v, found, err := d.Get(starlark.String(c.name))
			if err != nil {
				return nil, err
			}
			if !found {
				cols[i] = c
				continue
			}
			t = v
		}
		name, err := dtypeName(t)
		if err != nil {
			return nil, err
		}
		vals, err := castValues(c.values, name)
		if err != nil {
			return nil, err
		}
		cols[i] = NewSeries(c.name, vals, df.index)
	}
	return newFrame(cols, df.index), nil
}

func frameRound(df *DataFrame, _ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	decimals := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "decimals?", &decimals); err != nil {
		return nil, err
	}
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		if c.dtype != dataset.TypeFloat {
			cols[i] = c
			continue
		}
		vals := make([]any, c.Len())
		for j, v := range c.values {
			if f, ok := v.(float64); ok {
				vals[j] = roundTo(f, decimals)
			}
		}
		cols[i] = NewSeries(c.name, vals, df.index)
	}
	return newFrame(cols, df.index), nil
}
