package frame

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

// DataFrame is an ordered set of equally long Series sharing one index.
type DataFrame struct {
	cols   []*Series
	index  *Index
	frozen bool
}

var (
	_ starlark.Value     = (*DataFrame)(nil)
	_ starlark.Mapping   = (*DataFrame)(nil)
	_ starlark.HasSetKey = (*DataFrame)(nil)
	_ starlark.Sliceable = (*DataFrame)(nil)
	_ starlark.Iterable  = (*DataFrame)(nil)
	_ starlark.HasAttrs  = (*DataFrame)(nil)
)

// FromTable copies a dataset table into a frame with a RangeIndex.
func FromTable(t *dataset.Table) *DataFrame {
	c := t.Clone()
	idx := rangeIndex(c.NumRows())
	df := &DataFrame{index: idx}
	for _, col := range c.Columns {
		df.cols = append(df.cols, fromColumn(col, idx))
	}
	return df
}

// Table converts the frame back into a dataset table. The index is dropped
// unless it carries labels.
func (df *DataFrame) Table(name string) *dataset.Table {
	src := df
	if !df.index.isRange() {
		src = resetIndex(df.index, df.cols)
	}
	t := &dataset.Table{Name: name}
	for _, s := range src.cols {
		t.Columns = append(t.Columns, &dataset.Column{Name: s.name, Type: s.dtype, Values: s.values})
	}
	return t
}

func newFrame(cols []*Series, idx *Index) *DataFrame {
	for i, c := range cols {
		if c.index != idx {
			cp := *c
			cp.index = idx
			cols[i] = &cp
		}
	}
	return &DataFrame{cols: cols, index: idx}
}

// Column returns the named column.
func (df *DataFrame) Column(name string) (*Series, bool) {
	for _, c := range df.cols {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Columns returns the column names.
func (df *DataFrame) Columns() []string {
	out := make([]string, len(df.cols))
	for i, c := range df.cols {
		out[i] = c.name
	}
	return out
}

// Rows returns the row count.
func (df *DataFrame) Rows() int { return df.index.n }

func (df *DataFrame) take(pos []int) *DataFrame {
	idx := df.index.take(pos)
	cols := make([]*Series, len(df.cols))
	for i, c := range df.cols {
		s := c.take(pos)
		s.index = idx
		cols[i] = s
	}
	return &DataFrame{cols: cols, index: idx}
}

func (df *DataFrame) selectCols(names []string) (*DataFrame, error) {
	var missing []string
	cols := make([]*Series, 0, len(names))
	for _, n := range names {
		c, ok := df.Column(n)
		if !ok {
			missing = append(missing, "'"+n+"'")
			continue
		}
		cols = append(cols, c)
	}
	if len(missing) > 0 {
		return nil, exc.New(exc.KeyError, "\"[%s] not in index\"", strings.Join(missing, ", "))
	}
	return newFrame(cols, df.index), nil
}

func (df *DataFrame) mustColumn(name string) (*Series, error) {
	c, ok := df.Column(name)
	if !ok {
		return nil, exc.New(exc.KeyError, "'%s'", name)
	}
	return c, nil
}

// replaceWith implements inplace=True.
func (df *DataFrame) replaceWith(other *DataFrame) error {
	if df.frozen {
		return exc.New(exc.RuntimeError, "cannot modify a frozen DataFrame")
	}
	df.cols, df.index = other.cols, other.index
	return nil
}

func (df *DataFrame) row(i int) *Series {
	vals := make([]any, len(df.cols))
	for j, c := range df.cols {
		vals[j] = c.values[i]
	}
	labels := make([]any, len(df.cols))
	for j, c := range df.cols {
		labels[j] = c.name
	}
	return NewSeries(formatLabel(df.index.label(i)), vals, labelIndex("", labels))
}

func (df *DataFrame) String() string        { return formatFrame(df, true) }
func (df *DataFrame) Type() string          { return "DataFrame" }
func (df *DataFrame) Freeze()               { df.frozen = true }
func (df *DataFrame) Truth() starlark.Bool  { return df.Rows() > 0 }
func (df *DataFrame) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: DataFrame") }
func (df *DataFrame) Len() int              { return df.Rows() }

func (df *DataFrame) Index(i int) starlark.Value { return df.row(i) }

func (df *DataFrame) Slice(start, end, step int) starlark.Value {
	return df.take(slicePositions(start, end, step))
}

// Iterate yields column names, as iterating a pandas frame does.
func (df *DataFrame) Iterate() starlark.Iterator {
	return &positionIter{n: len(df.cols), at: func(i int) starlark.Value { return starlark.String(df.cols[i].name) }}
}

func stringList(v starlark.Value) ([]string, bool) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, false
	}
	switch v.(type) {
	case *starlark.List, starlark.Tuple, *Index:
	default:
		return nil, false
	}
	it := iter.Iterate()
	defer it.Done()
	var out []string
	var x starlark.Value
	for it.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Get implements df["col"], df[["a", "b"]] and df[mask].
func (df *DataFrame) Get(k starlark.Value) (starlark.Value, bool, error) {
	switch k := k.(type) {
	case starlark.String:
		c, err := df.mustColumn(string(k))
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	case *Series:
		pos, err := maskPositions(k, df.Rows())
		if err != nil {
			return nil, false, err
		}
		return df.take(pos), true, nil
	case starlark.Bool:
		return nil, false, errPlainBool
	}
	if names, ok := stringList(k); ok {
		sub, err := df.selectCols(names)
		if err != nil {
			return nil, false, err
		}
		return sub, true, nil
	}
	return nil, false, exc.New(exc.KeyError, "%s", k.String())
}

// assignable broadcasts v to a column of n cells.
func assignable(v starlark.Value, n int) ([]any, error) {
	switch v := v.(type) {
	case *Series:
		if v.Len() != n {
			return nil, exc.New(exc.ValueError, "Length of values (%d) does not match length of index (%d)", v.Len(), n)
		}
		return append([]any(nil), v.values...), nil
	case *starlark.List, starlark.Tuple:
		cells, err := iterableCells(v)
		if err != nil {
			return nil, err
		}
		if len(cells) != n {
			return nil, exc.New(exc.ValueError, "Length of values (%d) does not match length of index (%d)", len(cells), n)
		}
		return cells, nil
	}
	cell, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	out := make([]any, n)
	for i := range out {
		out[i] = cell
	}
	return out, nil
}

// SetKey implements df["col"] = values.
func (df *DataFrame) SetKey(k, v starlark.Value) error {
	if df.frozen {
		return exc.New(exc.RuntimeError, "cannot modify a frozen DataFrame")
	}
	name, ok := starlark.AsString(k)
	if !ok {
		return exc.New(exc.TypeError, "column names must be strings, got '%s'", k.Type())
	}
	n := df.Rows()
	if len(df.cols) == 0 {
		if l, ok := v.(starlark.Sequence); ok {
			n = l.Len()
			df.index = rangeIndex(n)
		}
	}
	vals, err := assignable(v, n)
	if err != nil {
		return err
	}
	df.setColumn(name, vals)
	return nil
}

func (df *DataFrame) setColumn(name string, vals []any) {
	s := NewSeries(name, vals, df.index)
	for i, c := range df.cols {
		if c.name == name {
			df.cols[i] = s
			return
		}
	}
	df.cols = append(df.cols, s)
}

func (df *DataFrame) Attr(name string) (starlark.Value, error) {
	switch name {
	case "shape":
		return starlark.Tuple{starlark.MakeInt(df.Rows()), starlark.MakeInt(len(df.cols))}, nil
	case "columns":
		labels := make([]any, len(df.cols))
		for i, c := range df.cols {
			labels[i] = c.name
		}
		return labelIndex("", labels), nil
	case "dtypes":
		labels := make([]any, len(df.cols))
		vals := make([]any, len(df.cols))
		for i, c := range df.cols {
			labels[i], vals[i] = c.name, c.dtype.String()
		}
		return NewSeries("", vals, labelIndex("", labels)), nil
	case "index":
		return df.index, nil
	case "empty":
		return starlark.Bool(df.Rows() == 0 || len(df.cols) == 0), nil
	case "size":
		return starlark.MakeInt(df.Rows() * len(df.cols)), nil
	case "values":
		rows := make([]starlark.Value, df.Rows())
		for i := range rows {
			rows[i] = toList(df.row(i).values, dataset.TypeString)
		}
		return starlark.NewList(rows), nil
	case "iloc":
		return &frameIndexer{df: df, positional: true}, nil
	case "loc":
		return &frameIndexer{df: df}, nil
	}
	if m, ok := frameMethods[name]; ok {
		return starlark.NewBuiltin(name, func(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return m(df, th, b, args, kwargs)
		}), nil
	}
	if c, ok := df.Column(name); ok {
		return c, nil
	}
	return nil, nil
}

func (df *DataFrame) AttrNames() []string {
	names := []string{"columns", "dtypes", "empty", "iloc", "index", "loc", "shape", "size", "values"}
	for k := range frameMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// resetIndex moves index labels into leading columns.
func resetIndex(idx *Index, cols []*Series) *DataFrame {
	out := rangeIndex(idx.n)
	var lead []*Series
	if len(idx.names) > 1 {
		for lvl, name := range idx.names {
			vals := make([]any, idx.n)
			for i := range vals {
				if t, ok := idx.label(i).(tuple); ok && lvl < len(t) {
					vals[i] = t[lvl]
				}
			}
			lead = append(lead, NewSeries(name, vals, out))
		}
	} else {
		name := idx.name
		if name == "" {
			name = "index"
		}
		lead = append(lead, NewSeries(name, idx.values(), out))
	}
	all := append(lead, cols...)
	return newFrame(all, out)
}

// frameIndexer implements DataFrame.iloc and DataFrame.loc.
type frameIndexer struct {
	df         *DataFrame
	positional bool
}

var _ starlark.HasSetKey = (*frameIndexer)(nil)

func (x *frameIndexer) String() string        { return "<indexer>" }
func (x *frameIndexer) Type() string          { return indexerType(x.positional) }
func (x *frameIndexer) Freeze()               {}
func (x *frameIndexer) Truth() starlark.Bool  { return true }
func (x *frameIndexer) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", x.Type()) }
func (x *frameIndexer) Len() int              { return x.df.Rows() }

func (x *frameIndexer) Index(i int) starlark.Value { return x.df.row(i) }

func (x *frameIndexer) Slice(start, end, step int) starlark.Value {
	return x.df.Slice(start, end, step)
}

// rows resolves a row key into positions. single reports a scalar key.
func (x *frameIndexer) rows(k starlark.Value) (pos []int, single bool, err error) {
	n := x.df.Rows()
	if mask, ok := k.(*Series); ok {
		pos, err := maskPositions(mask, n)
		return pos, false, err
	}
	if _, ok := k.(starlark.Bool); ok {
		return nil, false, errPlainBool
	}
	if l, ok := k.(*starlark.List); ok {
		for i := 0; i < l.Len(); i++ {
			p, _, err := x.rows(l.Index(i))
			if err != nil {
				return nil, false, err
			}
			pos = append(pos, p...)
		}
		return pos, false, nil
	}
	if x.positional {
		i, err := position(k, n)
		if err != nil {
			return nil, false, err
		}
		return []int{i}, true, nil
	}
	label, err := fromStarlark(k)
	if err != nil {
		return nil, false, err
	}
	i := x.df.index.find(label)
	if i < 0 {
		return nil, false, exc.New(exc.KeyError, "%s", pyRepr(label))
	}
	return []int{i}, true, nil
}

// cols resolves a column key into names. single reports a scalar key.
func (x *frameIndexer) cols(k starlark.Value) ([]string, bool, error) {
	if x.positional {
		if names, ok := stringList(k); ok {
			return names, false, nil
		}
		i, err := position(k, len(x.df.cols))
		if err != nil {
			return nil, false, err
		}
		return []string{x.df.cols[i].name}, true, nil
	}
	if s, ok := starlark.AsString(k); ok {
		if _, err := x.df.mustColumn(s); err != nil {
			return nil, false, err
		}
		return []string{s}, true, nil
	}
	if names, ok := stringList(k); ok {
		return names, false, nil
	}
	return nil, false, exc.New(exc.KeyError, "%s", k.String())
}

func (x *frameIndexer) Get(k starlark.Value) (starlark.Value, bool, error) {
	rowKey, colKey := k, starlark.Value(nil)
	if t, ok := k.(starlark.Tuple); ok && len(t) == 2 {
		rowKey, colKey = t[0], t[1]
	}
	pos, single, err := x.rows(rowKey)
	if err != nil {
		return nil, false, err
	}
	if colKey == nil {
		if single {
			return x.df.row(pos[0]), true, nil
		}
		return x.df.take(pos), true, nil
	}
	names, singleCol, err := x.cols(colKey)
	if err != nil {
		return nil, false, err
	}
	sub, err := x.df.selectCols(names)
	if err != nil {
		return nil, false, err
	}
	sub = sub.take(pos)
	switch {
	case single && singleCol:
		return sub.cols[0].Index(0), true, nil
	case singleCol:
		return sub.cols[0], true, nil
	case single:
		return sub.row(0), true, nil
	}
	return sub, true, nil
}

// SetKey implements df.loc[rows, "col"] = value.
func (x *frameIndexer) SetKey(k, v starlark.Value) error {
	if x.df.frozen {
		return exc.New(exc.RuntimeError, "cannot modify a frozen DataFrame")
	}
	t, ok := k.(starlark.Tuple)
	if !ok || len(t) != 2 {
		return exc.New(exc.TypeError, "assignment through %s needs a [rows, column] key", x.Type())
	}
	pos, _, err := x.rows(t[0])
	if err != nil {
		return err
	}
	var name string
	if x.positional {
		i, err := position(t[1], len(x.df.cols))
		if err != nil {
			return err
		}
		name = x.df.cols[i].name
	} else if name, ok = starlark.AsString(t[1]); !ok {
		return exc.New(exc.TypeError, "column names must be strings, got '%s'", t[1].Type())
	}

	var src []any
	if s, ok := v.(*Series); ok && s.Len() == x.df.Rows() {
		src = s.values
	} else {
		cells, err := assignable(v, len(pos))
		if err != nil {
			return err
		}
		src = make([]any, x.df.Rows())
		for i, p := range pos {
			src[p] = cells[i]
		}
	}

	vals := make([]any, x.df.Rows())
	if c, ok := x.df.Column(name); ok {
		copy(vals, c.values)
	}
	for _, p := range pos {
		vals[p] = src[p]
	}
	x.df.setColumn(name, vals)
	return nil
}
