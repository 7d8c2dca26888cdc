package frame

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/dataset"
)

// Index labels the rows of a Series or DataFrame. A nil labels slice is a
// RangeIndex 0..n-1.
type Index struct {
	name   string
	names  []string // level names of a multi-key index
	labels []any
	n      int
}

var (
	_ starlark.Value     = (*Index)(nil)
	_ starlark.Indexable = (*Index)(nil)
	_ starlark.Iterable  = (*Index)(nil)
	_ starlark.HasAttrs  = (*Index)(nil)
)

func rangeIndex(n int) *Index { return &Index{n: n} }

func labelIndex(name string, labels []any) *Index {
	return &Index{name: name, labels: labels, n: len(labels)}
}

func (x *Index) isRange() bool { return x.labels == nil }

func (x *Index) label(i int) any {
	if x.labels == nil {
		return int64(i)
	}
	return x.labels[i]
}

// take selects positions, keeping the original labels.
func (x *Index) take(pos []int) *Index {
	labels := make([]any, len(pos))
	for i, p := range pos {
		labels[i] = x.label(p)
	}
	return &Index{name: x.name, names: x.names, labels: labels, n: len(pos)}
}

// find returns the position of label, or -1.
func (x *Index) find(label any) int {
	if x.labels == nil {
		if n, ok := label.(int64); ok && n >= 0 && int(n) < x.n {
			return int(n)
		}
		return -1
	}
	for i, l := range x.labels {
		if cellsEqual(l, label) {
			return i
		}
	}
	return -1
}

func (x *Index) String() string {
	if x.isRange() {
		return fmt.Sprintf("RangeIndex(start=0, stop=%d, step=1)", x.n)
	}
	parts := make([]string, len(x.labels))
	for i, l := range x.labels {
		parts[i] = pyRepr(l)
	}
	dtype := inferType(x.labels).String()
	out := fmt.Sprintf("Index([%s], dtype='%s'", strings.Join(parts, ", "), dtype)
	if x.name != "" {
		out += fmt.Sprintf(", name='%s'", x.name)
	}
	return out + ")"
}

func (x *Index) Type() string          { return "Index" }
func (x *Index) Freeze()               {}
func (x *Index) Truth() starlark.Bool  { return x.n > 0 }
func (x *Index) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: Index") }
func (x *Index) Len() int              { return x.n }

func (x *Index) Index(i int) starlark.Value {
	return toStarlark(x.label(i), dataset.TypeString)
}

func (x *Index) Iterate() starlark.Iterator {
	return &positionIter{n: x.n, at: x.Index}
}

func (x *Index) values() []any {
	out := make([]any, x.n)
	for i := range out {
		out[i] = x.label(i)
	}
	return out
}

func (x *Index) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		if x.name == "" {
			return starlark.None, nil
		}
		return starlark.String(x.name), nil
	case "tolist", "to_list":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return toList(x.values(), dataset.TypeString), nil
		}), nil
	case "size":
		return starlark.MakeInt(x.n), nil
	}
	return nil, nil
}

func (x *Index) AttrNames() []string { return []string{"name", "size", "to_list", "tolist"} }

type positionIter struct {
	n, i int
	at   func(int) starlark.Value
}

func (it *positionIter) Next(p *starlark.Value) bool {
	if it.i >= it.n {
		return false
	}
	*p = it.at(it.i)
	it.i++
	return true
}

func (it *positionIter) Done() {}

func toList(vals []any, dt dataset.ColumnType) *starlark.List {
	elems := make([]starlark.Value, len(vals))
	for i, v := range vals {
		elems[i] = toStarlark(v, dt)
	}
	return starlark.NewList(elems)
}
