package frame

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

// strAccessor implements Series.str.
type strAccessor struct{ s *Series }

func (a *strAccessor) String() string        { return "<StringMethods>" }
func (a *strAccessor) Type() string          { return "StringMethods" }
func (a *strAccessor) Freeze()               {}
func (a *strAccessor) Truth() starlark.Bool  { return true }
func (a *strAccessor) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: StringMethods") }

var strNames = []string{"contains", "endswith", "len", "lower", "replace", "startswith", "strip", "title", "upper"}

func (a *strAccessor) AttrNames() []string { return strNames }

func (a *strAccessor) Attr(name string) (starlark.Value, error) {
	switch name {
	case "lower", "upper", "strip", "title", "len":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return a.mapStrings(func(s string) any {
				switch name {
				case "lower":
					return strings.ToLower(s)
				case "upper":
					return strings.ToUpper(s)
				case "strip":
					return strings.TrimSpace(s)
				case "title":
					return titleCase(s)
				}
				return int64(utf8.RuneCountInString(s))
			})
		}), nil
	case "startswith", "endswith":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var pat string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &pat); err != nil {
				return nil, err
			}
			return a.mapStrings(func(s string) any {
				if name == "startswith" {
					return strings.HasPrefix(s, pat)
				}
				return strings.HasSuffix(s, pat)
			})
		}), nil
	case "contains":
		return starlark.NewBuiltin(name, a.contains), nil
	case "replace":
		return starlark.NewBuiltin(name, a.replace), nil
	}
	return nil, nil
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func (a *strAccessor) mapStrings(fn func(string) any) (starlark.Value, error) {
	if a.s.dtype != dataset.TypeString {
		return nil, exc.New(exc.AttributeError, "Can only use .str accessor with string values!")
	}
	out := make([]any, a.s.Len())
	for i, v := range a.s.values {
		if s, ok := v.(string); ok {
			out[i] = fn(s)
		}
	}
	return a.s.with(out), nil
}

func (a *strAccessor) contains(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pat string
	caseSensitive, regex := true, true
	var na starlark.Value = starlark.False
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pat", &pat, "case?", &caseSensitive, "na?", &na, "regex?", &regex); err != nil {
		return nil, err
	}
	if !regex {
		pat = regexp.QuoteMeta(pat)
	}
	if !caseSensitive {
		pat = "(?i)" + pat
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, exc.New(exc.ValueError, "invalid pattern %q: %v", pat, err)
	}
	fill, err := fromStarlark(na)
	if err != nil {
		return nil, err
	}
	res, err := a.mapStrings(func(s string) any { return re.MatchString(s) })
	if err != nil {
		return nil, err
	}
	s := res.(*Series)
	return s.with(fillValues(s.values, fill)), nil
}

func (a *strAccessor) replace(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pat, repl string
	regex := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pat", &pat, "repl", &repl, "regex?", &regex); err != nil {
		return nil, err
	}
	if !regex {
		return a.mapStrings(func(s string) any { return strings.ReplaceAll(s, pat, repl) })
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, exc.New(exc.ValueError, "invalid pattern %q: %v", pat, err)
	}
	return a.mapStrings(func(s string) any { return re.ReplaceAllString(s, repl) })
}

// seriesIndexer implements Series.iloc and Series.loc.
type seriesIndexer struct {
	s          *Series
	positional bool
}

func (x *seriesIndexer) String() string        { return "<indexer>" }
func (x *seriesIndexer) Type() string          { return indexerType(x.positional) }
func (x *seriesIndexer) Freeze()               {}
func (x *seriesIndexer) Truth() starlark.Bool  { return true }
func (x *seriesIndexer) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", x.Type()) }
func (x *seriesIndexer) Len() int              { return x.s.Len() }

func (x *seriesIndexer) Index(i int) starlark.Value { return x.s.Index(i) }

func (x *seriesIndexer) Slice(start, end, step int) starlark.Value {
	return x.s.Slice(start, end, step)
}

func (x *seriesIndexer) Get(k starlark.Value) (starlark.Value, bool, error) {
	if !x.positional {
		return x.s.Get(k)
	}
	if mask, ok := k.(*Series); ok {
		return x.s.Get(mask)
	}
	i, err := position(k, x.s.Len())
	if err != nil {
		return nil, false, err
	}
	return x.s.Index(i), true, nil
}

func indexerType(positional bool) string {
	if positional {
		return "_iLocIndexer"
	}
	return "_LocIndexer"
}

// position resolves a possibly negative integer key.
func position(k starlark.Value, n int) (int, error) {
	var i int
	if err := starlark.AsInt(k, &i); err != nil {
		return 0, exc.New(exc.TypeError, "cannot index by location with a non-integer key %s", k.String())
	}
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, exc.New(exc.IndexError, "single positional indexer is out-of-bounds")
	}
	return i, nil
}
