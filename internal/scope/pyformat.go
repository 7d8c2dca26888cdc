package scope

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"

	"github.com/ashureev/datachat/internal/exc"
)

// formatSpec is a parsed format-spec mini-language clause, e.g. ">10,.2f".
type formatSpec struct {
	fill      rune
	align     byte
	sign      byte
	alt       bool
	zero      bool
	width     int
	grouping  byte
	precision int // -1 when absent
	typ       byte
}

func parseSpec(spec string) (formatSpec, error) {
	fs := formatSpec{fill: ' ', precision: -1}
	s := spec
	if r, size := utf8.DecodeRuneInString(s); size > 0 && len(s) > size && strings.IndexByte("<>=^", s[size]) >= 0 {
		fs.fill, fs.align = r, s[size]
		s = s[size+1:]
	} else if len(s) > 0 && strings.IndexByte("<>=^", s[0]) >= 0 {
		fs.align = s[0]
		s = s[1:]
	}
	if len(s) > 0 && strings.IndexByte("+- ", s[0]) >= 0 {
		fs.sign = s[0]
		s = s[1:]
	}
	if strings.HasPrefix(s, "#") {
		fs.alt = true
		s = s[1:]
	}
	if strings.HasPrefix(s, "0") {
		fs.zero = true
		s = s[1:]
	}
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n > 0 {
		fs.width, _ = strconv.Atoi(s[:n])
		s = s[n:]
	}
	if len(s) > 0 && (s[0] == ',' || s[0] == '_') {
		fs.grouping = s[0]
		s = s[1:]
	}
	if strings.HasPrefix(s, ".") {
		n = 1
		for n < len(s) && s[n] >= '0' && s[n] <= '9' {
			n++
		}
		if n == 1 {
			return fs, exc.New(exc.ValueError, "Format specifier missing precision")
		}
		fs.precision, _ = strconv.Atoi(s[1:n])
		s = s[n:]
	}
	if len(s) > 1 {
		return fs, exc.New(exc.ValueError, "Invalid format specifier '%s'", spec)
	}
	if len(s) == 1 {
		fs.typ = s[0]
	}
	return fs, nil
}

// formatValue applies a format spec to v the way format(v, spec) does.
func formatValue(v starlark.Value, spec string) (string, error) {
	fs, err := parseSpec(spec)
	if err != nil {
		return "", err
	}
	if b, ok := v.(starlark.Bool); ok && fs.typ != 0 && fs.typ != 's' {
		v = starlark.MakeInt(map[bool]int{false: 0, true: 1}[bool(b)])
	}
	switch v := v.(type) {
	case starlark.Int:
		return fs.formatInt(v)
	case starlark.Float:
		return fs.formatFloat(float64(v))
	}
	if fs.typ != 0 && fs.typ != 's' {
		return "", exc.New(exc.ValueError, "Unknown format code '%c' for object of type '%s'", fs.typ, v.Type())
	}
	s := str(v)
	if fs.precision >= 0 && fs.precision < utf8.RuneCountInString(s) {
		s = string([]rune(s)[:fs.precision])
	}
	return fs.pad(s, '<'), nil
}

func str(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

func (fs formatSpec) formatInt(v starlark.Int) (string, error) {
	switch fs.typ {
	case 0, 'd', 'n':
		i, ok := v.Int64()
		if !ok {
			return fs.number(v.String(), false), nil
		}
		neg := i < 0
		if neg {
			i = -i
		}
		return fs.number(fs.group(strconv.FormatInt(i, 10)), neg), nil
	case 'x', 'X', 'o', 'b':
		i, _ := v.Int64()
		neg := i < 0
		if neg {
			i = -i
		}
		base := map[byte]int{'x': 16, 'X': 16, 'o': 8, 'b': 2}[fs.typ]
		digits := strconv.FormatInt(i, base)
		if fs.typ == 'X' {
			digits = strings.ToUpper(digits)
		}
		return fs.number(digits, neg), nil
	case 'f', 'F', 'e', 'E', 'g', 'G', '%':
		f, _ := starlark.AsFloat(v)
		return fs.formatFloat(f)
	}
	return "", exc.New(exc.ValueError, "Unknown format code '%c' for object of type 'int'", fs.typ)
}

func (fs formatSpec) formatFloat(f float64) (string, error) {
	neg := math.Signbit(f) && !math.IsNaN(f)
	if neg {
		f = -f
	}
	prec := fs.precision
	var body string
	switch {
	case math.IsNaN(f):
		body = "nan"
	case math.IsInf(f, 0):
		body = "inf"
	}
	if body != "" {
		if fs.typ == 'F' || fs.typ == 'E' || fs.typ == 'G' {
			body = strings.ToUpper(body)
		}
		if fs.typ == '%' {
			body += "%"
		}
		return fs.number(body, neg), nil
	}

	switch fs.typ {
	case 'f', 'F':
		if prec < 0 {
			prec = 6
		}
		body = fs.groupFixed(strconv.FormatFloat(f, 'f', prec, 64))
	case '%':
		if prec < 0 {
			prec = 6
		}
		body = fs.groupFixed(strconv.FormatFloat(f*100, 'f', prec, 64)) + "%"
	case 'e', 'E':
		if prec < 0 {
			prec = 6
		}
		body = expTwoDigits(strconv.FormatFloat(f, 'e', prec, 64))
		if fs.typ == 'E' {
			body = strings.ToUpper(body)
		}
	case 'g', 'G', 'n':
		if prec < 0 {
			prec = 6
		}
		if prec == 0 {
			prec = 1
		}
		body = expTwoDigits(strconv.FormatFloat(f, 'g', prec, 64))
		if fs.typ == 'G' {
			body = strings.ToUpper(body)
		}
	case 0:
		if prec >= 0 {
			body = expTwoDigits(strconv.FormatFloat(f, 'g', max(prec, 1), 64))
		} else {
			body = starlark.Float(f).String()
		}
		body = fs.groupFixed(body)
	default:
		return "", exc.New(exc.ValueError, "Unknown format code '%c' for object of type 'float'", fs.typ)
	}
	return fs.number(body, neg), nil
}

// expTwoDigits pads exponents to two digits: 1e+5 -> 1e+05.
func expTwoDigits(s string) string {
	i := strings.LastIndexAny(s, "eE")
	if i < 0 || i+2 >= len(s) {
		return s
	}
	if len(s)-(i+2) == 1 {
		return s[:i+2] + "0" + s[i+2:]
	}
	return s
}

func (fs formatSpec) groupFixed(s string) string {
	if fs.grouping == 0 || strings.ContainsAny(s, "eE") {
		return s
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	return fs.group(intPart) + frac
}

func (fs formatSpec) group(digits string) string {
	if fs.grouping == 0 || len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(fs.grouping)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// number adds the sign and pads a formatted number.
func (fs formatSpec) number(body string, neg bool) string {
	sign := ""
	switch {
	case neg:
		sign = "-"
	case fs.sign == '+':
		sign = "+"
	case fs.sign == ' ':
		sign = " "
	}
	if fs.zero && fs.align == 0 {
		fs.fill, fs.align = '0', '='
	}
	if fs.align == '=' {
		n := fs.width - utf8.RuneCountInString(sign+body)
		if n > 0 {
			body = strings.Repeat(string(fs.fill), n) + body
		}
		return sign + body
	}
	return fs.pad(sign+body, '>')
}

func (fs formatSpec) pad(s string, def byte) string {
	n := fs.width - utf8.RuneCountInString(s)
	if n <= 0 {
		return s
	}
	align := fs.align
	if align == 0 || align == '=' {
		align = def
	}
	fill := string(fs.fill)
	switch align {
	case '<':
		return s + strings.Repeat(fill, n)
	case '^':
		return strings.Repeat(fill, n/2) + s + strings.Repeat(fill, n-n/2)
	default:
		return strings.Repeat(fill, n) + s
	}
}

// pyFormat implements str.format with format specs and conversions.
func pyFormat(template string, args starlark.Tuple, kwargs []starlark.Tuple) (string, error) {
	var b strings.Builder
	auto := 0
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c == '}' {
			if i+1 < len(template) && template[i+1] == '}' {
				i++
			}
			b.WriteByte('}')
			continue
		}
		if c != '{' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(template) && template[i+1] == '{' {
			b.WriteByte('{')
			i++
			continue
		}
		end, depth := -1, 0
		for j := i + 1; j < len(template); j++ {
			if template[j] == '{' {
				depth++
			} else if template[j] == '}' {
				if depth == 0 {
					end = j
					break
				}
				depth--
			}
		}
		if end < 0 {
			return "", exc.New(exc.ValueError, "Single '{' encountered in format string")
		}
		field := template[i+1 : end]
		i = end

		name, spec := field, ""
		if k := strings.IndexByte(field, ':'); k >= 0 {
			name, spec = field[:k], field[k+1:]
		}
		conv := ""
		if k := strings.IndexByte(name, '!'); k >= 0 {
			name, conv = name[:k], name[k+1:]
		}

		v, err := lookupField(name, &auto, args, kwargs)
		if err != nil {
			return "", err
		}
		switch conv {
		case "":
		case "r", "a":
			v = starlark.String(v.String())
		case "s":
			v = starlark.String(str(v))
		default:
			return "", exc.New(exc.ValueError, "Unknown conversion specifier %s", conv)
		}
		s, err := formatValue(v, spec)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func lookupField(name string, auto *int, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	head, rest := name, ""
	if k := strings.IndexAny(name, ".["); k >= 0 {
		head, rest = name[:k], name[k:]
	}
	var v starlark.Value
	switch {
	case head == "":
		if *auto >= len(args) {
			return nil, exc.New(exc.IndexError, "Replacement index %d out of range for positional args tuple", *auto)
		}
		v = args[*auto]
		*auto++
	case head[0] >= '0' && head[0] <= '9':
		n, err := strconv.Atoi(head)
		if err != nil || n >= len(args) {
			return nil, exc.New(exc.IndexError, "Replacement index %s out of range for positional args tuple", head)
		}
		v = args[n]
	default:
		for _, kv := range kwargs {
			if k, _ := starlark.AsString(kv[0]); k == head {
				v = kv[1]
			}
		}
		if v == nil {
			return nil, exc.New(exc.KeyError, "'%s'", head)
		}
	}
	for rest != "" {
		if rest[0] == '.' {
			attr := rest[1:]
			if k := strings.IndexAny(attr, ".["); k >= 0 {
				attr, rest = attr[:k], attr[k:]
			} else {
				rest = ""
			}
			ha, ok := v.(starlark.HasAttrs)
			if !ok {
				return nil, exc.New(exc.AttributeError, "'%s' object has no attribute '%s'", v.Type(), attr)
			}
			next, err := ha.Attr(attr)
			if err != nil || next == nil {
				return nil, exc.New(exc.AttributeError, "'%s' object has no attribute '%s'", v.Type(), attr)
			}
			v = next
			continue
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, exc.New(exc.ValueError, "Missing ']' in format string")
		}
		key := rest[1:end]
		rest = rest[end+1:]
		var k starlark.Value = starlark.String(key)
		if n, err := strconv.Atoi(key); err == nil {
			k = starlark.MakeInt(n)
		}
		next, err := getItem(v, k)
		if err != nil {
			return nil, err
		}
		v = next
	}
	return v, nil
}

func getItem(v, k starlark.Value) (starlark.Value, error) {
	switch x := v.(type) {
	case starlark.Mapping:
		r, found, err := x.Get(k)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, exc.New(exc.KeyError, "%s", k.String())
		}
		return r, nil
	case starlark.Indexable:
		var i int
		if err := starlark.AsInt(k, &i); err != nil {
			return nil, exc.New(exc.TypeError, "indices must be integers")
		}
		if i < 0 || i >= x.Len() {
			return nil, exc.New(exc.IndexError, "index out of range")
		}
		return x.Index(i), nil
	}
	return nil, exc.New(exc.TypeError, "'%s' object is not subscriptable", v.Type())
}
