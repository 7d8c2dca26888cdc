package scope

import (
	"strings"
)

// boundModules maps importable module paths to the global serving them.
var boundModules = map[string]string{
	"pandas":            "pd",
	"matplotlib":        "matplotlib",
	"matplotlib.pyplot": "plt",
	"seaborn":           "sns",
	"math":              "math",
	"json":              "json",
	"warnings":          "warnings",
}

// rewrite translates the Python-isms models routinely emit into the
// Starlark dialect: imports, raise, f-strings, str.format with specs and
// the "is"/"is not" operators. Line numbers are preserved so tracebacks point
// at the code the model wrote.
func rewrite(src string) string {
	r := &rewriter{src: src, lineStart: true}
	r.run()
	return r.out.String()
}

type rewriter struct {
	src       string
	i         int
	out       strings.Builder
	lineStart bool
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isStringPrefix(w string) bool {
	switch strings.ToLower(w) {
	case "r", "u", "b", "f", "rb", "br", "fr", "rf":
		return true
	}
	return false
}

func (r *rewriter) run() {
	for r.i < len(r.src) {
		c := r.src[r.i]
		switch {
		case c == '\n' || c == ';':
			r.out.WriteByte(c)
			r.i++
			r.lineStart = true
		case c == ' ' || c == '\t' || c == '\r':
			r.out.WriteByte(c)
			r.i++
		case c == '#':
			end := strings.IndexByte(r.src[r.i:], '\n')
			if end < 0 {
				end = len(r.src) - r.i
			}
			r.out.WriteString(r.src[r.i : r.i+end])
			r.i += end
		case c == '"' || c == '\'':
			r.lineStart = false
			r.literal("")
		case c >= '0' && c <= '9':
			// numbers like 1e5 must not be read as identifiers
			r.lineStart = false
			for r.i < len(r.src) && (isIdentChar(r.src[r.i]) || r.src[r.i] == '.') {
				r.out.WriteByte(r.src[r.i])
				r.i++
			}
		case isIdentStart(c):
			start := r.i
			for r.i < len(r.src) && isIdentChar(r.src[r.i]) {
				r.i++
			}
			word := r.src[start:r.i]
			atStart := r.lineStart
			r.lineStart = false
			switch {
			case r.i < len(r.src) && (r.src[r.i] == '"' || r.src[r.i] == '\'') && isStringPrefix(word):
				r.literal(strings.ToLower(word))
			case atStart && (word == "import" || word == "from"):
				r.importStmt(word)
			case atStart && word == "raise":
				r.raiseStmt()
			case word == "is":
				r.isOperator()
			default:
				r.out.WriteString(word)
			}
		default:
			r.lineStart = false
			r.out.WriteByte(c)
			r.i++
		}
	}
}

func (r *rewriter) isOperator() {
	j := r.i
	for j < len(r.src) && (r.src[j] == ' ' || r.src[j] == '\t') {
		j++
	}
	if strings.HasPrefix(r.src[j:], "not") && (j+3 == len(r.src) || !isIdentChar(r.src[j+3])) {
		r.out.WriteString("!=")
		r.i = j + 3
		return
	}
	r.out.WriteString("==")
}

// literal copies one string literal starting at r.i, converting f-strings
// and "...".format(...) calls into _format calls.
func (r *rewriter) literal(prefix string) {
	start := r.i
	q := r.src[r.i]
	delim := string(q)
	if strings.HasPrefix(r.src[r.i:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	j := r.i + len(delim)
	closed := false
	for j < len(r.src) {
		if r.src[j] == '\\' {
			j += 2
			continue
		}
		if strings.HasPrefix(r.src[j:], delim) {
			closed = true
			break
		}
		if len(delim) == 1 && r.src[j] == '\n' {
			break
		}
		j++
	}
	if !closed {
		// Leave it for the parser to report.
		r.out.WriteString(prefix)
		r.out.WriteString(r.src[start:min(j, len(r.src))])
		r.i = min(j, len(r.src))
		return
	}
	body := r.src[start+len(delim) : j]
	r.i = j + len(delim)

	kept := strings.NewReplacer("f", "", "u", "").Replace(prefix)
	if !strings.Contains(prefix, "f") {
		lit := kept + delim + body + delim
		if strings.HasPrefix(r.src[r.i:], ".format(") {
			r.out.WriteString("_format(" + lit + ", ")
			r.i += len(".format(")
			return
		}
		r.out.WriteString(lit)
		return
	}
	tmpl, args := splitFString(body)
	r.out.WriteString("_format(" + kept + delim + tmpl + delim)
	for _, a := range args {
		r.out.WriteString(", ")
		r.out.WriteString(a)
	}
	r.out.WriteString(")")
}

// splitFString turns an f-string body into a format template and the
// expressions that fill it.
func splitFString(body string) (string, []string) {
	var t strings.Builder
	var args []string
	for j := 0; j < len(body); {
		c := body[j]
		switch {
		case c == '{' && j+1 < len(body) && body[j+1] == '{':
			t.WriteString("{{")
			j += 2
		case c == '}' && j+1 < len(body) && body[j+1] == '}':
			t.WriteString("}}")
			j += 2
		case c == '{':
			expr, conv, spec, next := scanField(body, j+1)
			expr = strings.TrimSpace(expr)
			if n := len(expr); n > 1 && expr[n-1] == '=' && !strings.ContainsRune("=!<>", rune(expr[n-2])) {
				// f"{x=}" prints the expression text too
				expr = strings.TrimSpace(strings.TrimSuffix(expr, "="))
				t.WriteString(strings.NewReplacer("{", "{{", "}", "}}").Replace(expr) + "=")
				if conv == "" && spec == "" {
					conv = "r"
				}
			}
			args = append(args, "("+expr+")")
			t.WriteByte('{')
			if conv != "" {
				t.WriteString("!" + conv)
			}
			if spec != "" {
				t.WriteString(":" + spec)
			}
			t.WriteByte('}')
			j = next
		default:
			t.WriteByte(c)
			j++
		}
	}
	return t.String(), args
}

// scanField reads a replacement field starting just after '{'.
func scanField(body string, j int) (expr, conv, spec string, next int) {
	depth := 0
	for k := j; k < len(body); k++ {
		c := body[k]
		switch {
		case c == '\'' || c == '"':
			e := strings.IndexByte(body[k+1:], c)
			if e < 0 {
				return body[j:], "", "", len(body)
			}
			k += e + 1
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == '}' && depth == 0:
			return body[j:k], "", "", k + 1
		case c == ')' || c == ']' || c == '}':
			depth--
		case depth == 0 && c == '!' && k+1 < len(body) && body[k+1] != '=':
			expr = body[j:k]
			k++
			cs := k
			for k < len(body) && body[k] != ':' && body[k] != '}' {
				k++
			}
			conv = body[cs:k]
			if k < len(body) && body[k] == ':' {
				spec, next = scanSpec(body, k+1)
				return expr, conv, spec, next
			}
			return expr, conv, "", k + 1
		case depth == 0 && c == ':':
			spec, next = scanSpec(body, k+1)
			return body[j:k], "", spec, next
		}
	}
	return body[j:], "", "", len(body)
}

func scanSpec(body string, j int) (string, int) {
	depth := 0
	for k := j; k < len(body); k++ {
		switch body[k] {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return body[j:k], k + 1
			}
			depth--
		}
	}
	return body[j:], len(body)
}

// importStmt replaces an import statement with bindings to the pre-loaded
// modules. Anything else binds a placeholder that fails on first use.
func (r *rewriter) importStmt(word string) {
	j, depth := r.i, 0
loop:
	for j < len(r.src) {
		switch c := r.src[j]; {
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '\\' && j+1 < len(r.src) && r.src[j+1] == '\n':
			j += 2
			continue
		case (c == '\n' || c == ';') && depth <= 0, c == '#':
			break loop
		}
		j++
	}
	stmt := word + r.src[r.i:j]
	r.i = j
	r.out.WriteString(translateImport(stmt))
	r.out.WriteString(strings.Repeat("\n", strings.Count(stmt, "\n")))
}

func moduleExpr(mod string) string {
	if g, ok := boundModules[mod]; ok {
		return g
	}
	return `_missing("` + mod + `")`
}

func translateImport(stmt string) string {
	norm := strings.NewReplacer("(", " ", ")", " ", "\\\n", " ", ",", " , ").Replace(stmt)
	fields := strings.Fields(norm)
	var out []string
	bind := func(name, expr string) {
		if name != expr {
			out = append(out, name+" = "+expr)
		}
	}
	clauses := func(fs []string) [][]string {
		var cs [][]string
		var cur []string
		for _, f := range fs {
			if f == "," {
				if len(cur) > 0 {
					cs = append(cs, cur)
				}
				cur = nil
				continue
			}
			cur = append(cur, f)
		}
		if len(cur) > 0 {
			cs = append(cs, cur)
		}
		return cs
	}

	switch {
	case len(fields) >= 2 && fields[0] == "import":
		for _, c := range clauses(fields[1:]) {
			mod := c[0]
			if len(c) == 3 && c[1] == "as" {
				bind(c[2], moduleExpr(mod))
				continue
			}
			top := strings.SplitN(mod, ".", 2)[0]
			bind(top, moduleExpr(top))
		}
	case len(fields) >= 4 && fields[0] == "from" && fields[2] == "import":
		mod := fields[1]
		for _, c := range clauses(fields[3:]) {
			name, alias := c[0], c[0]
			if len(c) == 3 && c[1] == "as" {
				alias = c[2]
			}
			if name == "*" {
				continue
			}
			if sub, ok := boundModules[mod+"."+name]; ok {
				bind(alias, sub)
			} else if g, ok := boundModules[mod]; ok {
				bind(alias, g+"."+name)
			} else {
				bind(alias, moduleExpr(mod))
			}
		}
	default:
		// Not an import after all (e.g. a variable named "from_").
		return stmt
	}
	if len(out) == 0 {
		return "pass"
	}
	return strings.Join(out, "; ")
}

// raiseStmt turns "raise Kind(msg)" into a _raise call.
func (r *rewriter) raiseStmt() {
	j := r.i
	for j < len(r.src) && (r.src[j] == ' ' || r.src[j] == '\t') {
		j++
	}
	k := j
	for k < len(r.src) && (isIdentChar(r.src[k]) || r.src[k] == '.') {
		k++
	}
	kind := r.src[j:k]
	if i := strings.LastIndexByte(kind, '.'); i >= 0 {
		kind = kind[i+1:]
	}
	switch {
	case kind == "":
		r.out.WriteString(`_raise("RuntimeError", "No active exception to reraise")`)
	case k < len(r.src) && r.src[k] == '(':
		r.out.WriteString(`_raise("` + kind + `", `)
		k++
	default:
		r.out.WriteString(`_raise("` + kind + `")`)
	}
	r.i = k
}
