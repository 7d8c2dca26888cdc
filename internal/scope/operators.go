package scope

import (
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
)

// Starlark compares values of different types before any user hook runs, so
// df["v"] > 6 can never reach the Series. Comparisons are therefore
// rewritten into _cmp calls after parsing, and x ** y into pow(x, y)
// before parsing since Starlark has no power operator.

var cmpTokens = map[string]syntax.Token{
	"==": syntax.EQL, "!=": syntax.NEQ, "<": syntax.LT, ">": syntax.GT, "<=": syntax.LE, ">=": syntax.GE,
}

func isComparison(op syntax.Token) bool {
	switch op {
	case syntax.EQL, syntax.NEQ, syntax.LT, syntax.GT, syntax.LE, syntax.GE:
		return true
	}
	return false
}

// compare is the _cmp builtin: element-wise for a Series on either side,
// ordinary comparison otherwise.
func compare(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	var sym string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &x, &sym, &y); err != nil {
		return nil, err
	}
	op, ok := cmpTokens[sym]
	if !ok {
		return nil, exc.New(exc.RuntimeError, "unknown comparison %q", sym)
	}
	if s, ok := x.(*frame.Series); ok {
		return s.Compare(op, y, starlark.Left)
	}
	if s, ok := y.(*frame.Series); ok {
		return s.Compare(op, x, starlark.Right)
	}
	r, err := starlark.Compare(op, x, y)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(r), nil
}

// rewriteComparisons replaces every comparison in f with a _cmp call.
func rewriteComparisons(f *syntax.File) {
	rewriteStmts(f.Stmts)
}

func rewriteStmts(stmts []syntax.Stmt) {
	for _, st := range stmts {
		switch st := st.(type) {
		case *syntax.AssignStmt:
			st.LHS = rewriteExpr(st.LHS)
			st.RHS = rewriteExpr(st.RHS)
		case *syntax.DefStmt:
			rewriteExprs(st.Params)
			rewriteStmts(st.Body)
		case *syntax.ExprStmt:
			st.X = rewriteExpr(st.X)
		case *syntax.IfStmt:
			st.Cond = rewriteExpr(st.Cond)
			rewriteStmts(st.True)
			rewriteStmts(st.False)
		case *syntax.ForStmt:
			st.X = rewriteExpr(st.X)
			rewriteStmts(st.Body)
		case *syntax.WhileStmt:
			st.Cond = rewriteExpr(st.Cond)
			rewriteStmts(st.Body)
		case *syntax.ReturnStmt:
			st.Result = rewriteExpr(st.Result)
		}
	}
}

func rewriteExprs(list []syntax.Expr) {
	for i := range list {
		list[i] = rewriteExpr(list[i])
	}
}

func rewriteExpr(e syntax.Expr) syntax.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case *syntax.BinaryExpr:
		e.X = rewriteExpr(e.X)
		e.Y = rewriteExpr(e.Y)
		if !isComparison(e.Op) {
			return e
		}
		_, end := e.Y.Span()
		sym := e.Op.String()
		return &syntax.CallExpr{
			Fn:     &syntax.Ident{NamePos: e.OpPos, Name: "_cmp"},
			Lparen: e.OpPos,
			Args: []syntax.Expr{
				e.X,
				&syntax.Literal{Token: syntax.STRING, TokenPos: e.OpPos, Raw: `"` + sym + `"`, Value: sym},
				e.Y,
			},
			Rparen: end,
		}
	case *syntax.UnaryExpr:
		e.X = rewriteExpr(e.X)
	case *syntax.ParenExpr:
		e.X = rewriteExpr(e.X)
	case *syntax.CallExpr:
		e.Fn = rewriteExpr(e.Fn)
		rewriteExprs(e.Args)
	case *syntax.DotExpr:
		e.X = rewriteExpr(e.X)
	case *syntax.IndexExpr:
		e.X = rewriteExpr(e.X)
		e.Y = rewriteExpr(e.Y)
	case *syntax.SliceExpr:
		e.X = rewriteExpr(e.X)
		e.Lo = rewriteExpr(e.Lo)
		e.Hi = rewriteExpr(e.Hi)
		e.Step = rewriteExpr(e.Step)
	case *syntax.CondExpr:
		e.Cond = rewriteExpr(e.Cond)
		e.True = rewriteExpr(e.True)
		e.False = rewriteExpr(e.False)
	case *syntax.ListExpr:
		rewriteExprs(e.List)
	case *syntax.TupleExpr:
		rewriteExprs(e.List)
	case *syntax.DictExpr:
		rewriteExprs(e.List)
	case *syntax.DictEntry:
		e.Key = rewriteExpr(e.Key)
		e.Value = rewriteExpr(e.Value)
	case *syntax.LambdaExpr:
		rewriteExprs(e.Params)
		e.Body = rewriteExpr(e.Body)
	case *syntax.Comprehension:
		e.Body = rewriteExpr(e.Body)
		for _, c := range e.Clauses {
			switch c := c.(type) {
			case *syntax.ForClause:
				c.X = rewriteExpr(c.X)
			case *syntax.IfClause:
				c.Cond = rewriteExpr(c.Cond)
			}
		}
	}
	return e
}

// rewritePower turns binary ** into pow calls, innermost (rightmost) first
// so that a ** b ** c becomes pow(a, pow(b, c)). Operands are primaries: a
// name, number or bracketed group followed by attribute, call or index
// trailers. Unary signs bind to the right operand only, so -x ** 2 keeps
// Python's -(x ** 2).
func rewritePower(src string) string {
	for guard := 0; guard < 64; guard++ {
		mask := literalMask(src)
		at := lastPowerOp(src, mask)
		if at < 0 {
			return src
		}
		ls := operandStart(src, mask, at)
		re := operandEnd(src, mask, at+2)
		if ls < 0 || re < 0 {
			return src
		}
		left := strings.TrimSpace(src[ls:at])
		right := strings.TrimSpace(src[at+2 : re])
		src = src[:ls] + "pow(" + left + ", " + right + ")" + src[re:]
	}
	return src
}

// literalMask marks bytes inside string literals and comments.
func literalMask(src string) []bool {
	mask := make([]bool, len(src))
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				mask[i] = true
				i++
			}
		case c == '"' || c == '\'':
			delim := string(c)
			if strings.HasPrefix(src[i:], strings.Repeat(delim, 3)) {
				delim = strings.Repeat(delim, 3)
			}
			j := i + len(delim)
			for j < len(src) && !strings.HasPrefix(src[j:], delim) {
				if src[j] == '\\' {
					j++
				} else if len(delim) == 1 && src[j] == '\n' {
					break
				}
				j++
			}
			j = min(j+len(delim), len(src))
			for k := i; k < j; k++ {
				mask[k] = true
			}
			i = j
		default:
			i++
		}
	}
	return mask
}

// lastPowerOp finds the last ** used as a binary operator.
func lastPowerOp(src string, mask []bool) int {
	for i := len(src) - 2; i >= 0; i-- {
		if mask[i] || src[i] != '*' || src[i+1] != '*' {
			continue
		}
		if i+2 < len(src) && src[i+2] == '=' {
			continue
		}
		j := i - 1
		for j >= 0 && (src[j] == ' ' || src[j] == '\t') {
			j--
		}
		if j < 0 {
			continue
		}
		if c := src[j]; isIdentChar(c) || c == ')' || c == ']' || c == '}' || mask[j] {
			if isIdentChar(c) && isKeywordEnd(src, j) {
				continue
			}
			return i
		}
	}
	return -1
}

// isKeywordEnd reports whether the word ending at j is a keyword that can
// precede **kwargs, such as "lambda".
func isKeywordEnd(src string, j int) bool {
	k := j
	for k >= 0 && isIdentChar(src[k]) {
		k--
	}
	switch src[k+1 : j+1] {
	case "lambda", "in", "and", "or", "not", "return", "else", "if":
		return true
	}
	return false
}

func closerFor(c byte) byte {
	switch c {
	case '(':
		return ')'
	case '[':
		return ']'
	case '{':
		return '}'
	}
	return 0
}

func openerFor(c byte) byte {
	switch c {
	case ')':
		return '('
	case ']':
		return '['
	case '}':
		return '{'
	}
	return 0
}

// operandStart walks back from the operator over one primary expression.
func operandStart(src string, mask []bool, op int) int {
	j := op
	for j > 0 && (src[j-1] == ' ' || src[j-1] == '\t') {
		j--
	}
	for j > 0 {
		c := src[j-1]
		switch {
		case mask[j-1]:
			for j > 0 && mask[j-1] {
				j--
			}
			for j > 0 && isIdentChar(src[j-1]) {
				j-- // string prefix
			}
			return j
		case openerFor(c) != 0:
			depth := 0
			k := j - 1
			for ; k >= 0; k-- {
				if mask[k] {
					continue
				}
				if openerFor(src[k]) != 0 {
					depth++
				} else if closerFor(src[k]) != 0 {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if k < 0 {
				return -1
			}
			j = k
			if j == 0 {
				return 0
			}
			if p := src[j-1]; !isIdentChar(p) && openerFor(p) == 0 && !mask[j-1] {
				return j
			}
		case isIdentChar(c) || c == '.':
			k := j
			for k > 0 && (isIdentChar(src[k-1]) || src[k-1] == '.') && !mask[k-1] {
				k--
			}
			dotted := src[k] == '.'
			j = k
			if !dotted || j == 0 {
				return j
			}
			if p := src[j-1]; openerFor(p) == 0 && !mask[j-1] {
				return j
			}
		default:
			return j
		}
	}
	return j
}

// operandEnd walks forward from just after the operator over an optional
// unary sign and one primary expression.
func operandEnd(src string, mask []bool, from int) int {
	j := from
	skip := func() {
		for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
			j++
		}
	}
	skip()
	for j < len(src) && (src[j] == '-' || src[j] == '+' || src[j] == '~') {
		j++
		skip()
	}
	start := j
	for j < len(src) {
		c := src[j]
		switch {
		case mask[j]:
			for j < len(src) && mask[j] {
				j++
			}
		case closerFor(c) != 0:
			depth := 0
			k := j
			for ; k < len(src); k++ {
				if mask[k] {
					continue
				}
				if closerFor(src[k]) != 0 {
					depth++
				} else if openerFor(src[k]) != 0 {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if k >= len(src) {
				return -1
			}
			j = k + 1
		case isIdentChar(c) || c == '.':
			run := j
			for j < len(src) && (isIdentChar(src[j]) || src[j] == '.') {
				j++
				// 1e-3
				if j+1 < len(src) && src[run] >= '0' && src[run] <= '9' &&
					(src[j-1] == 'e' || src[j-1] == 'E') && (src[j] == '-' || src[j] == '+') {
					j++
				}
			}
		default:
			if j == start {
				return -1
			}
			return j
		}
	}
	if j == start {
		return -1
	}
	return j
}
