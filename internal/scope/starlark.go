package scope

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
	"github.com/ashureev/datachat/internal/pyplot"
)

const snippetFile = "<string>"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// StarlarkDialect tells the model what differs from CPython.
const StarlarkDialect = `The code runs in a Python-compatible interpreter (Starlark) with these differences:
- pd, plt, sns, math and json are already loaded; import lines for them are accepted. numpy, os and other modules are not available.
- No try/except, class, with or del statements. Use if-checks instead of exceptions.
- Comparisons on a Series are element-wise (df[df["col"] > 10] works); combine masks with & and | in parentheses.
- Strings: f-strings and "{:.2f}".format(x) work; chained comparisons like a < b < c do not.`

// Starlark is the in-process backend. Globals persist between calls.
type Starlark struct {
	mu      sync.Mutex
	globals starlark.StringDict
	canvas  *pyplot.Canvas
	out     *OutputBuffer
	opts    Options
	closed  bool
	running atomic.Pointer[starlark.Thread]
}

// NewStarlark builds a namespace with the table bound to df. The table is
// copied, so snippets never mutate the caller's data.
func NewStarlark(table *dataset.Table, opts Options) (*Starlark, error) {
	workDir, err := PrepareWorkDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	opts.WorkDir = workDir
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}

	s := &Starlark{
		canvas: pyplot.New(plot.NewFigure(), workDir),
		out:    NewOutputBuffer(opts.OutputLimit),
		opts:   opts,
	}
	plt := s.canvas.Pyplot()
	s.globals = pythonBuiltins(s.out)
	s.globals[DatasetName] = frame.FromTable(table.Clone())
	s.globals["pd"] = frame.Module()
	s.globals["plt"] = plt
	s.globals["sns"] = s.canvas.Seaborn()
	s.globals["math"] = starlarkmath.Module
	s.globals["json"] = json.Module
	s.globals["matplotlib"] = &starlarkstruct.Module{
		Name: "matplotlib",
		Members: starlark.StringDict{
			"pyplot": plt,
			"use":    starlark.NewBuiltin("use", none),
		},
	}
	return s, nil
}

// Dialect implements Backend.
func (s *Starlark) Dialect() string { return StarlarkDialect }

// Close implements Backend. A running snippet is cancelled first.
func (s *Starlark) Close() error {
	if th := s.running.Load(); th != nil {
		th.Cancel("execution scope closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.globals = nil
	return nil
}

// Exec implements Backend.
func (s *Starlark) Exec(ctx context.Context, code string) (string, *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", &Trace{Kind: exc.RuntimeError, Message: "the execution scope has been closed"}
	}
	if err := ctx.Err(); err != nil {
		return "", &Trace{Kind: exc.TimeoutError, Message: "execution cancelled: " + err.Error()}
	}

	s.out.Reset()
	s.canvas.Figure().Clear()
	s.canvas.TakeSaved()

	thread := &starlark.Thread{
		Name: "snippet",
		Print: func(_ *starlark.Thread, msg string) {
			_, _ = s.out.WriteString(msg + "\n")
		},
	}
	thread.SetLocal(frame.PlotterKey, s.canvas)
	if s.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.opts.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()
	s.running.Store(thread)
	defer s.running.Store(nil)

	f, err := fileOptions.Parse(snippetFile, rewritePower(rewrite(code)), 0)
	if err != nil {
		return s.out.String(), s.trace(err, code)
	}
	rewriteComparisons(f)
	if err := starlark.ExecREPLChunk(f, thread, s.globals); err != nil {
		return s.out.String(), s.trace(err, code)
	}
	return s.out.String(), nil
}

var (
	undefinedRE  = regexp.MustCompile(`^undefined: (\w+)$`)
	noAttrRE     = regexp.MustCompile(`^(\w+) has no \.(\w+) field or method`)
	keyMissingRE = regexp.MustCompile(`^key (.+) not in (dict|mapping)`)
	seriesCmpRE  = regexp.MustCompile(`(unsupported comparison|not implemented).*Series|Series.*(unsupported comparison|not implemented)`)
)

func sourceLine(code string, line int) string {
	lines := strings.Split(code, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimRight(lines[line-1], "\r")
}

// trace converts a Starlark failure into a Python-named trace.
func (s *Starlark) trace(err error, code string) *Trace {
	var synErr syntax.Error
	if errors.As(err, &synErr) {
		return &Trace{
			Kind:    exc.SyntaxError,
			Message: synErr.Msg,
			Frames:  []Frame{{File: snippetFile, Line: int(synErr.Pos.Line), Col: int(synErr.Pos.Col)}},
			Source:  sourceLine(code, int(synErr.Pos.Line)),
		}
	}

	var resErrs resolve.ErrorList
	if errors.As(err, &resErrs) && len(resErrs) > 0 {
		first := resErrs[0]
		fr := Frame{File: snippetFile, Line: int(first.Pos.Line), Col: int(first.Pos.Col), Func: "<module>"}
		if m := undefinedRE.FindStringSubmatch(first.Msg); m != nil {
			return &Trace{Kind: exc.NameError, Message: fmt.Sprintf("name '%s' is not defined", m[1]), Frames: []Frame{fr}}
		}
		return &Trace{Kind: exc.SyntaxError, Message: first.Msg, Frames: []Frame{fr}, Source: sourceLine(code, fr.Line)}
	}

	t := &Trace{Kind: exc.RuntimeError, Message: err.Error()}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		t.Message = evalErr.Msg
		for _, cf := range evalErr.CallStack {
			if !cf.Pos.IsValid() || cf.Pos.Filename() == "<builtin>" {
				continue
			}
			name := cf.Name
			if name == "<toplevel>" {
				name = "<module>"
			}
			t.Frames = append(t.Frames, Frame{File: cf.Pos.Filename(), Line: int(cf.Pos.Line), Func: name})
		}
	}
	if e, ok := exc.As(err); ok {
		t.Kind, t.Message = e.Kind, e.Msg
		return t
	}
	classify(t, s.opts.MaxSteps)
	return t
}

// classify names interpreter errors after their Python equivalents.
func classify(t *Trace, maxSteps uint64) {
	msg := t.Message
	switch {
	case strings.Contains(msg, "too many steps"):
		t.Kind = exc.TimeoutError
		t.Message = fmt.Sprintf("execution exceeded the limit of %d steps; simplify the computation", maxSteps)
	case strings.Contains(msg, "computation cancelled"):
		t.Kind = exc.TimeoutError
		_, reason, _ := strings.Cut(msg, "cancelled: ")
		t.Message = "execution cancelled: " + reason
	case strings.Contains(msg, "division by zero"), strings.Contains(msg, "modulo by zero"):
		t.Kind, t.Message = exc.ZeroDivisionError, "division by zero"
	case keyMissingRE.MatchString(msg):
		t.Kind, t.Message = exc.KeyError, keyMissingRE.FindStringSubmatch(msg)[1]
	case strings.Contains(msg, "out of range"):
		t.Kind = exc.IndexError
	case noAttrRE.MatchString(msg):
		m := noAttrRE.FindStringSubmatch(msg)
		t.Kind, t.Message = exc.AttributeError, fmt.Sprintf("'%s' object has no attribute '%s'", m[1], m[2])
	case seriesCmpRE.MatchString(msg):
		t.Kind = exc.TypeError
		t.Message = msg + ` (compare Series element-wise with methods such as df["col"].gt(x), .lt(x), .eq(x) or .isin([...]))`
	case strings.Contains(msg, "invalid literal"), strings.Contains(msg, "invalid syntax for"):
		t.Kind = exc.ValueError
	case strings.Contains(msg, "unknown binary op"),
		strings.Contains(msg, "unsupported comparison"),
		strings.Contains(msg, "not callable"),
		strings.Contains(msg, "not iterable"),
		strings.Contains(msg, "not subscriptable"),
		strings.Contains(msg, "missing argument"),
		strings.Contains(msg, "unexpected keyword"),
		strings.Contains(msg, "got ") && strings.Contains(msg, "want "),
		strings.Contains(msg, "accepts no"),
		strings.Contains(msg, "takes exactly"),
		strings.Contains(msg, "unhashable"):
		t.Kind = exc.TypeError
	case strings.Contains(msg, "cannot assign"), strings.Contains(msg, "frozen"):
		t.Kind = exc.TypeError
	}
}
