// Package scope implements the per-session execution namespace that code
// snippets run against. Each session owns exactly one Backend; backends are
// never shared.
//
// Snippets run with the privileges of the backend: the in-process Starlark
// backend can only reach what its globals expose, the python backend runs a
// local interpreter with full user privileges, and the docker backend runs
// the same interpreter inside a resource-limited container.
package scope

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

// DatasetName is the identifier the dataset is bound to in every backend.
// The system prompt depends on it.
const DatasetName = "df"

// ChartsSubdir is the relative directory snippets save charts into.
const ChartsSubdir = "charts"

// Backend executes snippets against a persistent namespace.
type Backend interface {
	// Exec runs code and returns everything it printed. A non-nil trace
	// reports a failure; output printed before the failure is still returned.
	Exec(ctx context.Context, code string) (string, *Trace)

	// Dialect returns notes for the model about the language accepted by
	// Exec, or "" when it is plain Python.
	Dialect() string

	// Close releases the namespace. Exec must not be called afterwards.
	Close() error
}

// Options configures a backend.
type Options struct {
	// WorkDir is the session directory; charts land in WorkDir/charts.
	WorkDir string
	// MaxSteps bounds Starlark execution steps per snippet (0 = unlimited).
	MaxSteps uint64
	// OutputLimit caps captured output in bytes (0 = default).
	OutputLimit int
	// Launcher starts the worker for the python and docker kinds.
	Launcher Launcher
}

// Backend kinds accepted by New.
const (
	KindStarlark = "starlark"
	KindPython   = "python"
	KindDocker   = "docker"
)

// New creates the backend for kind with table bound to DatasetName. The
// python kind defaults to a LocalLauncher; docker requires opts.Launcher.
func New(ctx context.Context, kind string, table *dataset.Table, opts Options) (Backend, error) {
	if table == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	switch kind {
	case "", KindStarlark:
		s, err := NewStarlark(table, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindPython, KindDocker:
		launcher := opts.Launcher
		if launcher == nil && kind == KindPython {
			launcher = LocalLauncher{}
		}
		if launcher == nil {
			return nil, fmt.Errorf("executor %q needs a launcher", kind)
		}
		w, err := NewWorker(ctx, table, opts, launcher)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("unknown executor %q", kind)
}

// DefaultOutputLimit is used when Options.OutputLimit is zero.
const DefaultOutputLimit = 20000

// PrepareWorkDir creates WorkDir/charts. It is idempotent.
func PrepareWorkDir(workDir string) (string, error) {
	if workDir == "" {
		return "", fmt.Errorf("work dir is required")
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ChartsSubdir), 0755); err != nil {
		return "", fmt.Errorf("create charts directory: %w", err)
	}
	return abs, nil
}

// Frame is one entry of a traceback, innermost last.
type Frame struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col,omitempty"`
	Func string `json:"func"`
}

// Trace describes a failed execution with Python-style naming so that the
// model can reason about it the same way regardless of backend.
type Trace struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message"`
	Frames  []Frame `json:"frames,omitempty"`
	// Source is the offending source line for syntax errors.
	Source string `json:"source,omitempty"`
	// Raw is a backend-formatted traceback, used verbatim when set.
	Raw string `json:"raw,omitempty"`
}

// Error implements error.
func (t *Trace) Error() string {
	return t.Kind + ": " + t.Message
}

// Format renders the trace as a Python traceback.
func (t *Trace) Format() string {
	if t.Raw != "" {
		return strings.TrimRight(t.Raw, "\n")
	}
	var b strings.Builder
	if t.Kind == exc.SyntaxError {
		for _, fr := range t.Frames {
			fmt.Fprintf(&b, "  File %q, line %d\n", fr.File, fr.Line)
			if t.Source != "" {
				fmt.Fprintf(&b, "    %s\n", t.Source)
				if fr.Col > 0 {
					fmt.Fprintf(&b, "    %s^\n", strings.Repeat(" ", fr.Col-1))
				}
			}
		}
	} else {
		b.WriteString("Traceback (most recent call last):\n")
		for _, fr := range t.Frames {
			fmt.Fprintf(&b, "  File %q, line %d, in %s\n", fr.File, fr.Line, fr.Func)
		}
	}
	b.WriteString(t.Kind)
	if t.Message != "" {
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	return b.String()
}
