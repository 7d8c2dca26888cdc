package scope

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

func testTable(t *testing.T) *dataset.Table {
	t.Helper()
	table, err := dataset.FromRecords("vendas", []string{"produto", "valor"}, [][]string{
		{"a", "10"},
		{"b", "20.5"},
		{"a", "5"},
	}, false)
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}
	return table
}

func newStarlark(t *testing.T, opts Options) *Starlark {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	s, err := NewStarlark(testTable(t), opts)
	if err != nil {
		t.Fatalf("NewStarlark failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustExec(t *testing.T, b Backend, code string) string {
	t.Helper()
	out, tr := b.Exec(context.Background(), code)
	if tr != nil {
		t.Fatalf("Exec(%q) failed:\n%s", code, tr.Format())
	}
	return out
}

func TestStarlarkPrintsShape(t *testing.T) {
	s := newStarlark(t, Options{})
	if got := mustExec(t, s, "print(df.shape)"); got != "(3, 2)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestStarlarkZeroDivision(t *testing.T) {
	s := newStarlark(t, Options{})
	out, tr := s.Exec(context.Background(), "print('antes')\n1/0")
	if tr == nil {
		t.Fatal("expected a trace")
	}
	if tr.Kind != exc.ZeroDivisionError {
		t.Fatalf("expected ZeroDivisionError, got %s: %s", tr.Kind, tr.Message)
	}
	if out != "antes\n" {
		t.Fatalf("expected output before the failure to survive, got %q", out)
	}
	formatted := tr.Format()
	for _, want := range []string{"Traceback (most recent call last):", `File "<string>", line 2, in <module>`, "ZeroDivisionError: division by zero"} {
		if !strings.Contains(formatted, want) {
			t.Errorf("trace missing %q:\n%s", want, formatted)
		}
	}
}

func TestStarlarkScopePersistsAcrossCalls(t *testing.T) {
	s := newStarlark(t, Options{})
	mustExec(t, s, "x = 5\ndf['dobro'] = df['valor'] * 2")
	if got := mustExec(t, s, "print(x)\nprint(df.columns.tolist())"); got != "5\n[\"produto\", \"valor\", \"dobro\"]\n" {
		t.Fatalf("unexpected output %q", got)
	}

	fresh := newStarlark(t, Options{})
	_, tr := fresh.Exec(context.Background(), "print(x)")
	if tr == nil || tr.Kind != exc.NameError {
		t.Fatalf("expected NameError in a new scope, got %+v", tr)
	}
	if !strings.Contains(tr.Format(), "name 'x' is not defined") {
		t.Fatalf("unexpected message:\n%s", tr.Format())
	}
}

func TestStarlarkDoesNotMutateCallerTable(t *testing.T) {
	table := testTable(t)
	s, err := NewStarlark(table, Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStarlark failed: %v", err)
	}
	mustExec(t, s, "df['novo'] = 1")
	if table.NumCols() != 2 {
		t.Fatalf("caller table gained columns: %v", table.Header())
	}
}

func TestStarlarkSavefigCreatesChart(t *testing.T) {
	dir := t.TempDir()
	s := newStarlark(t, Options{WorkDir: dir})
	mustExec(t, s, `
import matplotlib.pyplot as plt
totais = df.groupby("produto")["valor"].sum()
plt.figure(figsize=(6, 4))
totais.plot(kind="bar", title="Total")
plt.savefig("charts/total.png")
`)
	if _, err := os.Stat(filepath.Join(dir, "charts", "total.png")); err != nil {
		t.Fatalf("expected chart file: %v", err)
	}
}

func TestStarlarkClearsFigureBetweenCalls(t *testing.T) {
	s := newStarlark(t, Options{})
	mustExec(t, s, "plt.plot([1, 2, 3])")
	mustExec(t, s, "print(1)")
	if n := s.canvas.Figure().Len(); n != 0 {
		t.Fatalf("expected empty figure before each call, got %d series", n)
	}
}

func TestStarlarkPythonisms(t *testing.T) {
	s := newStarlark(t, Options{})
	got := mustExec(t, s, `
import pandas as pd
import numpy as np
total = df["valor"].sum()
print(f"Total: {total:,.2f}")
print("Média: {:.1f}".format(df["valor"].mean()))
nome = None
if nome is None:
    print("sem nome", end="!\n")
print(round(2.675, 2), sum([1, 2, 3]))
`)
	want := "Total: 35.50\nMédia: 11.8\nsem nome!\n2.67 6\n"
	if got != want {
		t.Fatalf("unexpected output\n got: %q\nwant: %q", got, want)
	}

	_, tr := s.Exec(context.Background(), "import numpy as np\nprint(np.mean([1, 2]))")
	if tr == nil || tr.Kind != exc.ModuleNotFoundError {
		t.Fatalf("expected ModuleNotFoundError on use of numpy, got %+v", tr)
	}
}

func TestStarlarkSeriesOperators(t *testing.T) {
	s := newStarlark(t, Options{})
	got := mustExec(t, s, `
print(len(df[df["valor"] > 6]))
print(len(df[6 < df["valor"]]))
print(len(df[(df["valor"] >= 10) & (df["produto"] == "a")]))
print(2**3, 2 ** -1, -2 ** 2, 2 ** 3 ** 2)
print((df["valor"] ** 2).sum())
print(1 < 2, "a" != "b")
`)
	want := "2\n2\n1\n8 0.5 -4 512\n545.25\nTrue True\n"
	if got != want {
		t.Fatalf("unexpected output\n got: %q\nwant: %q", got, want)
	}
}

func TestStarlarkCloseCancelsRunningSnippet(t *testing.T) {
	s, err := NewStarlark(testTable(t), Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStarlark failed: %v", err)
	}
	traces := make(chan *Trace, 1)
	go func() {
		_, tr := s.Exec(context.Background(), "x = 0\nwhile True:\n    x += 1")
		traces <- tr
	}()
	for s.running.Load() == nil {
		time.Sleep(time.Millisecond)
	}
	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked while a snippet was running")
	}
	if tr := <-traces; tr == nil || tr.Kind != exc.TimeoutError {
		t.Fatalf("expected the snippet to be cancelled, got %+v", tr)
	}
}

func TestStarlarkSyntaxError(t *testing.T) {
	s := newStarlark(t, Options{})
	_, tr := s.Exec(context.Background(), "x = 1\nprint(df.shape")
	if tr == nil || tr.Kind != exc.SyntaxError {
		t.Fatalf("expected SyntaxError, got %+v", tr)
	}
	if !strings.HasPrefix(tr.Format(), `  File "<string>", line`) {
		t.Fatalf("unexpected syntax trace:\n%s", tr.Format())
	}
}

func TestStarlarkStepLimit(t *testing.T) {
	s := newStarlark(t, Options{MaxSteps: 10000})
	_, tr := s.Exec(context.Background(), "x = 0\nwhile True:\n    x += 1")
	if tr == nil || tr.Kind != exc.TimeoutError {
		t.Fatalf("expected TimeoutError, got %+v", tr)
	}
}

func TestStarlarkCancelledContext(t *testing.T) {
	s := newStarlark(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, tr := s.Exec(ctx, "print(1)")
	if tr == nil || tr.Kind != exc.TimeoutError {
		t.Fatalf("expected TimeoutError, got %+v", tr)
	}
}

func TestStarlarkOutputLimit(t *testing.T) {
	s := newStarlark(t, Options{OutputLimit: 64})
	out := mustExec(t, s, `print("a" * 500)
print("fim")`)
	if !strings.HasPrefix(out, "[... ") || !strings.HasSuffix(out, "fim\n") {
		t.Fatalf("expected truncated output keeping the tail, got %q", out)
	}
}

func TestStarlarkClosed(t *testing.T) {
	s := newStarlark(t, Options{})
	_ = s.Close()
	if _, tr := s.Exec(context.Background(), "print(1)"); tr == nil {
		t.Fatal("expected an error after Close")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(context.Background(), "lua", testTable(t), Options{WorkDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := New(context.Background(), KindDocker, testTable(t), Options{WorkDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for docker without launcher")
	}
}

func TestOutputBufferKeepsTail(t *testing.T) {
	b := NewOutputBuffer(8)
	_, _ = b.WriteString("0123456789ab")
	if b.Truncated() != 4 {
		t.Fatalf("expected 4 dropped bytes, got %d", b.Truncated())
	}
	if got := b.String(); !strings.HasSuffix(got, "456789ab") {
		t.Fatalf("unexpected tail %q", got)
	}
	b.Reset()
	if b.String() != "" {
		t.Fatal("expected empty buffer after Reset")
	}
}
