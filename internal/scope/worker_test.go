package scope

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/datachat/internal/exc"
)

type pipeConn struct {
	io.Reader
	io.Writer
	close func() error
}

func (c *pipeConn) Close() error { return c.close() }

// fakeLauncher runs an in-process stand-in for the Python worker.
type fakeLauncher struct {
	workDir string
	hello   string
}

func (l *fakeLauncher) Launch(_ context.Context, workDir string) (io.ReadWriteCloser, error) {
	l.workDir = workDir
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		defer respW.Close()
		enc := json.NewEncoder(respW)
		status := l.hello
		if status == "" {
			status = "ready"
		}
		if err := enc.Encode(workerResponse{Status: status}); err != nil {
			return
		}
		dec := json.NewDecoder(reqR)
		for {
			var req workerRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			switch req.Code {
			case "hang":
				time.Sleep(time.Hour)
			case "1/0":
				_ = enc.Encode(workerResponse{Status: "error", Error: &Trace{
					Kind:    exc.ZeroDivisionError,
					Message: "division by zero",
					Raw:     "Traceback (most recent call last):\n  File \"<string>\", line 1, in <module>\nZeroDivisionError: division by zero\n",
				}})
			default:
				_ = enc.Encode(workerResponse{Status: "ok", Output: "ran: " + req.Code + "\n"})
			}
		}
	}()
	conn := &pipeConn{Reader: respR, Writer: reqW, close: func() error {
		_ = reqW.Close()
		return respR.Close()
	}}
	return conn, nil
}

func TestWorkerRoundTrip(t *testing.T) {
	launcher := &fakeLauncher{}
	w, err := NewWorker(context.Background(), testTable(t), Options{WorkDir: t.TempDir()}, launcher)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	snapshot, err := os.ReadFile(filepath.Join(launcher.workDir, WorkerDataset))
	if err != nil {
		t.Fatalf("expected dataset snapshot: %v", err)
	}
	if !strings.HasPrefix(string(snapshot), "produto,valor\n") {
		t.Fatalf("unexpected snapshot header: %q", snapshot)
	}
	if _, err := os.Stat(filepath.Join(launcher.workDir, WorkerScript)); err != nil {
		t.Fatalf("expected worker script: %v", err)
	}

	out, tr := w.Exec(context.Background(), "print(df.shape)")
	if tr != nil {
		t.Fatalf("unexpected trace: %s", tr.Format())
	}
	if out != "ran: print(df.shape)\n" {
		t.Fatalf("unexpected output %q", out)
	}

	_, tr = w.Exec(context.Background(), "1/0")
	if tr == nil || tr.Kind != exc.ZeroDivisionError {
		t.Fatalf("expected ZeroDivisionError, got %+v", tr)
	}
	if !strings.HasSuffix(tr.Format(), "ZeroDivisionError: division by zero") {
		t.Fatalf("expected raw traceback to be used verbatim:\n%s", tr.Format())
	}
	if w.Dialect() != "" {
		t.Fatal("worker runs plain Python and needs no dialect notes")
	}
}

func TestWorkerCancelStopsWorker(t *testing.T) {
	w, err := NewWorker(context.Background(), testTable(t), Options{WorkDir: t.TempDir()}, &fakeLauncher{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, tr := w.Exec(ctx, "hang")
	if tr == nil || tr.Kind != exc.TimeoutError {
		t.Fatalf("expected TimeoutError, got %+v", tr)
	}
	_, tr = w.Exec(context.Background(), "print(1)")
	if tr == nil || tr.Kind != exc.RuntimeError {
		t.Fatalf("expected RuntimeError from a stopped worker, got %+v", tr)
	}
}

func TestWorkerCloseDoesNotWaitForRunningSnippet(t *testing.T) {
	w, err := NewWorker(context.Background(), testTable(t), Options{WorkDir: t.TempDir()}, &fakeLauncher{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	traces := make(chan *Trace, 1)
	go func() {
		_, tr := w.Exec(context.Background(), "hang")
		traces <- tr
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- w.Close() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked while a snippet was running")
	}

	select {
	case tr := <-traces:
		if tr == nil || tr.Kind != exc.RuntimeError {
			t.Fatalf("expected RuntimeError from the interrupted snippet, got %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Exec did not return after Close")
	}

	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, tr := w.Exec(context.Background(), "print(1)"); tr == nil {
		t.Error("expected Exec on a closed worker to fail")
	}
}

func TestWorkerStartupFailure(t *testing.T) {
	_, err := NewWorker(context.Background(), testTable(t), Options{WorkDir: t.TempDir()}, &fakeLauncher{hello: "error"})
	if err == nil {
		t.Fatal("expected startup error")
	}
}

func TestLocalWorkerRunsPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	if err := exec.Command("python3", "-c", "import pandas, matplotlib").Run(); err != nil {
		t.Skip("pandas or matplotlib not installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	w, err := NewWorker(ctx, testTable(t), Options{WorkDir: t.TempDir()}, LocalLauncher{})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	out, tr := w.Exec(ctx, "print(df.shape)\nx = 5")
	if tr != nil {
		t.Fatalf("unexpected trace: %s", tr.Format())
	}
	if out != "(3, 2)\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out, tr = w.Exec(ctx, "print('antes')\n1/0")
	if tr == nil || tr.Kind != exc.ZeroDivisionError {
		t.Fatalf("expected ZeroDivisionError, got %+v", tr)
	}
	if !strings.Contains(tr.Format(), "ZeroDivisionError: division by zero") {
		t.Errorf("expected a Python traceback:\n%s", tr.Format())
	}
	if !strings.Contains(out, "antes") {
		t.Errorf("expected output printed before the error, got %q", out)
	}

	// stdout is restored after the failure and the namespace survives it
	out, tr = w.Exec(ctx, "print(x * 2)")
	if tr != nil {
		t.Fatalf("unexpected trace: %s", tr.Format())
	}
	if out != "10\n" {
		t.Fatalf("expected x to persist, got %q", out)
	}
}
