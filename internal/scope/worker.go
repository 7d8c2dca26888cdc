package scope

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

//go:embed worker.py
var workerScript []byte

// Files the worker backend places in the working directory.
const (
	WorkerDir     = ".datachat"
	WorkerScript  = WorkerDir + "/worker.py"
	WorkerDataset = WorkerDir + "/dataset.csv"
)

// Launcher starts a worker process that runs WorkerScript with the working
// directory as its only argument. Requests are written to the returned
// connection and replies read from it.
type Launcher interface {
	Launch(ctx context.Context, workDir string) (io.ReadWriteCloser, error)
}

// LocalLauncher runs the worker with a local interpreter.
type LocalLauncher struct {
	Python string
}

// Launch implements Launcher.
func (l LocalLauncher) Launch(_ context.Context, workDir string) (io.ReadWriteCloser, error) {
	python := l.Python
	if python == "" {
		python = "python3"
	}
	cmd := exec.Command(python, "-u", filepath.Join(workDir, WorkerScript), workDir)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8", "MPLBACKEND=Agg")
	stderr := NewOutputBuffer(4096)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", python, err)
	}
	return &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *OutputBuffer
	once   sync.Once
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
		if s := p.stderr.String(); s != "" {
			slog.Debug("Python worker stderr", "stderr", s)
		}
	})
	return nil
}

type workerRequest struct {
	Code string `json:"code"`
}

type workerResponse struct {
	Status string `json:"status"`
	Output string `json:"output"`
	Error  *Trace `json:"error,omitempty"`
}

// Worker is the out-of-process backend: a real CPython namespace behind a
// JSON-lines pipe.
type Worker struct {
	mu     sync.Mutex
	closed atomic.Bool
	conn   io.ReadWriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	opts   Options
	broken error
}

// NewWorker writes the worker script and a CSV snapshot of the table into
// the working directory, launches the worker and waits until it is ready.
func NewWorker(ctx context.Context, table *dataset.Table, opts Options, launcher Launcher) (*Worker, error) {
	workDir, err := PrepareWorkDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	opts.WorkDir = workDir
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if err := writeWorkerFiles(workDir, table); err != nil {
		return nil, err
	}

	conn, err := launcher.Launch(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}
	w := &Worker{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn), opts: opts}

	hello, err := w.roundTrip(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wait for worker: %w", err)
	}
	if hello.Status != "ready" {
		_ = conn.Close()
		if hello.Error != nil {
			return nil, fmt.Errorf("worker failed to start: %s", hello.Error.Format())
		}
		return nil, fmt.Errorf("worker failed to start: status %q", hello.Status)
	}
	return w, nil
}

func writeWorkerFiles(workDir string, table *dataset.Table) error {
	dir := filepath.Join(workDir, WorkerDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create worker directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, WorkerScript), workerScript, 0644); err != nil {
		return fmt.Errorf("write worker script: %w", err)
	}
	f, err := os.Create(filepath.Join(workDir, WorkerDataset))
	if err != nil {
		return fmt.Errorf("create dataset snapshot: %w", err)
	}
	if err := table.WriteCSV(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write dataset snapshot: %w", err)
	}
	return f.Close()
}

type decoded struct {
	resp workerResponse
	err  error
}

// roundTrip sends req (if any) and waits for one reply. Cancelling ctx
// kills the worker, since a running snippet cannot be interrupted.
func (w *Worker) roundTrip(ctx context.Context, req any) (workerResponse, error) {
	if req != nil {
		if err := w.enc.Encode(req); err != nil {
			return workerResponse{}, fmt.Errorf("send request: %w", err)
		}
	}
	done := make(chan decoded, 1)
	go func() {
		var d decoded
		d.err = w.dec.Decode(&d.resp)
		done <- d
	}()
	select {
	case d := <-done:
		return d.resp, d.err
	case <-ctx.Done():
		_ = w.conn.Close()
		<-done
		return workerResponse{}, context.Cause(ctx)
	}
}

// Exec implements Backend.
func (w *Worker) Exec(ctx context.Context, code string) (string, *Trace) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return "", &Trace{Kind: exc.RuntimeError, Message: "the Python worker was closed"}
	}
	if w.broken != nil {
		return "", &Trace{Kind: exc.RuntimeError, Message: "the Python worker is no longer running: " + w.broken.Error()}
	}
	resp, err := w.roundTrip(ctx, workerRequest{Code: code})
	if err != nil {
		w.broken = err
		if w.closed.Load() {
			return "", &Trace{Kind: exc.RuntimeError, Message: "the Python worker was closed"}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", &Trace{Kind: exc.TimeoutError, Message: "execution cancelled: " + err.Error()}
		}
		return "", &Trace{Kind: exc.RuntimeError, Message: "the Python worker stopped: " + err.Error()}
	}

	out := NewOutputBuffer(w.opts.OutputLimit)
	_, _ = out.WriteString(resp.Output)
	if resp.Status == "ok" {
		return out.String(), nil
	}
	if resp.Error == nil {
		return out.String(), &Trace{Kind: exc.RuntimeError, Message: "worker reported status " + resp.Status}
	}
	return out.String(), resp.Error
}

// Dialect implements Backend. The worker runs CPython.
func (w *Worker) Dialect() string { return "" }

// Close implements Backend. It does not wait for a running snippet: closing
// the connection kills the worker and unblocks Exec.
func (w *Worker) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	return w.conn.Close()
}
