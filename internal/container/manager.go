// Package container runs the Python execution worker inside Docker, the
// sandbox layer for EXECUTOR=docker.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ashureev/datachat/internal/scope"
)

const (
	// Container configuration.
	DefaultImage    = "datachat-sandbox:latest"
	containerUser   = "1000"
	workMount       = "/work"
	stopTimeoutSecs = 5
	sandboxLabel    = "datachat.sandbox"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 128

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// Sandbox launches execution workers in throwaway containers with no
// network, bounded memory, CPU and pids, and only the session directory
// mounted.
type Sandbox struct {
	cli     *client.Client
	runtime string // "" = default (runc), "runsc" = gVisor
	image   string
}

var _ scope.Launcher = (*Sandbox)(nil)

// NewSandbox creates a Docker-backed launcher.
func NewSandbox(runtime, image string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	if runtime == "" {
		slog.Info("Docker client initialized", "runtime", "default", "image", image)
	} else {
		slog.Info("Docker client initialized", "runtime", runtime, "image", image)
	}
	return &Sandbox{cli: cli, runtime: runtime, image: image}, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName derives a stable name from the session directory.
func containerName(workDir string) string {
	base := unsafeName.ReplaceAllString(filepath.Base(workDir), "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "session"
	}
	return "datachat-" + base
}

func (m *Sandbox) configs(workDir string) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:        m.image,
		User:         containerUser,
		WorkingDir:   workMount,
		Cmd:          []string{"python3", "-u", path.Join(workMount, scope.WorkerScript), workMount},
		Env:          []string{"PYTHONIOENCODING=utf-8", "MPLBACKEND=Agg", "MPLCONFIGDIR=/tmp"},
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{sandboxLabel: "1"},
	}
	hostConfig := &container.HostConfig{
		Runtime:        m.runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: workMount,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	return config, hostConfig
}

// Launch implements scope.Launcher.
func (m *Sandbox) Launch(ctx context.Context, workDir string) (io.ReadWriteCloser, error) {
	name := containerName(workDir)
	config, hostConfig := m.configs(workDir)

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create container: %w", createErr)
		}

		// A previous worker for the same session may still be shutting down.
		slog.Warn("Container name conflict during create, retrying",
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create container after retries: %w", createErr)
	}

	hijack, err := m.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		m.remove(resp.ID)
		return nil, fmt.Errorf("attach container %s: %w", resp.ID, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		m.remove(resp.ID)
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	// Without a TTY the attach stream multiplexes stdout and stderr.
	pr, pw := io.Pipe()
	stderr := scope.NewOutputBuffer(4096)
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, hijack.Reader)
		_ = pw.CloseWithError(err)
	}()

	slog.Info("Sandbox worker started", "container_id", resp.ID, "container_name", name)
	return &sandboxConn{
		m:      m,
		id:     resp.ID,
		stdout: pr,
		stdin:  hijack.Conn,
		closeFn: func() {
			hijack.Close()
			if s := stderr.String(); s != "" {
				slog.Debug("Sandbox worker stderr", "container_id", resp.ID, "stderr", s)
			}
		},
	}, nil
}

func (m *Sandbox) remove(id string) {
	if err := m.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("Failed to remove container", "container_id", id, "error", err)
	}
}

type sandboxConn struct {
	m       *Sandbox
	id      string
	stdout  *io.PipeReader
	stdin   io.Writer
	closeFn func()
	once    sync.Once
	err     error
}

func (c *sandboxConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sandboxConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close detaches and removes the container.
func (c *sandboxConn) Close() error {
	c.once.Do(func() {
		c.closeFn()
		_ = c.stdout.Close()
		ctx, cancel := context.WithTimeout(context.Background(), (stopTimeoutSecs+5)*time.Second)
		defer cancel()
		c.err = c.m.StopContainer(ctx, c.id)
	})
	return c.err
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *Sandbox) StopContainer(ctx context.Context, containerID string) error {
	slog.Debug("Stopping container", "container_id", containerID)

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// RemoveOrphans removes sandbox containers left behind by a previous run.
func (m *Sandbox) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=1")),
	})
	if err != nil {
		return 0, fmt.Errorf("list sandbox containers: %w", err)
	}
	var errs []error
	removed := 0
	for _, c := range list {
		if err := m.StopContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Close releases the Docker client.
func (m *Sandbox) Close() error {
	return m.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
