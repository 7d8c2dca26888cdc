package container

import (
	"path"
	"testing"

	"github.com/docker/docker/api/types/mount"

	"github.com/ashureev/datachat/internal/scope"
)

func TestContainerName(t *testing.T) {
	tests := map[string]string{
		"/data/charts/3f2a-11":   "datachat-3f2a-11",
		"/data/charts/sessão 1":  "datachat-sess-o-1",
		"/":                      "datachat-session",
		"relative/dir/abc_DEF.1": "datachat-abc_DEF.1",
	}
	for in, want := range tests {
		if got := containerName(in); got != want {
			t.Errorf("containerName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSandboxConfigIsolation(t *testing.T) {
	m := &Sandbox{runtime: "runsc", image: DefaultImage}
	config, host := m.configs("/srv/charts/abc")

	if host.NetworkMode != "none" {
		t.Errorf("expected no network, got %q", host.NetworkMode)
	}
	if !host.ReadonlyRootfs {
		t.Error("expected read-only root filesystem")
	}
	if host.Runtime != "runsc" {
		t.Errorf("expected runtime to be passed through, got %q", host.Runtime)
	}
	if host.Resources.Memory == 0 || host.Resources.PidsLimit == nil || *host.Resources.PidsLimit == 0 {
		t.Error("expected memory and pids limits")
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Type != mount.TypeBind || host.Mounts[0].Source != "/srv/charts/abc" || host.Mounts[0].Target != workMount {
		t.Errorf("unexpected mounts %+v", host.Mounts)
	}
	if !config.OpenStdin || config.Tty {
		t.Error("expected a non-TTY stdin stream for the JSON protocol")
	}
	if got := config.Cmd[len(config.Cmd)-2]; got != path.Join(workMount, scope.WorkerScript) {
		t.Errorf("unexpected worker script path %q", got)
	}
}
