package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/config"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/present"
	"github.com/ashureev/datachat/internal/rpc"
	"github.com/ashureev/datachat/internal/session"
	"github.com/ashureev/datachat/internal/store"
)

const countRows = "Thought: contar\nAction: code_execution_tool\nAction Input: print(len(df))"

func writeVendas(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vendas.csv")
	if err := os.WriteFile(path, []byte("produto,valor\na,10\nb,20.5\nc,5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChatAnswersUntilExit(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("EXECUTOR", "starlark")
	model := llm.NewScript(countRows, "Thought: pronto\nFinal Answer: São 3 linhas.", "Final Answer: Até logo.")
	cmd := newRootCmdWith(&rootOptions{newModel: func(context.Context, config.LLMConfig) (llm.Completer, error) {
		return model, nil
	}})

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader("Quantas linhas?\n\n/exit\nnunca lida\n"))
	cmd.SetArgs([]string{"chat", writeVendas(t)})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("chat failed: %v\n%s", err, errOut.String())
	}

	got := out.String()
	if !strings.Contains(got, "3 rows, 2 columns (starlark)") {
		t.Errorf("expected dataset summary, got:\n%s", got)
	}
	if !strings.Contains(got, "São 3 linhas.") {
		t.Errorf("expected the answer, got:\n%s", got)
	}
	if n := len(model.Requests()); n != 2 {
		t.Errorf("expected 2 model calls before /exit, got %d", n)
	}
}

func startRemote(t *testing.T, model llm.Completer, token string) string {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	mgr := session.NewManager(session.Config{ChartsDir: t.TempDir(), MaxIterations: 3}, repo, model)
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(rpc.TokenInterceptor(token)))
	rpc.Register(srv, rpc.NewServer(mgr, repo, nil, 1<<20, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestAskRemote(t *testing.T) {
	addr := startRemote(t, llm.NewScript(countRows, "Final Answer: São 3 linhas."), "s3cret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ask", writeVendas(t), "Quantas", "linhas?", "--remote", addr, "--token", "s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ask --remote failed: %v", err)
	}
	if !strings.Contains(out.String(), "São 3 linhas.") {
		t.Errorf("expected the remote answer, got %q", out.String())
	}
}

func TestAskRemoteRejectsWrongToken(t *testing.T) {
	t.Setenv("GRPC_TOKEN", "")
	addr := startRemote(t, llm.NewScript("Final Answer: x"), "s3cret")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ask", writeVendas(t), "oi", "--remote", addr, "--token", "errado"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendas.csv")
	if err := os.WriteFile(path, []byte("produto;valor\na;10\nb;20,5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"inspect", path, "-n", "1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"vendas.csv (2 rows)", "produto", "object", "valor", "| a |"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ask", "vendas.csv"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected missing question to fail")
	}
}

func TestWriteResponse(t *testing.T) {
	var out bytes.Buffer
	writeResponse(&out, api.TurnResponse{
		View: present.View{
			Status: present.StatusAnswer,
			Segments: []present.Segment{
				{Kind: present.KindText, Text: "Veja:"},
				{Kind: present.KindChart, Path: "charts/a.png"},
			},
		},
		Termination: agent.TerminationNormal,
	}, "/tmp/s1")

	want := "Veja:\n[chart] " + filepath.Join("/tmp/s1", "charts", "a.png") + "\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}

	out.Reset()
	writeResponse(&out, api.TurnResponse{View: present.View{Status: present.StatusLimit, Warning: present.LimitWarning, LastThought: "hmm"}}, "")
	if !strings.HasPrefix(out.String(), present.LimitWarning+"\nThought: hmm") {
		t.Errorf("unexpected limit output %q", out.String())
	}
}

func TestWriteStepException(t *testing.T) {
	var out bytes.Buffer
	writeStep(&out, agent.Step{Cycle: 2, ToolName: agent.ExceptionTool, Raw: "blah"})
	if !strings.Contains(out.String(), "step 2") || !strings.Contains(out.String(), "    blah") {
		t.Errorf("unexpected output %q", out.String())
	}
}
