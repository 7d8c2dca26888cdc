package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/scope"
	"github.com/ashureev/datachat/internal/tool"
)

type fakeRunner struct {
	inputs []string
	result tool.Result
}

func (f *fakeRunner) Run(_ context.Context, input string) tool.Result {
	f.inputs = append(f.inputs, input)
	return f.result
}

func (f *fakeRunner) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: tool.Name, Desc: "runs code"}, nil
}

func newExecutor(t *testing.T, model llm.Completer, runner Runner, opts ...Option) *Executor {
	t.Helper()
	e, err := NewExecutor(model, runner, PromptConfig{AnswerLanguage: "Portuguese (Brazil)"}, opts...)
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return e
}

const act = "Thought: look\nAction: code_execution_tool\nAction Input: print(df.shape)"

func TestRunFinalAnswer(t *testing.T) {
	model := llm.NewScript(act, "Thought: done\nFinal Answer: São 3 linhas.")
	runner := &fakeRunner{result: tool.Result{Output: "(3, 2)\n"}}

	res, err := newExecutor(t, model, runner).Run(context.Background(), "Quantas linhas?", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Termination != TerminationNormal {
		t.Fatalf("expected NORMAL, got %s", res.Termination)
	}
	if res.FinalText != "São 3 linhas." {
		t.Errorf("unexpected final text %q", res.FinalText)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(res.Steps))
	}
	step := res.Steps[0]
	if step.Thought != "look" || step.ToolName != tool.Name || step.ToolInput != "print(df.shape)" {
		t.Errorf("unexpected step %+v", step)
	}
	if !strings.Contains(step.Observation, "(3, 2)") {
		t.Errorf("expected observation to carry output, got %q", step.Observation)
	}

	reqs := model.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(reqs))
	}
	if len(reqs[0].Stop) != 1 || reqs[0].Stop[0] != ObservationStop {
		t.Errorf("expected observation stop sequence, got %q", reqs[0].Stop)
	}
	second := reqs[1].Prompt
	if !strings.Contains(second, "Action Input: print(df.shape)\nObservation: Execution successful.") {
		t.Errorf("expected scratchpad in second prompt:\n%s", second)
	}
	if !strings.HasSuffix(second, "\nThought: ") {
		t.Errorf("expected prompt to end with a Thought cue")
	}
}

func TestRunStopsAtIterationLimit(t *testing.T) {
	model := &llm.Script{Replies: []string{act}, Loop: true}
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner, WithMaxIterations(4)).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Termination != TerminationIterationLimit {
		t.Fatalf("expected ITERATION_LIMIT, got %s", res.Termination)
	}
	if res.FinalText != "" {
		t.Errorf("expected no final text, got %q", res.FinalText)
	}
	if res.Message != StopMessage {
		t.Errorf("expected stop message, got %q", res.Message)
	}
	if len(res.Steps) != 4 || len(runner.inputs) != 4 || len(model.Requests()) != 4 {
		t.Fatalf("expected exactly 4 cycles, got steps=%d runs=%d calls=%d", len(res.Steps), len(runner.inputs), len(model.Requests()))
	}
	for i, s := range res.Steps {
		if s.Cycle != i+1 {
			t.Errorf("step %d has cycle %d", i, s.Cycle)
		}
	}
}

func TestRunDefaultBudgetIsSeven(t *testing.T) {
	model := &llm.Script{Replies: []string{"no format at all"}, Loop: true}
	e := newExecutor(t, model, &fakeRunner{})
	res, err := e.Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if e.MaxIterations() != 7 || len(res.Steps) != 7 {
		t.Fatalf("expected 7 cycles, got %d", len(res.Steps))
	}
	if res.Termination != TerminationIterationLimit {
		t.Fatalf("expected ITERATION_LIMIT, got %s", res.Termination)
	}
}

func TestRunRecoversFromParseFailure(t *testing.T) {
	model := llm.NewScript(
		"Thought: I'll run it\nAction: code_execution_tool\n",
		"Final Answer: ok",
	)
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Termination != TerminationNormal || res.FinalText != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("expected the parse failure to be recorded as a step, got %d", len(res.Steps))
	}
	step := res.Steps[0]
	if step.ToolName != ExceptionTool {
		t.Errorf("expected %s step, got %q", ExceptionTool, step.ToolName)
	}
	if !strings.HasPrefix(step.Observation, "Invalid or incomplete response.") {
		t.Errorf("unexpected observation %q", step.Observation)
	}
	if len(runner.inputs) != 0 {
		t.Error("tool must not run for an unparseable completion")
	}
	if !strings.Contains(model.Requests()[1].Prompt, "Observation: Invalid or incomplete response.") {
		t.Error("expected the corrective note in the next prompt")
	}
}

func TestRunBlankCompletionConsumesCycle(t *testing.T) {
	model := llm.NewScript("", "  \n", "Final Answer: 42")
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("a blank completion must not abort the turn: %v", err)
	}
	if res.Termination != TerminationNormal || res.FinalText != "42" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected one exception step per blank reply, got %d", len(res.Steps))
	}
	for i, step := range res.Steps {
		if step.ToolName != ExceptionTool || step.Cycle != i+1 {
			t.Errorf("step %d = %+v, want %s on cycle %d", i, step, ExceptionTool, i+1)
		}
	}
	if len(runner.inputs) != 0 {
		t.Error("tool must not run for a blank completion")
	}
}

func TestRunFinalAnswerOnLastCycleIsNormal(t *testing.T) {
	model := llm.NewScript(act, act, "Final Answer: feito")
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner, WithMaxIterations(3)).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Termination != TerminationNormal {
		t.Fatalf("expected NORMAL for an answer on the last cycle, got %s", res.Termination)
	}
	if res.FinalText != "feito" || res.Message != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Steps) != 2 || len(model.Requests()) != 3 {
		t.Fatalf("expected 2 steps over 3 calls, got steps=%d calls=%d", len(res.Steps), len(model.Requests()))
	}
}

func TestNewExecutorUsesToolInfo(t *testing.T) {
	model := llm.NewScript("Final Answer: x")
	e := newExecutor(t, model, &fakeRunner{})
	if _, err := e.Run(context.Background(), "q", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	prompt := model.Requests()[0].Prompt
	if !strings.Contains(prompt, "runs code") || !strings.Contains(prompt, tool.Name) {
		t.Errorf("expected tool info in prompt:\n%s", prompt)
	}
}

func TestRunRejectsUnknownTool(t *testing.T) {
	model := llm.NewScript(
		"Thought: t\nAction: python_repl\nAction Input: print(1)",
		"Final Answer: done",
	)
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := "python_repl is not a valid tool, try one of [code_execution_tool]."
	if res.Steps[0].Observation != want {
		t.Errorf("observation = %q, want %q", res.Steps[0].Observation, want)
	}
	if len(runner.inputs) != 0 {
		t.Error("unknown tools must not reach the runner")
	}
}

func TestRunModelFailureIsHardError(t *testing.T) {
	model := llm.NewScript(act)
	runner := &fakeRunner{}

	res, err := newExecutor(t, model, runner).Run(context.Background(), "q", nil)
	if !errors.Is(err, llm.ErrScriptExhausted) {
		t.Fatalf("expected model error, got %v", err)
	}
	if res == nil || res.Termination != TerminationAborted || len(res.Steps) != 1 {
		t.Fatalf("expected partial result with one step, got %+v", res)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newExecutor(t, llm.NewScript(act), &fakeRunner{}).Run(ctx, "q", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunEmitsStateTransitions(t *testing.T) {
	model := llm.NewScript(act, "Final Answer: x")
	var states []State
	var steps int
	observer := WithObserver(func(ev Event) {
		states = append(states, ev.State)
		if ev.Step != nil {
			steps++
		}
	})

	if _, err := newExecutor(t, model, &fakeRunner{}, observer).Run(context.Background(), "q", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []State{
		StateAwaitingModel, StateParsingOutput, StateInvokingTool, StateAwaitingModel,
		StateAwaitingModel, StateParsingOutput, StateDone,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if steps != 1 {
		t.Errorf("expected one step event, got %d", steps)
	}
	if StateLimitReached.String() != "LIMIT_REACHED" || !StateDone.Terminal() {
		t.Error("unexpected state naming")
	}
}

func TestPromptRendersHistoryAndDialect(t *testing.T) {
	p, err := NewPrompt(PromptConfig{
		ToolName:        tool.Name,
		ToolDescription: tool.Description,
		AnswerLanguage:  "Portuguese (Brazil)",
		Dialect:         "Snippets run in Starlark.",
		Dataset:         "3 rows x 2 columns",
	})
	if err != nil {
		t.Fatalf("NewPrompt failed: %v", err)
	}
	out := p.Render([]Message{{Role: "user", Content: "oi"}, {Role: "assistant", Content: "olá"}}, "Quantas linhas?", nil)
	for _, want := range []string{
		"Write your final answer in Portuguese (Brazil).",
		"Snippets run in Starlark.",
		"3 rows x 2 columns",
		"must be one of [code_execution_tool]",
		"[CHART_PATH:charts/<unique_name>.png]",
		"user: oi\nassistant: olá\n",
		"Question: Quantas linhas?\nThought: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt is missing %q", want)
		}
	}
}

func TestRunAgainstRealScope(t *testing.T) {
	table := agentTable(t)
	backend, err := scope.New(context.Background(), scope.KindStarlark, table, scope.Options{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("scope.New: %v", err)
	}
	defer func() { _ = backend.Close() }()

	model := llm.NewScript(
		"Thought: define\nAction: code_execution_tool\nAction Input: x = 5",
		"Thought: read\nAction: code_execution_tool\nAction Input: ```python\nprint(x)\n```",
		"Final Answer: x vale 5",
	)
	res, err := newExecutor(t, model, tool.New(backend)).Run(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Steps[0].Observation, "no output") {
		t.Errorf("expected no-output observation, got %q", res.Steps[0].Observation)
	}
	if !strings.Contains(res.Steps[1].Observation, "```\n5\n") {
		t.Errorf("expected persisted variable, got %q", res.Steps[1].Observation)
	}
}

func agentTable(t *testing.T) *dataset.Table {
	t.Helper()
	table, err := dataset.FromRecords("vendas", []string{"produto", "valor"}, [][]string{
		{"a", "10"},
		{"b", "20.5"},
		{"c", "5"},
	}, false)
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}
	return table
}
