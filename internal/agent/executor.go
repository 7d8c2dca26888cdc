package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"

	"github.com/ashureev/datachat/internal/llm"
	"github.com/ashureev/datachat/internal/tool"
)

// Runner executes one action payload. Its eino tool info supplies the name
// and description shown to the model. *tool.CodeTool implements it.
type Runner interface {
	einotool.BaseTool
	Run(ctx context.Context, input string) tool.Result
}

// Executor drives the think/act/observe cycles of a turn. Cycles run
// strictly in sequence; an Executor is not safe for concurrent Runs.
type Executor struct {
	model    llm.Completer
	runner   Runner
	toolName string
	prompt   *Prompt
	maxIter  int
	onEvent  func(Event)
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxIterations sets the cycle budget.
func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithObserver registers a callback for every state transition.
func WithObserver(fn func(Event)) Option {
	return func(e *Executor) { e.onEvent = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithToolName overrides the registered tool name.
func WithToolName(name string) Option {
	return func(e *Executor) { e.toolName = name }
}

// NewExecutor creates an Executor. The tool name and description come from
// runner.Info. The prompt is rendered from cfg after options are applied,
// so cfg.MaxIterations and cfg.ToolName default to the executor's own values.
func NewExecutor(model llm.Completer, runner Runner, cfg PromptConfig, opts ...Option) (*Executor, error) {
	info, err := runner.Info(context.Background())
	if err != nil {
		return nil, fmt.Errorf("tool info: %w", err)
	}
	e := &Executor{
		model:    model,
		runner:   runner,
		toolName: info.Name,
		maxIter:  DefaultMaxIterations,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.ToolName == "" {
		cfg.ToolName = e.toolName
	}
	if cfg.ToolDescription == "" {
		cfg.ToolDescription = info.Desc
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = e.maxIter
	}
	p, err := NewPrompt(cfg)
	if err != nil {
		return nil, err
	}
	e.prompt = p
	return e, nil
}

// MaxIterations returns the cycle budget.
func (e *Executor) MaxIterations() int {
	return e.maxIter
}

func (e *Executor) emit(state State, cycle int, step *Step) {
	if e.onEvent != nil {
		e.onEvent(Event{State: state, Cycle: cycle, Step: step})
	}
}

// Run answers question. The returned error is non-nil only when the model
// call fails or ctx ends; the partial result is returned with it. Parse
// failures and execution errors are absorbed into steps and never abort
// the turn. Every cycle, including one whose completion fails to parse,
// consumes budget.
func (e *Executor) Run(ctx context.Context, question string, history []Message) (*TurnResult, error) {
	res := &TurnResult{Steps: []Step{}}

	for cycle := 1; cycle <= e.maxIter; cycle++ {
		e.emit(StateAwaitingModel, cycle, nil)
		if err := ctx.Err(); err != nil {
			res.Termination = TerminationAborted
			return res, err
		}

		start := time.Now()
		text, err := e.model.Complete(ctx, llm.Request{
			Prompt: e.prompt.Render(history, question, res.Steps),
			Stop:   []string{ObservationStop},
		})
		if err != nil {
			res.Termination = TerminationAborted
			return res, fmt.Errorf("model completion (cycle %d): %w", cycle, err)
		}
		e.logger.Debug("Model completion received", "cycle", cycle, "chars", len(text), "duration_ms", time.Since(start).Milliseconds())

		e.emit(StateParsingOutput, cycle, nil)
		parsed, perr := Parse(text)
		if perr != nil {
			e.logger.Info("Unparseable model output", "cycle", cycle, "error", perr)
			step := Step{
				Cycle:       cycle,
				Thought:     parsed.Thought,
				ToolName:    ExceptionTool,
				ToolInput:   text,
				Observation: "Invalid or incomplete response. " + perr.Error(),
				Raw:         text,
			}
			res.Steps = append(res.Steps, step)
			e.emit(StateAwaitingModel, cycle, &res.Steps[len(res.Steps)-1])
			continue
		}

		if parsed.Final {
			res.FinalText = parsed.FinalAnswer
			res.Termination = TerminationNormal
			e.logger.Info("Turn finished", "cycles", cycle, "steps", len(res.Steps))
			e.emit(StateDone, cycle, nil)
			return res, nil
		}

		e.emit(StateInvokingTool, cycle, nil)
		step := Step{
			Cycle:     cycle,
			Thought:   parsed.Thought,
			ToolName:  parsed.Action,
			ToolInput: parsed.ActionInput,
		}
		if parsed.Action != e.toolName {
			step.Observation = fmt.Sprintf("%s is not a valid tool, try one of [%s].", parsed.Action, e.toolName)
			step.Failed = true
		} else {
			result := e.runner.Run(ctx, parsed.ActionInput)
			step.Observation = result.Observation()
			step.Failed = result.Failed()
		}
		res.Steps = append(res.Steps, step)
		e.emit(StateAwaitingModel, cycle, &res.Steps[len(res.Steps)-1])
	}

	res.Termination = TerminationIterationLimit
	res.Message = StopMessage
	e.logger.Info("Turn stopped at iteration limit", "cycles", e.maxIter)
	e.emit(StateLimitReached, e.maxIter, nil)
	return res, nil
}
