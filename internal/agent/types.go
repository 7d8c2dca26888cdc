// Package agent implements the reasoning loop: it asks the model for a
// thought and an action, runs the action through the code tool, feeds the
// observation back and repeats until the model answers or the cycle
// budget runs out.
package agent

import (
	"fmt"
	"strings"
)

// DefaultMaxIterations is the cycle budget N.
const DefaultMaxIterations = 7

// ExceptionTool is the tool name recorded for cycles whose completion
// could not be parsed.
const ExceptionTool = "_Exception"

// StopMessage is the synthetic outcome text of a turn that hit the budget.
const StopMessage = "Agent stopped due to iteration limit or time limit."

// State is a reasoning loop state.
type State int

const (
	StateAwaitingModel State = iota
	StateParsingOutput
	StateInvokingTool
	StateDone
	StateLimitReached
)

var stateNames = [...]string{
	StateAwaitingModel: "AWAITING_MODEL",
	StateParsingOutput: "PARSING_OUTPUT",
	StateInvokingTool:  "INVOKING_TOOL",
	StateDone:          "DONE",
	StateLimitReached:  "LIMIT_REACHED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateLimitReached
}

// Termination is why a turn ended.
type Termination int

const (
	// TerminationNormal means the model produced a final answer.
	TerminationNormal Termination = iota
	// TerminationIterationLimit means all cycles ran without a final answer.
	TerminationIterationLimit
	// TerminationAborted means the model call failed or the context ended;
	// Run returns a non-nil error alongside it.
	TerminationAborted
)

func (t Termination) String() string {
	switch t {
	case TerminationNormal:
		return "NORMAL"
	case TerminationIterationLimit:
		return "ITERATION_LIMIT"
	case TerminationAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("Termination(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Termination) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Termination) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "NORMAL":
		*t = TerminationNormal
	case "ITERATION_LIMIT":
		*t = TerminationIterationLimit
	case "ABORTED":
		*t = TerminationAborted
	default:
		return fmt.Errorf("unknown termination %q", b)
	}
	return nil
}

// Step is one think/act/observe cycle.
type Step struct {
	Cycle       int    `json:"cycle"`
	Thought     string `json:"thought"`
	ToolName    string `json:"tool_name"`
	ToolInput   string `json:"tool_input"`
	Observation string `json:"observation"`
	// Failed is set when the tool reported an execution error.
	Failed bool `json:"failed,omitempty"`
	// Raw is the unparsed completion for cycles that failed to parse.
	Raw string `json:"raw,omitempty"`
}

// TurnResult is the outcome of one user question.
type TurnResult struct {
	// FinalText is empty unless Termination is TerminationNormal.
	FinalText   string      `json:"final_text"`
	Steps       []Step      `json:"steps"`
	Termination Termination `json:"termination"`
	// Message is StopMessage when the budget ran out.
	Message string `json:"message,omitempty"`
}

// LastStep returns the most recent step, or nil.
func (r *TurnResult) LastStep() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// Message is one entry of the chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is emitted on every state transition.
type Event struct {
	State State `json:"state"`
	Cycle int   `json:"cycle"`
	// Step is set when a cycle has just completed.
	Step *Step `json:"step,omitempty"`
}
