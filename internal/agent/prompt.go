package agent

import (
	"fmt"
	"strings"
	"text/template"
)

// ObservationStop is the stop sequence sent with every completion so the
// model does not invent its own observations.
const ObservationStop = "\nObservation:"

// PromptConfig fills the fixed instruction template.
type PromptConfig struct {
	ToolName        string
	ToolDescription string
	MaxIterations   int
	AnswerLanguage  string
	// Dialect describes deviations of the execution language from Python.
	Dialect string
	// Dataset is a short description of df (shape, columns and types).
	Dataset string
}

var instructions = template.Must(template.New("instructions").Parse(`You are a senior data scientist. Your only job is to analyze the pandas DataFrame named ` + "`df`" + ` according to the user's request. Write your final answer in {{.AnswerLanguage}}.

GUIDELINES:

1. Tool use is mandatory: for any question about the content, structure or statistics of the data you MUST use the ` + "`{{.ToolName}}`" + ` tool. Never guess facts about the data.
2. Code output: every snippet MUST use print() to show its results; only printed text comes back as the Observation.
3. Chat history: use the chat history to keep context and build on earlier analysis. Variables you defined earlier still exist.
4. Budget: you have at most {{.MaxIterations}} Thought/Action/Observation cycles. As soon as the answer is clear, give the Final Answer.

CHARTS:

* Use matplotlib.pyplot (plt) and/or seaborn (sns).
* ALWAYS save the chart with plt.savefig('charts/<unique_name>.png'). NEVER call plt.show().
* To show the chart in the answer, include the tag [CHART_PATH:charts/<unique_name>.png] in your Final Answer.
{{if .Dataset}}
DATASET:

{{.Dataset}}
{{end}}{{if .Dialect}}
EXECUTION ENVIRONMENT:

{{.Dialect}}
{{end}}
TOOLS:

{{.ToolName}}: {{.ToolDescription}}

Use this exact format, keeping the keywords in English:

Question: the user's question
Thought: your reasoning
Action: the tool to use, must be one of [{{.ToolName}}]
Action Input: plain Python code for the tool. Do NOT wrap it in markdown fences.
Observation: the tool result
... (this Thought/Action/Action Input/Observation cycle repeats at most {{.MaxIterations}} times)
Thought: I have enough information to answer.
Final Answer: the definitive answer to the original question, including chart tags when a chart was saved.

Begin!
`))

// Prompt assembles the per-cycle prompt.
type Prompt struct {
	header string
}

// NewPrompt renders the fixed part of the prompt once.
func NewPrompt(cfg PromptConfig) (*Prompt, error) {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.AnswerLanguage == "" {
		cfg.AnswerLanguage = "the language of the question"
	}
	var b strings.Builder
	if err := instructions.Execute(&b, cfg); err != nil {
		return nil, fmt.Errorf("render prompt template: %w", err)
	}
	return &Prompt{header: b.String()}, nil
}

// Render builds the prompt for the next cycle. It ends with "Thought: " so
// the completion starts with the model's reasoning.
func (p *Prompt) Render(history []Message, question string, steps []Step) string {
	var b strings.Builder
	b.WriteString(p.header)

	b.WriteString("\nChat History:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", strings.TrimSpace(question))
	b.WriteString("Thought: ")
	writeScratchpad(&b, steps)
	return b.String()
}

func writeScratchpad(b *strings.Builder, steps []Step) {
	for _, s := range steps {
		if s.ToolName == ExceptionTool {
			b.WriteString(strings.TrimSpace(s.Raw))
		} else {
			b.WriteString(s.Thought)
			fmt.Fprintf(b, "\nAction: %s\nAction Input: %s", s.ToolName, strings.TrimRight(s.ToolInput, " \t\r\n"))
		}
		fmt.Fprintf(b, "\nObservation: %s\nThought: ", s.Observation)
	}
}
