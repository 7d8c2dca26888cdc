// Package tool exposes the execution scope to the reasoning loop as its one
// tool. The tool never fails: execution errors come back as observations so
// the model can correct its own code on the next cycle.
package tool

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/ashureev/datachat/internal/scope"
)

// Name is the identifier the model must use in "Action:".
const Name = "code_execution_tool"

// Description is shown to the model through the eino tool info.
const Description = "Executes Python code against the loaded dataset and returns everything the code printed. " +
	"The dataset is already available as the DataFrame `" + scope.DatasetName + "`; pandas is `pd`, " +
	"matplotlib.pyplot is `plt` and seaborn is `sns`. Variables persist between calls. " +
	"Only text written with print() is returned."

// Observation templates.
const (
	successFormat = "Execution successful. Output:\n```\n%s\n```"
	noOutput      = "Code executed successfully, but produced no output. Use the `print()` function to surface results."
	failureFormat = "Error executing code. Details:\n```\n%s\n```"
)

// fence openers, longest first.
var fenceOpeners = []string{"```python", "```py", "```"}

// StripFences removes a leading markdown fence (with or without a language
// tag) and a trailing bare fence, then trims surrounding whitespace. It is
// a textual trim, not a markdown parser.
func StripFences(code string) string {
	s := strings.TrimSpace(code)
	for _, opener := range fenceOpeners {
		if strings.HasPrefix(s, opener) {
			s = strings.TrimPrefix(s, opener)
			break
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Result is the outcome of one execution. Trace is nil on success.
type Result struct {
	Output string
	Trace  *scope.Trace
}

// Failed reports whether the snippet raised.
func (r Result) Failed() bool {
	return r.Trace != nil
}

// Observation renders the result as the text fed back to the model. A
// failure includes the full traceback; output printed before the failure
// is not repeated. Any captured output, even a lone newline, is returned
// verbatim.
func (r Result) Observation() string {
	if r.Trace != nil {
		return strings.Replace(failureFormat, "%s", r.Trace.Format(), 1)
	}
	if r.Output == "" {
		return noOutput
	}
	return strings.Replace(successFormat, "%s", r.Output, 1)
}

// CodeTool runs snippets against one session's scope.
type CodeTool struct {
	backend scope.Backend
}

// New creates a CodeTool bound to backend.
func New(backend scope.Backend) *CodeTool {
	return &CodeTool{backend: backend}
}

// Run strips fences from input and executes it.
func (t *CodeTool) Run(ctx context.Context, input string) Result {
	code := StripFences(input)
	start := time.Now()
	out, trace := t.backend.Exec(ctx, code)

	if trace != nil {
		slog.Debug("Code execution failed",
			"kind", trace.Kind,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		slog.Debug("Code execution finished",
			"output_bytes", len(out),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return Result{Output: out, Trace: trace}
}

var _ tool.BaseTool = (*CodeTool)(nil)

// Info implements tool.BaseTool. The reasoning loop reads the tool name and
// description it advertises to the model from here.
func (t *CodeTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: Name,
		Desc: Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"code": {
				Type:     schema.String,
				Desc:     "The Python code to execute. Use print() for every value you need to see.",
				Required: true,
			},
		}),
	}, nil
}
