package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ashureev/datachat/internal/agent"
	"github.com/ashureev/datachat/internal/api"
	"github.com/ashureev/datachat/internal/present"
)

func writeStep(w io.Writer, s agent.Step) {
	fmt.Fprintf(w, "--- step %d ---\n", s.Cycle)
	if s.ToolName == agent.ExceptionTool {
		fmt.Fprintf(w, "unparseable reply:\n%s\n", indent(s.Raw))
		return
	}
	if s.Thought != "" {
		fmt.Fprintf(w, "Thought: %s\n", s.Thought)
	}
	fmt.Fprintf(w, "Action: %s\nAction Input:\n%s\n", s.ToolName, indent(s.ToolInput))
	fmt.Fprintf(w, "Observation:\n%s\n", indent(s.Observation))
}

// writeResponse prints the rendered answer. Chart paths are joined onto
// chartRoot when it is set.
func writeResponse(w io.Writer, resp api.TurnResponse, chartRoot string) {
	v := resp.View
	if v.Status == present.StatusLimit {
		fmt.Fprintln(w, v.Warning)
		if v.LastThought != "" {
			fmt.Fprintf(w, "Thought: %s\n", v.LastThought)
		}
		if v.LastObservation != "" {
			fmt.Fprintln(w, v.LastObservation)
		}
		return
	}
	for _, seg := range v.Segments {
		switch seg.Kind {
		case present.KindChart:
			path := seg.Path
			if chartRoot != "" {
				path = filepath.Join(chartRoot, filepath.FromSlash(seg.Path))
			}
			fmt.Fprintf(w, "[chart] %s\n", path)
		default:
			fmt.Fprintln(w, seg.Text)
		}
	}
	for _, e := range v.ImageErrors {
		fmt.Fprintf(w, "[chart error] %s: %s\n", e.Path, e.Error)
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
