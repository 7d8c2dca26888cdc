package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Parse errors. Both are recoverable: the loop reports them back to the
// model as the observation of an ExceptionTool step.
var (
	ErrMissingActionInput = errors.New("missing 'Action Input:' after 'Action:'")
	ErrNoActionOrAnswer   = errors.New("no 'Action:' or 'Final Answer:' found")
)

// Parsed is a model completion split into its sections.
type Parsed struct {
	Thought     string
	Action      string
	ActionInput string
	FinalAnswer string
	// Final is set when FinalAnswer is the outcome rather than Action.
	Final bool
}

type label int

const (
	labelThought label = iota
	labelAction
	labelActionInput
	labelObservation
	labelFinalAnswer
)

// sectionLabel matches a label at the start of a line, optionally wrapped
// in markdown emphasis or preceded by list and quote markers:
//
//	Action: x
//	**Action:** x
//	**Action**: x
//	- Final Answer: x
var sectionLabel = regexp.MustCompile(`(?im)^[ \t]*(?:[-*>][ \t]*)*(?:\*\*|__)?[ \t]*(thought|action[ \t]*input|action|observation|final[ \t]*answer)[ \t]*(?:\*\*|__)?[ \t]*:[ \t]*(?:\*\*|__)?[ \t]*`)

type marker struct {
	label      label
	start, end int
}

func classify(name string) label {
	name = strings.ToLower(strings.Join(strings.Fields(name), " "))
	switch name {
	case "thought":
		return labelThought
	case "action":
		return labelAction
	case "action input":
		return labelActionInput
	case "observation":
		return labelObservation
	}
	return labelFinalAnswer
}

func findMarkers(text string) []marker {
	idx := sectionLabel.FindAllStringSubmatchIndex(text, -1)
	out := make([]marker, 0, len(idx))
	for _, m := range idx {
		out = append(out, marker{
			label: classify(text[m[2]:m[3]]),
			start: m[0],
			end:   m[1],
		})
	}
	return out
}

// Parse splits a completion. Grammar, labels case-insensitive:
//
//	[Thought:] <text>
//	Action: <tool>
//	Action Input: <payload>
//	[Observation: ...]        everything from here on is ignored
//
// or
//
//	[Thought:] <text>
//	Final Answer: <text>
//
// When both an action and a final answer appear, the earlier one wins. The
// action payload runs to the next Thought/Action/Final Answer label or the
// end of the text; its trailing fences and whitespace are kept.
func Parse(text string) (Parsed, error) {
	markers := findMarkers(text)

	// A hallucinated observation ends the completion.
	for i, m := range markers {
		if m.label == labelObservation {
			text = text[:m.start]
			markers = markers[:i]
			break
		}
	}

	var p Parsed
	first := -1
	for i, m := range markers {
		if m.label == labelAction || m.label == labelFinalAnswer {
			first = i
			break
		}
	}
	if first < 0 {
		return p, ErrNoActionOrAnswer
	}

	p.Thought = thoughtBefore(text, markers[:first], markers[first].start)

	section := func(i int) string {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		return text[markers[i].end:end]
	}

	if markers[first].label == labelFinalAnswer {
		p.Final = true
		p.FinalAnswer = strings.TrimSpace(section(first))
		if p.FinalAnswer == "" {
			return p, fmt.Errorf("%w: 'Final Answer:' is empty", ErrNoActionOrAnswer)
		}
		return p, nil
	}

	p.Action = toolName(section(first))
	if p.Action == "" {
		return p, fmt.Errorf("%w: 'Action:' names no tool", ErrNoActionOrAnswer)
	}

	next := first + 1
	if next >= len(markers) || markers[next].label != labelActionInput {
		return p, ErrMissingActionInput
	}
	end := len(text)
	for _, m := range markers[next+1:] {
		if m.label != labelActionInput {
			end = m.start
			break
		}
	}
	p.ActionInput = strings.TrimLeft(text[markers[next].end:end], " \t\r\n")
	return p, nil
}

// thoughtBefore returns the Thought section when labelled, otherwise the
// unlabelled text before the first marker.
func thoughtBefore(text string, markers []marker, limit int) string {
	for i, m := range markers {
		if m.label != labelThought {
			continue
		}
		end := limit
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		return strings.TrimSpace(text[m.end:end])
	}
	start := limit
	if len(markers) > 0 {
		start = markers[0].start
	}
	return strings.TrimSpace(text[:start])
}

// toolName reads the first non-empty line of an Action section and drops
// markdown decoration around it.
func toolName(section string) string {
	for _, line := range strings.Split(section, "\n") {
		name := strings.Trim(strings.TrimSpace(line), "`*_\"' ")
		if name != "" {
			return name
		}
	}
	return ""
}
