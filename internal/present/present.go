// Package present turns a turn result into something a UI can render:
// answer text split around chart markers, with every referenced chart
// checked independently.
package present

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/datachat/internal/agent"
)

// Chart marker delimiters: [CHART_PATH:charts/a.png]
const (
	MarkerOpen  = "[CHART_PATH:"
	MarkerClose = "]"
)

// LimitMessage is stored in the chat history for a turn that ran out of
// cycles.
const LimitMessage = "A análise não foi concluída dentro do limite de iterações."

// LimitWarning is shown above the partial result of such a turn.
const LimitWarning = "A análise se tornou muito complexa e atingiu o limite de iterações. Aqui está o último passo conhecido:"

// Segment kinds.
const (
	KindText  = "text"
	KindChart = "chart"
)

// Segment is a run of answer text or a chart reference.
type Segment struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Split scans text for chart markers. Text segments are trimmed and empty
// ones dropped; a marker without a closing bracket stays literal text.
func Split(text string) []Segment {
	var out []Segment
	addText := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Segment{Kind: KindText, Text: s})
		}
	}

	rest := text
	for {
		i := strings.Index(rest, MarkerOpen)
		if i < 0 {
			break
		}
		j := strings.Index(rest[i+len(MarkerOpen):], MarkerClose)
		if j < 0 {
			break
		}
		addText(rest[:i])
		path := strings.TrimSpace(rest[i+len(MarkerOpen) : i+len(MarkerOpen)+j])
		if path != "" {
			out = append(out, Segment{Kind: KindChart, Path: path})
		}
		rest = rest[i+len(MarkerOpen)+j+len(MarkerClose):]
	}
	addText(rest)
	return out
}

// ChartPaths returns the chart paths referenced in text, in order.
func ChartPaths(text string) []string {
	var paths []string
	for _, s := range Split(text) {
		if s.Kind == KindChart {
			paths = append(paths, s.Path)
		}
	}
	return paths
}

// Status values of a View.
const (
	StatusAnswer = "answer"
	StatusLimit  = "limit"
)

// ImageError reports a chart that could not be shown.
type ImageError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// View is the rendered form of a turn.
type View struct {
	Status          string       `json:"status"`
	Warning         string       `json:"warning,omitempty"`
	Segments        []Segment    `json:"segments"`
	LastThought     string       `json:"last_thought,omitempty"`
	LastObservation string       `json:"last_observation,omitempty"`
	ImageErrors     []ImageError `json:"image_errors,omitempty"`
}

// HistoryText is the assistant message stored for the turn.
func (v View) HistoryText(res *agent.TurnResult) string {
	if v.Status == StatusLimit {
		return LimitMessage
	}
	return res.FinalText
}

// Render builds the View for res. Chart paths are resolved inside
// chartRoot; each one that is missing, empty, not a PNG or outside the
// root yields an ImageError while the other segments stay intact.
func Render(res *agent.TurnResult, chartRoot string) View {
	if res.Termination != agent.TerminationNormal {
		v := View{Status: StatusLimit, Warning: LimitWarning, Segments: []Segment{}}
		if last := res.LastStep(); last != nil {
			v.LastThought = last.Thought
			v.LastObservation = last.Observation
		}
		return v
	}

	v := View{Status: StatusAnswer, Segments: Split(res.FinalText)}
	if v.Segments == nil {
		v.Segments = []Segment{}
	}
	for _, s := range v.Segments {
		if s.Kind != KindChart {
			continue
		}
		if err := CheckChart(chartRoot, s.Path); err != nil {
			v.ImageErrors = append(v.ImageErrors, ImageError{Path: s.Path, Error: err.Error()})
		}
	}
	return v
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ErrOutsideRoot is returned for chart paths escaping the chart root.
var ErrOutsideRoot = errors.New("chart path escapes the session directory")

// ResolveChart maps a marker path onto the filesystem under root.
func ResolveChart(root, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", ErrOutsideRoot
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return filepath.Join(root, clean), nil
}

// CheckChart verifies that path names a readable, non-empty PNG.
func CheckChart(root, path string) error {
	full, err := ResolveChart(root, path)
	if err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("chart %s was not found", path)
		}
		return fmt.Errorf("open chart %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, len(pngSignature))
	n, err := io.ReadFull(f, head)
	if n == 0 {
		return fmt.Errorf("chart %s is empty", path)
	}
	if err != nil || !bytes.Equal(head, pngSignature) {
		return fmt.Errorf("chart %s is not a PNG image", path)
	}
	return nil
}
