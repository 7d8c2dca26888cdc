// Package plot holds the figure state shared by the plt and sns handles of
// an execution scope and renders it to PNG.
package plot

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Kind is the mark type of a series.
type Kind int

const (
	Line Kind = iota
	Scatter
	Bar
	BarH
	Hist
	Pie
)

func (k Kind) String() string {
	switch k {
	case Scatter:
		return "scatter"
	case Bar:
		return "bar"
	case BarH:
		return "barh"
	case Hist:
		return "hist"
	case Pie:
		return "pie"
	default:
		return "line"
	}
}

// Series is one plotted call. Categorical data uses Labels with Y; numeric
// data uses X with Y. Hist only uses Y.
type Series struct {
	Kind   Kind
	Name   string
	Labels []string
	X      []float64
	Y      []float64
	Bins   int
}

// Default canvas size in pixels (matplotlib's 6.4x4.8in at 100dpi).
const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

// Figure is the current-figure buffer. It is safe for concurrent use, though
// a scope only touches it from its own execution thread.
type Figure struct {
	mu sync.Mutex
	st state
}

type state struct {
	title   string
	xlabel  string
	ylabel  string
	legend  bool
	grid    bool
	width   int
	height  int
	series  []Series
	xticks  []string
	rotated bool
}

// NewFigure returns an empty figure with the default size.
func NewFigure() *Figure {
	return &Figure{st: state{width: DefaultWidth, height: DefaultHeight}}
}

// Clear resets the figure to its empty state.
func (f *Figure) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = state{width: DefaultWidth, height: DefaultHeight}
}

// SetSize sets the canvas size in pixels. Non-positive values keep the default.
func (f *Figure) SetSize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if width > 0 {
		f.st.width = width
	}
	if height > 0 {
		f.st.height = height
	}
}

// Add appends a series.
func (f *Figure) Add(s Series) error {
	if err := s.validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.series = append(f.st.series, s)
	return nil
}

func (f *Figure) SetTitle(s string)  { f.set(func() { f.st.title = s }) }
func (f *Figure) SetXLabel(s string) { f.set(func() { f.st.xlabel = s }) }
func (f *Figure) SetYLabel(s string) { f.set(func() { f.st.ylabel = s }) }
func (f *Figure) ShowLegend()        { f.set(func() { f.st.legend = true }) }
func (f *Figure) ShowGrid(on bool)   { f.set(func() { f.st.grid = on }) }

// SetXTicks overrides category labels on the x axis.
func (f *Figure) SetXTicks(labels []string, rotated bool) {
	f.set(func() {
		f.st.xticks = labels
		f.st.rotated = rotated
	})
}

func (f *Figure) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

// Len returns the number of series drawn so far.
func (f *Figure) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.st.series)
}

// Title returns the current title.
func (f *Figure) Title() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st.title
}

// Save renders the figure to path as PNG, creating parent directories.
func (f *Figure) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create chart directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart file: %w", err)
	}
	if err := f.Render(out); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close chart file: %w", err)
	}
	return nil
}

func (s Series) validate() error {
	switch s.Kind {
	case Hist:
		if len(s.Y) == 0 {
			return fmt.Errorf("hist requires at least one value")
		}
		return nil
	case Bar, BarH, Pie:
		if len(s.Labels) != len(s.Y) {
			return fmt.Errorf("%s: %d labels for %d values", s.Kind, len(s.Labels), len(s.Y))
		}
	default:
		n := len(s.X)
		if len(s.Labels) > 0 {
			n = len(s.Labels)
		}
		if n != len(s.Y) {
			return fmt.Errorf("x and y must have same first dimension, but have shapes (%d,) and (%d,)", n, len(s.Y))
		}
	}
	if len(s.Y) == 0 {
		return fmt.Errorf("%s requires at least one value", s.Kind)
	}
	return nil
}
