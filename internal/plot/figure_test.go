package plot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func renderBytes(t *testing.T, f *Figure) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := f.Render(&buf); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), pngSignature) {
		t.Fatal("expected PNG output")
	}
	return buf.Bytes()
}

func TestRenderKinds(t *testing.T) {
	cases := map[string]Series{
		"line":    {Kind: Line, X: []float64{1, 2, 3}, Y: []float64{2, 4, 1}},
		"scatter": {Kind: Scatter, X: []float64{1, 2, 3}, Y: []float64{2, 4, 1}},
		"bar":     {Kind: Bar, Labels: []string{"a", "b"}, Y: []float64{3, 5}},
		"barh":    {Kind: BarH, Labels: []string{"a", "b"}, Y: []float64{3, 5}},
		"hist":    {Kind: Hist, Y: []float64{1, 1, 2, 3, 5, 8}, Bins: 4},
		"pie":     {Kind: Pie, Labels: []string{"x", "y"}, Y: []float64{1, 3}},
		"cat":     {Kind: Line, Labels: []string{"jan", "fev", "mar"}, Y: []float64{1, 2, 3}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			f := NewFigure()
			f.SetTitle(name)
			if err := f.Add(s); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			renderBytes(t, f)
		})
	}
}

func TestRenderSinglePoint(t *testing.T) {
	f := NewFigure()
	if err := f.Add(Series{Kind: Line, X: []float64{1}, Y: []float64{1}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	renderBytes(t, f)
}

func TestEmptyFigureRendersBlank(t *testing.T) {
	renderBytes(t, NewFigure())
}

func TestAddRejectsMismatchedLengths(t *testing.T) {
	f := NewFigure()
	if err := f.Add(Series{Kind: Line, X: []float64{1, 2}, Y: []float64{1}}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if err := f.Add(Series{Kind: Bar, Labels: []string{"a"}, Y: []float64{1, 2}}); err == nil {
		t.Fatal("expected label mismatch error")
	}
}

func TestClearResetsState(t *testing.T) {
	f := NewFigure()
	f.SetTitle("old")
	if err := f.Add(Series{Kind: Bar, Labels: []string{"a"}, Y: []float64{1}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	f.Clear()
	if f.Len() != 0 || f.Title() != "" {
		t.Fatalf("expected empty figure after Clear, got %d series, title %q", f.Len(), f.Title())
	}
}

func TestSaveCreatesDirectories(t *testing.T) {
	f := NewFigure()
	if err := f.Add(Series{Kind: Bar, Labels: []string{"a", "b"}, Y: []float64{1, 2}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "nested", "chart.png")
	if err := f.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.HasPrefix(data, pngSignature) {
		t.Fatal("saved file is not a PNG")
	}
}

func TestHistogramBuckets(t *testing.T) {
	labels, counts := histogram([]float64{0, 1, 2, 3, 4}, 2)
	if len(labels) != 2 {
		t.Fatalf("expected 2 bins, got %d", len(labels))
	}
	if counts[0]+counts[1] != 5 {
		t.Fatalf("expected all values counted, got %v", counts)
	}
}
