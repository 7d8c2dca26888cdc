package present

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/datachat/internal/agent"
)

func TestSplit(t *testing.T) {
	got := Split("Result: [CHART_PATH:charts/a.png] done")
	want := []Segment{
		{Kind: KindText, Text: "Result:"},
		{Kind: KindChart, Path: "charts/a.png"},
		{Kind: KindText, Text: "done"},
	}
	if len(got) != len(want) {
		t.Fatalf("Split = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSplitEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Segment
	}{
		{"plain", "  só texto  ", []Segment{{Kind: KindText, Text: "só texto"}}},
		{"empty", "", nil},
		{"only marker", "[CHART_PATH:charts/x.png]", []Segment{{Kind: KindChart, Path: "charts/x.png"}}},
		{"two markers", "[CHART_PATH:a.png][CHART_PATH:b.png]", []Segment{{Kind: KindChart, Path: "a.png"}, {Kind: KindChart, Path: "b.png"}}},
		{"unclosed", "see [CHART_PATH:charts/x.png", []Segment{{Kind: KindText, Text: "see [CHART_PATH:charts/x.png"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("Split(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func writePNG(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	data := append(append([]byte{}, pngSignature...), 0, 0, 0, 13)
	if err := os.WriteFile(full, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRenderChecksEachChart(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "charts/ok.png")
	if err := os.WriteFile(filepath.Join(root, "charts", "bad.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	res := &agent.TurnResult{
		Termination: agent.TerminationNormal,
		FinalText:   "A [CHART_PATH:charts/ok.png] B [CHART_PATH:charts/missing.png] C [CHART_PATH:charts/bad.png] D [CHART_PATH:../etc/passwd]",
	}
	v := Render(res, root)
	if v.Status != StatusAnswer {
		t.Fatalf("expected answer status, got %q", v.Status)
	}
	if len(v.Segments) != 8 {
		t.Fatalf("expected all segments to survive, got %d", len(v.Segments))
	}
	if len(v.ImageErrors) != 3 {
		t.Fatalf("expected 3 image errors, got %+v", v.ImageErrors)
	}
	paths := []string{"charts/missing.png", "charts/bad.png", "../etc/passwd"}
	for i, p := range paths {
		if v.ImageErrors[i].Path != p {
			t.Errorf("image error %d is for %q, want %q", i, v.ImageErrors[i].Path, p)
		}
	}
	if !strings.Contains(v.ImageErrors[0].Error, "not found") {
		t.Errorf("unexpected error text %q", v.ImageErrors[0].Error)
	}
	if v.HistoryText(res) != res.FinalText {
		t.Error("answer history should be the final text")
	}
}

func TestRenderLimit(t *testing.T) {
	res := &agent.TurnResult{
		Termination: agent.TerminationIterationLimit,
		Message:     agent.StopMessage,
		Steps: []agent.Step{
			{Cycle: 1, Thought: "first", Observation: "o1"},
			{Cycle: 2, Thought: "second", Observation: "o2"},
		},
	}
	v := Render(res, t.TempDir())
	if v.Status != StatusLimit || v.Warning == "" {
		t.Fatalf("expected limit view with warning, got %+v", v)
	}
	if v.LastThought != "second" || v.LastObservation != "o2" {
		t.Errorf("expected last step, got %q / %q", v.LastThought, v.LastObservation)
	}
	if v.HistoryText(res) != LimitMessage {
		t.Errorf("unexpected history text %q", v.HistoryText(res))
	}
}
