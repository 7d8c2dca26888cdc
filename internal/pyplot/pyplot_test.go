package pyplot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
	"github.com/ashureev/datachat/internal/frame"
	"github.com/ashureev/datachat/internal/plot"
)

func newCanvas(t *testing.T) *Canvas {
	t.Helper()
	return New(plot.NewFigure(), t.TempDir())
}

func exec(t *testing.T, c *Canvas, src string) error {
	t.Helper()
	table, err := dataset.FromRecords("vendas", []string{"mes", "regiao", "valor"}, [][]string{
		{"1", "norte", "10"},
		{"2", "sul", "20"},
		{"3", "norte", "15"},
		{"4", "sul", "5"},
	}, false)
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}
	thread := &starlark.Thread{Name: "test", Print: func(*starlark.Thread, string) {}}
	thread.SetLocal(frame.PlotterKey, c)
	opts := &syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true}
	predeclared := starlark.StringDict{
		"df":  frame.FromTable(table),
		"pd":  frame.Module(),
		"plt": c.Pyplot(),
		"sns": c.Seaborn(),
	}
	_, err = starlark.ExecFileOptions(opts, thread, "test.star", src, predeclared)
	return err
}

func TestSavefigWritesPNG(t *testing.T) {
	c := newCanvas(t)
	err := exec(t, c, `
plt.figure(figsize=(8, 4))
plt.bar(df["regiao"], df["valor"])
plt.title("Vendas")
plt.savefig("charts/vendas.png")
`)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	path := filepath.Join(c.workDir, "charts", "vendas.png")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected chart file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("chart file is empty")
	}
	saved := c.TakeSaved()
	if len(saved) != 1 || saved[0] != "charts/vendas.png" {
		t.Fatalf("unexpected saved paths: %v", saved)
	}
	if len(c.TakeSaved()) != 0 {
		t.Fatal("expected TakeSaved to forget returned paths")
	}
}

func TestSavefigAddsExtension(t *testing.T) {
	c := newCanvas(t)
	if err := exec(t, c, "df.plot(kind='line', x='mes', y='valor')\nplt.savefig('linha')"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.workDir, "linha.png")); err != nil {
		t.Fatalf("expected linha.png: %v", err)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	c := newCanvas(t)
	for _, name := range []string{"../fora.png", "/etc/chart.png", "charts/../../x.png"} {
		_, err := c.Resolve(name)
		e, ok := exc.As(err)
		if !ok || e.Kind != exc.PermissionError {
			t.Errorf("Resolve(%q): expected PermissionError, got %v", name, err)
		}
	}
	if _, err := c.Resolve("grafico.svg"); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestSeriesPlotDrawsIntoFigure(t *testing.T) {
	c := newCanvas(t)
	err := exec(t, c, `
ax = df.groupby("regiao")["valor"].sum().plot(kind="bar", title="Total por região", rot=45)
ax.set_ylabel("R$")
`)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if c.Figure().Len() != 1 {
		t.Fatalf("expected one series, got %d", c.Figure().Len())
	}
	if c.Figure().Title() != "Total por região" {
		t.Fatalf("unexpected title %q", c.Figure().Title())
	}
}

func TestUnsupportedPlotKind(t *testing.T) {
	c := newCanvas(t)
	err := exec(t, c, `df["valor"].plot(kind="hexbin")`)
	e, ok := exc.As(err)
	if !ok || e.Kind != exc.NotImplementedError {
		t.Fatalf("expected NotImplementedError, got %v", err)
	}
}

func TestSeabornBarplotAggregatesMean(t *testing.T) {
	labels, ys := groupMean([]string{"norte", "sul", "norte", "sul"}, []float64{10, 20, 15, 5}, false)
	if strings.Join(labels, ",") != "norte,sul" {
		t.Fatalf("unexpected order %v", labels)
	}
	if ys[0] != 12.5 || ys[1] != 12.5 {
		t.Fatalf("unexpected means %v", ys)
	}

	c := newCanvas(t)
	if err := exec(t, c, `sns.barplot(data=df, x="regiao", y="valor")`); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if c.Figure().Len() != 1 {
		t.Fatalf("expected one series, got %d", c.Figure().Len())
	}
}

func TestSeabornUnknownColumn(t *testing.T) {
	c := newCanvas(t)
	err := exec(t, c, `sns.histplot(data=df, x="preco")`)
	if err == nil || !strings.Contains(err.Error(), "preco") {
		t.Fatalf("expected error naming the column, got %v", err)
	}
}

func TestFigureClearsOnNewFigure(t *testing.T) {
	c := newCanvas(t)
	if err := exec(t, c, "plt.plot([1, 2, 3])\nplt.figure()\nplt.hist(df['valor'], bins=3)"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if c.Figure().Len() != 1 {
		t.Fatalf("expected figure() to discard earlier series, got %d", c.Figure().Len())
	}
}
