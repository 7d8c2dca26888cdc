package frame

import (
	"strings"
	"testing"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ashureev/datachat/internal/dataset"
	"github.com/ashureev/datachat/internal/exc"
)

func salesFrame(t *testing.T) *DataFrame {
	t.Helper()
	table, err := dataset.FromRecords("vendas", []string{"produto", "qtd", "valor"}, [][]string{
		{"a", "1", "10"},
		{"b", "2", "20.5"},
		{"a", "3", "5"},
		{"c", "", "7.25"},
	}, false)
	if err != nil {
		t.Fatalf("FromRecords failed: %v", err)
	}
	return FromTable(table)
}

func run(t *testing.T, df *DataFrame, src string) (string, error) {
	t.Helper()
	var out strings.Builder
	thread := &starlark.Thread{
		Name:  "test",
		Print: func(_ *starlark.Thread, msg string) { out.WriteString(msg + "\n") },
	}
	opts := &syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true}
	predeclared := starlark.StringDict{"df": df, "pd": Module()}
	_, err := starlark.ExecFileOptions(opts, thread, "test.star", src, predeclared)
	return out.String(), err
}

func mustRun(t *testing.T, df *DataFrame, src string) string {
	t.Helper()
	out, err := run(t, df, src)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	return out
}

func TestFrameShapeAndColumns(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
print(df.shape)
print(df.columns.tolist())
print(len(df))
`)
	want := "(4, 3)\n[\"produto\", \"qtd\", \"valor\"]\n4\n"
	if out != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out, want)
	}
}

func TestGroupBySumFormatsLikePandas(t *testing.T) {
	out := mustRun(t, salesFrame(t), `print(df.groupby("produto")["valor"].sum())`)
	want := "produto\na    15.00\nb    20.50\nc     7.25\nName: valor, dtype: float64\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestValueCounts(t *testing.T) {
	out := mustRun(t, salesFrame(t), `print(df["produto"].value_counts())`)
	want := "produto\na    2\nb    1\nc    1\nName: count, dtype: int64\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestMaskFiltering(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
r = df[df["valor"].gt(6)]
print(len(r))
print(r["valor"].sum())
print(df[df["produto"].isin(["a", "c"]) & df["valor"].lt(8)]["valor"].tolist())
`)
	want := "3\n37.75\n[5.0, 7.25]\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestPlainBoolIndexExplainsMaskMethods(t *testing.T) {
	_, err := run(t, salesFrame(t), `df[df["produto"] == "a"]`)
	if err == nil {
		t.Fatal("expected error")
	}
	e, ok := exc.As(err)
	if !ok || e.Kind != exc.TypeError {
		t.Fatalf("expected TypeError, got %v", err)
	}
	if !strings.Contains(e.Msg, ".eq(x)") {
		t.Fatalf("expected hint about mask methods, got %q", e.Msg)
	}
}

func TestMissingColumnIsKeyError(t *testing.T) {
	_, err := run(t, salesFrame(t), `df["preco"]`)
	e, ok := exc.As(err)
	if !ok || e.Kind != exc.KeyError || e.Msg != "'preco'" {
		t.Fatalf("expected KeyError 'preco', got %v", err)
	}
}

func TestLocAssignment(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
df.loc[df["produto"].eq("a"), "valor"] = 0
print(df["valor"].tolist())
`)
	if out != "[0.0, 20.5, 0.0, 7.25]\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestDescribeAndInfo(t *testing.T) {
	df := salesFrame(t)
	out := mustRun(t, df, `
print(df["valor"].describe()["mean"])
df.info()
print(df.isnull().sum()["qtd"])
`)
	for _, want := range []string{"10.6875\n", "RangeIndex: 4 entries, 0 to 3", "dtypes: float64(2), object(1)", "\n1\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConstructAndExport(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
d = pd.DataFrame({"x": [1, 2, 3], "y": ["a", "b", "c"]})
d["z"] = d["x"] * 2
print(d.to_dict(orient="records")[2])
print(pd.to_numeric(pd.Series(["1,5", "x"]), errors="coerce").tolist())
`)
	want := "{\"x\": 3, \"y\": \"c\", \"z\": 6}\n[1.5, nan]\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestSortingAndRanking(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
print(df.nlargest(2, "valor")["produto"].tolist())
print(df.sort_values(by=["produto", "valor"], ascending=[True, False])["valor"].tolist())
df.sort_values("valor", inplace=True)
print(df.index.tolist())
`)
	want := "[\"b\", \"a\"]\n[10.0, 5.0, 20.5, 7.25]\n[2, 3, 0, 1]\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestNamedAggregation(t *testing.T) {
	out := mustRun(t, salesFrame(t), `
r = df.groupby("produto", as_index=False).agg(total=("valor", "sum"), n=("valor", "count"))
print(r.columns.tolist())
print(r["total"].tolist())
`)
	want := "[\"produto\", \"total\", \"n\"]\n[15.0, 20.5, 7.25]\n"
	if out != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", out, want)
	}
}

func TestLongFrameIsTruncated(t *testing.T) {
	out := mustRun(t, salesFrame(t), `print(pd.DataFrame({"v": list(range(100))}))`)
	if !strings.Contains(out, "...") || !strings.Contains(out, "[100 rows x 1 columns]") {
		t.Fatalf("expected truncated repr, got:\n%s", out)
	}
	if strings.Contains(out, "\n50 ") {
		t.Fatalf("middle rows must be elided:\n%s", out)
	}
}

func TestFrozenFrameRejectsWrites(t *testing.T) {
	df := salesFrame(t)
	df.Freeze()
	if err := df.SetKey(starlark.String("x"), starlark.MakeInt(1)); err == nil {
		t.Fatal("expected error writing to a frozen frame")
	}
}
