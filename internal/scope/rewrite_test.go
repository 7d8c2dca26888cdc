package scope

import (
	"strings"
	"testing"

	"go.starlark.net/starlark"
)

func TestRewrite(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "x = df['a'].sum()", "x = df['a'].sum()"},
		{"bound import", "import pandas as pd\nprint(1)", "pass\nprint(1)"},
		{"aliased import", "import seaborn as seaborn_lib", "seaborn_lib = sns"},
		{"from import", "from matplotlib import pyplot as plt", "pass"},
		{"from math", "from math import sqrt, pi", "sqrt = math.sqrt; pi = math.pi"},
		{"missing module", "import numpy as np", `np = _missing("numpy")`},
		{"dotted import", "import os.path", `os = _missing("os")`},
		{"indented import", "if True:\n    import json\n", "if True:\n    pass\n"},
		{"multi-line import", "from math import (\n    sqrt,\n    pi,\n)\nx = 1", "sqrt = math.sqrt; pi = math.pi\n\n\n\nx = 1"},
		{"fstring", `print(f"total {x:.2f} em {nome!r}")`, `print(_format("total {:.2f} em {!r}", (x), (nome)))`},
		{"fstring braces", `f"{{literal}} {a['k']}"`, `_format("{{literal}} {}", (a['k']))`},
		{"fstring debug", `f"{x=}"`, `_format("x={!r}", (x))`},
		{"format call", `"{:,}".format(n)`, `_format("{:,}", n)`},
		{"is not", "if a is not None: pass", "if a != None: pass"},
		{"is", "if a is None: pass", "if a == None: pass"},
		{"is inside string", `print("this is it")`, `print("this is it")`},
		{"comment", "# import os\nx = 1", "# import os\nx = 1"},
		{"raise", `raise ValueError("bad")`, `_raise("ValueError", "bad")`},
		{"unicode prefix", `u"abc"`, `"abc"`},
		{"identifier with keyword prefix", "from_date = 1\nisland = 2", "from_date = 1\nisland = 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewrite(tt.in); got != tt.want {
				t.Errorf("rewrite(%q)\n got: %q\nwant: %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRewritePower(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"x = 2**3", "x = pow(2, 3)"},
		{"y = a ** b ** c", "y = pow(a, pow(b, c))"},
		{"z = -x ** 2", "z = -pow(x, 2)"},
		{`v = df["valor"] ** 0.5`, `v = pow(df["valor"], 0.5)`},
		{"w = (a + b) ** -1", "w = pow((a + b), -1)"},
		{"e = x ** 1e-3 + 1", "e = pow(x, 1e-3) + 1"},
		{"f(*args, **kwargs)", "f(*args, **kwargs)"},
		{"d = {**base}", "d = {**base}"},
		{`print("2 ** 3")`, `print("2 ** 3")`},
		{"s = m.total() ** 2 # x ** 2", "s = pow(m.total(), 2) # x ** 2"},
	}
	for _, tt := range tests {
		if got := rewritePower(tt.in); got != tt.want {
			t.Errorf("rewritePower(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRewritePreservesLineCount(t *testing.T) {
	src := "from math import (\n  sqrt,\n)\ns = f\"\"\"a\n{x}\nb\"\"\"\nprint(s)"
	if got := strings.Count(rewrite(src), "\n"); got != strings.Count(src, "\n") {
		t.Fatalf("line count changed: %d != %d", got, strings.Count(src, "\n"))
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		v    starlark.Value
		spec string
		want string
	}{
		{starlark.Float(1234567.891), ",.2f", "1,234,567.89"},
		{starlark.Float(0.256), ".1%", "25.6%"},
		{starlark.MakeInt(42), "05d", "00042"},
		{starlark.MakeInt(-42), "+", "-42"},
		{starlark.MakeInt(7), ">4", "   7"},
		{starlark.String("ab"), "^6", "  ab  "},
		{starlark.String("ab"), "*<4", "ab**"},
		{starlark.Float(12345.678), ".3e", "1.235e+04"},
		{starlark.Float(3), "", "3.0"},
		{starlark.MakeInt(1000000), ",", "1,000,000"},
		{starlark.Float(-1.5), "08.2f", "-0001.50"},
	}
	for _, tt := range tests {
		got, err := formatValue(tt.v, tt.spec)
		if err != nil {
			t.Errorf("formatValue(%v, %q) failed: %v", tt.v, tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("formatValue(%v, %q) = %q, want %q", tt.v, tt.spec, got, tt.want)
		}
	}
	if _, err := formatValue(starlark.String("x"), "d"); err == nil {
		t.Error("expected error formatting a string with 'd'")
	}
}

func TestPyFormat(t *testing.T) {
	got, err := pyFormat("{} tem {n} itens ({0!r})", starlark.Tuple{starlark.String("loja")}, []starlark.Tuple{{starlark.String("n"), starlark.MakeInt(3)}})
	if err != nil {
		t.Fatalf("pyFormat failed: %v", err)
	}
	if got != `loja tem 3 itens ("loja")` {
		t.Fatalf("unexpected result %q", got)
	}
	if _, err := pyFormat("{} {}", starlark.Tuple{starlark.MakeInt(1)}, nil); err == nil {
		t.Fatal("expected error for missing positional argument")
	}
}
