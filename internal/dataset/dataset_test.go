package dataset

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

func TestParseCSVInfersTypes(t *testing.T) {
	data := []byte("name,qty,price,active\nApple,3,1.5,true\nPear,,2,false\nFig,7,3.25,true\n")
	tbl, err := ParseCSV("fruit.csv", data)
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	if tbl.NumRows() != 3 || tbl.NumCols() != 4 {
		t.Fatalf("unexpected shape (%d, %d)", tbl.NumRows(), tbl.NumCols())
	}
	want := map[string]ColumnType{"name": TypeString, "qty": TypeFloat, "price": TypeFloat, "active": TypeBool}
	for name, typ := range want {
		if got := tbl.Column(name).Type; got != typ {
			t.Errorf("column %s: expected %s, got %s", name, typ, got)
		}
	}
	if tbl.Column("qty").Values[1] != nil {
		t.Errorf("expected missing qty to be nil, got %v", tbl.Column("qty").Values[1])
	}
}

func TestParseCSVSemicolonDecimalComma(t *testing.T) {
	data := []byte("produto;valor\nA;1.234,50\nB;10,00\n")
	tbl, err := ParseCSV("vendas.csv", data)
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	col := tbl.Column("valor")
	if col == nil || col.Type != TypeFloat {
		t.Fatalf("expected float valor column, got %+v", col)
	}
	if col.Values[0].(float64) != 1234.5 {
		t.Errorf("expected 1234.5, got %v", col.Values[0])
	}
}

func TestParseCSVWindows1252(t *testing.T) {
	encoded, err := charmap.Windows1252.NewEncoder().String("cidade,total\nSão Paulo,10\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tbl, err := ParseCSV("cidades.csv", []byte(encoded))
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	if got := tbl.Column("cidade").Values[0]; got != "São Paulo" {
		t.Fatalf("expected decoded city, got %q", got)
	}
}

func TestParseCSVStripsBOMAndDedupesHeader(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,a,\n1,2,3\n")...)
	tbl, err := ParseCSV("bom.csv", data)
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	got := strings.Join(tbl.Header(), "|")
	if got != "a|a.1|Unnamed: 2" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestLoadEmptyInput(t *testing.T) {
	_, err := Load("empty.csv", strings.NewReader("  \n"))
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestLoadXLSXAllSheets(t *testing.T) {
	f := excelize.NewFile()
	if err := f.SetSheetRow("Sheet1", "A1", &[]any{"mes", "receita"}); err != nil {
		t.Fatalf("SetSheetRow: %v", err)
	}
	if err := f.SetSheetRow("Sheet1", "A2", &[]any{"jan", 100}); err != nil {
		t.Fatalf("SetSheetRow: %v", err)
	}
	if _, err := f.NewSheet("Custos"); err != nil {
		t.Fatalf("NewSheet: %v", err)
	}
	if err := f.SetSheetRow("Custos", "A1", &[]any{"mes", "custo"}); err != nil {
		t.Fatalf("SetSheetRow: %v", err)
	}
	if err := f.SetSheetRow("Custos", "A2", &[]any{"jan", 40}); err != nil {
		t.Fatalf("SetSheetRow: %v", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	tables, err := Load("financas.xlsx", buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("expected 2 sheets, got %d", len(tables))
	}
	tbl, err := Pick(tables, "financas.xlsx#Custos")
	if err != nil {
		t.Fatalf("Pick failed: %v", err)
	}
	if tbl.Column("custo").Values[0].(int64) != 40 {
		t.Fatalf("unexpected custo %v", tbl.Column("custo").Values[0])
	}
	if _, err := Pick(tables, ""); err == nil {
		t.Fatal("expected ambiguity error when picking without a name")
	}
}

const sampleNFe = `<?xml version="1.0" encoding="UTF-8"?>
<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="4.00">
  <NFe>
    <infNFe Id="NFe35240100000000000191550010000001231000001234" versao="4.00">
      <ide><natOp>VENDA</natOp><serie>1</serie><nNF>123</nNF><dhEmi>2024-01-15T10:00:00-03:00</dhEmi></ide>
      <emit><CNPJ>00000000000191</CNPJ><xNome>Loja Exemplo</xNome></emit>
      <dest><CPF>01234567890</CPF><xNome>Cliente</xNome></dest>
      <det nItem="1"><prod><cProd>001</cProd><xProd>Caneta</xProd><NCM>96081000</NCM><CFOP>5102</CFOP><uCom>UN</uCom><qCom>2.0000</qCom><vUnCom>1.50</vUnCom><vProd>3.00</vProd></prod></det>
      <det nItem="2"><prod><cProd>002</cProd><xProd>Caderno</xProd><NCM>48202000</NCM><CFOP>5102</CFOP><uCom>UN</uCom><qCom>1.0000</qCom><vUnCom>12.00</vUnCom><vProd>12.00</vProd></prod></det>
      <total><ICMSTot><vNF>15.00</vNF></ICMSTot></total>
    </infNFe>
  </NFe>
</nfeProc>`

func TestParseNFe(t *testing.T) {
	tables, err := Load("nota.xml", strings.NewReader(sampleNFe))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tbl := tables[0]
	if tbl.NumRows() != 2 {
		t.Fatalf("expected one row per item, got %d", tbl.NumRows())
	}
	if got := tbl.Column("codigo_produto").Values[0]; got != "001" {
		t.Errorf("expected leading zeros to survive, got %v", got)
	}
	if got := tbl.Column("destinatario_documento").Values[0]; got != "01234567890" {
		t.Errorf("expected CPF fallback, got %v", got)
	}
	if got := tbl.Column("valor_item").Values[1].(float64); got != 12 {
		t.Errorf("expected 12.0, got %v", got)
	}
}

func TestLoadZipOfCSVs(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"a.csv":            "x\n1\n",
		"b.csv":            "y\n2\n",
		"__MACOSX/._a.csv": "junk",
		"readme.bin":       "\x00\x01\x02",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tables, err := Load("dados.zip", &buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	names := strings.Join(Names(tables), ",")
	if !strings.Contains(names, "a.csv") || !strings.Contains(names, "b.csv") || len(tables) != 2 {
		t.Fatalf("unexpected tables %q", names)
	}
}

func buildZip(t *testing.T, members [][2]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m[0])
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := w.Write([]byte(m[1])); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf
}

func TestLoadZipSkipsBrokenMembers(t *testing.T) {
	buf := buildZip(t, [][2]string{
		{"planilha.xlsx", "\x00\x01not a workbook"},
		{"a.csv", "x\n1\n"},
	})
	tables, err := Load("dados.zip", buf)
	if err != nil {
		t.Fatalf("a broken member must not abort the archive: %v", err)
	}
	if len(tables) != 1 || !strings.Contains(tables[0].Name, "a.csv") {
		t.Fatalf("unexpected tables %q", Names(tables))
	}

	_, err = Load("ruim.zip", buildZip(t, [][2]string{{"planilha.xlsx", "\x00\x01not a workbook"}}))
	if err == nil {
		t.Fatal("expected the parse error when no member loads")
	}
}

func TestLoadZipCapsTotalSize(t *testing.T) {
	old := maxArchiveSize
	maxArchiveSize = 10
	t.Cleanup(func() { maxArchiveSize = old })

	buf := buildZip(t, [][2]string{
		{"a.csv", "x\n1\n"},
		{"b.csv", "y\n2\n"},
		{"c.csv", "z\n3\n"},
	})
	_, err := Load("grande.zip", buf)
	if err == nil || !strings.Contains(err.Error(), "decompressed bytes") {
		t.Fatalf("expected the archive size cap, got %v", err)
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	tbl, err := ParseCSV("t.csv", []byte("a,b\n1,x\n,y\n"))
	if err != nil {
		t.Fatalf("ParseCSV failed: %v", err)
	}
	var buf bytes.Buffer
	if err := tbl.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if got := buf.String(); got != "a,b\n1.0,x\n,y\n" {
		t.Fatalf("unexpected csv %q", got)
	}
}
