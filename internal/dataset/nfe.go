package dataset

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NF-e (Brazilian electronic invoice) layout, only the fields we tabulate.
type nfeInfo struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		Number   string `xml:"nNF"`
		Series   string `xml:"serie"`
		IssuedAt string `xml:"dhEmi"`
		IssuedOn string `xml:"dEmi"`
		Nature   string `xml:"natOp"`
	} `xml:"ide"`
	Emit nfeParty `xml:"emit"`
	Dest nfeParty `xml:"dest"`
	Det  []struct {
		Item string `xml:"nItem,attr"`
		Prod struct {
			Code        string `xml:"cProd"`
			Description string `xml:"xProd"`
			NCM         string `xml:"NCM"`
			CFOP        string `xml:"CFOP"`
			Unit        string `xml:"uCom"`
			Quantity    string `xml:"qCom"`
			UnitValue   string `xml:"vUnCom"`
			Total       string `xml:"vProd"`
		} `xml:"prod"`
	} `xml:"det"`
	Total struct {
		Invoice string `xml:"ICMSTot>vNF"`
	} `xml:"total"`
}

type nfeParty struct {
	CNPJ string `xml:"CNPJ"`
	CPF  string `xml:"CPF"`
	Name string `xml:"xNome"`
}

func (p nfeParty) document() string {
	if p.CNPJ != "" {
		return p.CNPJ
	}
	return p.CPF
}

var nfeHeader = []string{
	"chave_acesso", "numero", "serie", "data_emissao", "natureza_operacao",
	"emitente_cnpj", "emitente_nome", "destinatario_documento", "destinatario_nome",
	"item", "codigo_produto", "descricao", "ncm", "cfop", "unidade",
	"quantidade", "valor_unitario", "valor_item", "valor_nota",
}

// ParseNFe tabulates every invoice found in an XML document, one row per item.
// Documents may hold a single NFe, an nfeProc envelope, or a batch.
func ParseNFe(name string, data []byte) (*Table, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if strings.EqualFold(charset, "iso-8859-1") || strings.EqualFold(charset, "windows-1252") {
			raw, err := io.ReadAll(input)
			if err != nil {
				return nil, err
			}
			decoded, err := toUTF8(raw)
			if err != nil {
				return nil, err
			}
			return bytes.NewReader(decoded), nil
		}
		return input, nil
	}

	var records [][]string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml %s: %w", name, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "infNFe" {
			continue
		}
		var inf nfeInfo
		if err := dec.DecodeElement(&inf, &start); err != nil {
			return nil, fmt.Errorf("decode invoice in %s: %w", name, err)
		}
		records = append(records, inf.rows()...)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no NF-e invoice items", ErrUnsupportedFormat, name)
	}
	t, err := FromRecords(name, nfeHeader, records, false)
	if err != nil {
		return nil, err
	}
	// Keys and codes look numeric but must keep leading zeros.
	for _, col := range []string{"chave_acesso", "numero", "serie", "emitente_cnpj", "destinatario_documento", "codigo_produto", "ncm", "cfop"} {
		restoreText(t.Column(col), records, indexOf(nfeHeader, col))
	}
	return t, nil
}

func (inf nfeInfo) rows() [][]string {
	key := strings.TrimPrefix(inf.ID, "NFe")
	issued := inf.Ide.IssuedAt
	if issued == "" {
		issued = inf.Ide.IssuedOn
	}
	out := make([][]string, 0, len(inf.Det))
	for _, det := range inf.Det {
		out = append(out, []string{
			key, inf.Ide.Number, inf.Ide.Series, issued, inf.Ide.Nature,
			inf.Emit.document(), inf.Emit.Name, inf.Dest.document(), inf.Dest.Name,
			det.Item, det.Prod.Code, det.Prod.Description, det.Prod.NCM, det.Prod.CFOP, det.Prod.Unit,
			det.Prod.Quantity, det.Prod.UnitValue, det.Prod.Total, inf.Total.Invoice,
		})
	}
	return out
}

func restoreText(col *Column, records [][]string, idx int) {
	if col == nil || idx < 0 {
		return
	}
	col.Type = TypeString
	for i, rec := range records {
		if s := strings.TrimSpace(rec[idx]); s != "" {
			col.Values[i] = s
		} else {
			col.Values[i] = nil
		}
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
