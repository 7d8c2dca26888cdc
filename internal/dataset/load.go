package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrEmpty is returned for inputs without any data rows or header.
	ErrEmpty = errors.New("dataset is empty")
	// ErrUnsupportedFormat is returned when no loader recognizes the input.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Format identifies a loader.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
	FormatXML  Format = "xml"
	FormatZIP  Format = "zip"
)

// maxZipDepth stops archives nested inside archives from recursing forever.
const maxZipDepth = 2

// Detect picks a format from the content, falling back to the file extension.
func Detect(name string, data []byte) (Format, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return FormatXLSX, nil
	case mt.Is("application/vnd.ms-excel"), mt.Is("application/x-ole-storage"):
		return FormatXLS, nil
	case mt.Is("application/zip"):
		// Some writers produce xlsx files mimetype cannot tell from a plain zip.
		if strings.EqualFold(filepath.Ext(name), ".xlsx") {
			return FormatXLSX, nil
		}
		return FormatZIP, nil
	case mt.Is("text/xml"), mt.Is("application/xml"):
		return FormatXML, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	case ".xml":
		return FormatXML, nil
	case ".zip":
		return FormatZIP, nil
	}

	if strings.HasPrefix(mt.String(), "text/") {
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, name, mt.String())
}

// Load reads r fully and parses it into one or more tables. Workbooks yield
// one table per sheet and archives one table per supported member.
func Load(name string, r io.Reader) ([]*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return loadBytes(name, data, 0)
}

func loadBytes(name string, data []byte, depth int) ([]*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	format, err := Detect(name, data)
	if err != nil {
		return nil, err
	}

	var tables []*Table
	switch format {
	case FormatCSV:
		var t *Table
		t, err = ParseCSV(name, data)
		tables = []*Table{t}
	case FormatXLSX:
		tables, err = ParseXLSX(name, data)
	case FormatXLS:
		tables, err = ParseXLS(name, data)
	case FormatXML:
		var t *Table
		t, err = ParseNFe(name, data)
		tables = []*Table{t}
	case FormatZIP:
		if depth >= maxZipDepth {
			return nil, fmt.Errorf("%w: nested archive %s", ErrUnsupportedFormat, name)
		}
		tables, err = parseZip(name, data, depth+1)
	}
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	return tables, nil
}

// Pick selects a table by name. An empty name is accepted only when there
// is exactly one table.
func Pick(tables []*Table, name string) (*Table, error) {
	if name == "" {
		if len(tables) == 1 {
			return tables[0], nil
		}
		return nil, fmt.Errorf("%d tables available, choose one of %s", len(tables), strings.Join(Names(tables), ", "))
	}
	for _, t := range tables {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("table %q not found", name)
}

// Names lists table names in load order.
func Names(tables []*Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}
