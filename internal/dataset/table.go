// Package dataset loads uploaded files into in-memory tables.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ColumnType is the inferred type of a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int64"
	case TypeFloat:
		return "float64"
	case TypeBool:
		return "bool"
	default:
		return "object"
	}
}

// Column holds one named, typed column. A nil value is a missing cell.
// Non-nil values are int64, float64, bool or string according to Type.
type Column struct {
	Name   string
	Type   ColumnType
	Values []any
}

// Table is an ordered set of equally long columns.
type Table struct {
	Name    string
	Columns []*Column
}

// NumRows returns the row count.
func (t *Table) NumRows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

// NumCols returns the column count.
func (t *Table) NumCols() int {
	return len(t.Columns)
}

// Header returns the column names in order.
func (t *Table) Header() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Row returns the values of row i in column order.
func (t *Table) Row(i int) []any {
	row := make([]any, len(t.Columns))
	for j, c := range t.Columns {
		row[j] = c.Values[i]
	}
	return row
}

// Clone returns a deep copy so a session can mutate its table freely.
func (t *Table) Clone() *Table {
	out := &Table{Name: t.Name, Columns: make([]*Column, len(t.Columns))}
	for i, c := range t.Columns {
		vals := make([]any, len(c.Values))
		copy(vals, c.Values)
		out.Columns[i] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

// Preview returns the header plus at most n formatted rows.
func (t *Table) Preview(n int) [][]string {
	if n > t.NumRows() {
		n = t.NumRows()
	}
	out := make([][]string, 0, n+1)
	out = append(out, t.Header())
	for i := 0; i < n; i++ {
		row := make([]string, len(t.Columns))
		for j, c := range t.Columns {
			row[j] = FormatValue(c.Values[i])
		}
		out = append(out, row)
	}
	return out
}

// WriteCSV writes the table as RFC 4180 CSV with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(t.Columns))
	for i := 0; i < t.NumRows(); i++ {
		for j, c := range t.Columns {
			if c.Values[i] == nil {
				record[j] = ""
				continue
			}
			record[j] = FormatValue(c.Values[i])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatValue renders a cell the way pandas prints it.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NaN"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return FormatFloat(v)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// FormatFloat prints floats with a trailing ".0" for integral values.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e16 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FromRecords builds a typed table from a header and string records.
// Short rows are padded with missing cells; long rows are truncated.
func FromRecords(name string, header []string, records [][]string, decimalComma bool) (*Table, error) {
	if len(header) == 0 {
		return nil, ErrEmpty
	}
	header = uniqueHeader(header)
	t := &Table{Name: name, Columns: make([]*Column, len(header))}
	for j, h := range header {
		raw := make([]string, len(records))
		for i, rec := range records {
			if j < len(rec) {
				raw[i] = rec[j]
			}
		}
		t.Columns[j] = inferColumn(h, raw, decimalComma)
	}
	return t, nil
}

// uniqueHeader fills blank names and suffixes duplicates the way pandas does.
func uniqueHeader(header []string) []string {
	out := make([]string, len(header))
	used := make(map[string]bool, len(header))
	counts := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("Unnamed: %d", i)
		}
		name := h
		for used[name] {
			counts[h]++
			name = fmt.Sprintf("%s.%d", h, counts[h])
		}
		used[name] = true
		out[i] = name
	}
	return out
}

func isMissing(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "NA", "N/A", "NaN", "nan", "null", "NULL", "None", "#N/A":
		return true
	}
	return false
}

func inferColumn(name string, raw []string, decimalComma bool) *Column {
	col := &Column{Name: name, Values: make([]any, len(raw))}

	allInt, allFloat, allBool, seen := true, true, true, false
	for _, s := range raw {
		if isMissing(s) {
			continue
		}
		seen = true
		s = strings.TrimSpace(s)
		if allInt {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, ok := parseFloat(s, decimalComma); !ok {
				allFloat = false
			}
		}
		if allBool {
			if _, ok := parseBool(s); !ok {
				allBool = false
			}
		}
	}

	switch {
	case !seen:
		col.Type = TypeFloat
	case allInt:
		col.Type = TypeInt
	case allFloat:
		col.Type = TypeFloat
	case allBool:
		col.Type = TypeBool
	default:
		col.Type = TypeString
	}

	// Missing values force int columns to float, as in pandas.
	if col.Type == TypeInt {
		for _, s := range raw {
			if isMissing(s) {
				col.Type = TypeFloat
				break
			}
		}
	}

	for i, s := range raw {
		if isMissing(s) {
			continue
		}
		s = strings.TrimSpace(s)
		switch col.Type {
		case TypeInt:
			n, _ := strconv.ParseInt(s, 10, 64)
			col.Values[i] = n
		case TypeFloat:
			f, _ := parseFloat(s, decimalComma)
			col.Values[i] = f
		case TypeBool:
			b, _ := parseBool(s)
			col.Values[i] = b
		default:
			col.Values[i] = s
		}
	}
	return col
}

func parseFloat(s string, decimalComma bool) (float64, bool) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if decimalComma && strings.Contains(s, ",") {
		normalized := strings.ReplaceAll(s, ".", "")
		normalized = strings.Replace(normalized, ",", ".", 1)
		if f, err := strconv.ParseFloat(normalized, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
