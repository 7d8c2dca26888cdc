package dataset

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// ParseXLSX loads every non-empty sheet of an OOXML workbook.
func ParseXLSX(name string, data []byte) ([]*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx %s: %w", name, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("failed to close workbook", "name", name, "error", closeErr)
		}
	}()

	sheets := f.GetSheetList()
	var tables []*Table
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s of %s: %w", sheet, name, err)
		}
		t, err := sheetTable(sheetName(name, sheet, len(sheets)), rows)
		if err != nil {
			slog.Debug("skipping empty sheet", "workbook", name, "sheet", sheet)
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// ParseXLS loads every non-empty sheet of a legacy BIFF workbook.
func ParseXLS(name string, data []byte) ([]*Table, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls %s: %w", name, err)
	}

	count := wb.NumSheets()
	var tables []*Table
	for i := 0; i < count; i++ {
		sheet := wb.GetSheet(i)
		if sheet == nil {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol()+1)
			for c := 0; c <= row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		t, err := sheetTable(sheetName(name, sheet.Name, count), rows)
		if err != nil {
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func sheetName(workbook, sheet string, count int) string {
	if count == 1 {
		return workbook
	}
	return workbook + "#" + sheet
}

// sheetTable uses the first non-blank row as the header.
func sheetTable(name string, rows [][]string) (*Table, error) {
	rows = dropBlankRecords(rows)
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	header := rows[0]
	for len(header) > 0 && strings.TrimSpace(header[len(header)-1]) == "" {
		header = header[:len(header)-1]
	}
	return FromRecords(name, header, rows[1:], false)
}
