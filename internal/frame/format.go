package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/datachat/internal/dataset"
)

// Frames and series longer than maxDisplayRows print only their first and
// last previewRows rows, as pandas does by default.
const (
	maxDisplayRows = 60
	previewRows    = 5
)

// formatColumn renders cells with one shared precision for float columns.
func formatColumn(vals []any, dt dataset.ColumnType) []string {
	out := make([]string, len(vals))
	if dt != dataset.TypeFloat {
		for i, v := range vals {
			out[i] = dataset.FormatValue(v)
		}
		return out
	}
	decimals, sci := 1, false
	for _, v := range vals {
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if a := math.Abs(f); a != 0 && (a >= 1e16 || a < 1e-4) {
			sci = true
		}
		s := strings.TrimRight(strconv.FormatFloat(f, 'f', 6, 64), "0")
		if i := strings.IndexByte(s, '.'); i >= 0 {
			decimals = max(decimals, len(s)-i-1)
		}
	}
	for i, v := range vals {
		f, ok := v.(float64)
		switch {
		case !ok || math.IsNaN(f):
			out[i] = "NaN"
		case math.IsInf(f, 0):
			out[i] = dataset.FormatFloat(f)
		case sci:
			out[i] = strconv.FormatFloat(f, 'e', 6, 64)
		default:
			out[i] = strconv.FormatFloat(f, 'f', decimals, 64)
		}
	}
	return out
}

func width(s string) int { return utf8.RuneCountInString(s) }

func padLeft(s string, w int) string {
	if n := width(s); n < w {
		return strings.Repeat(" ", w-n) + s
	}
	return s
}

func padRight(s string, w int) string {
	if n := width(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	return s
}

// displayRows returns the positions to print; -1 marks the ellipsis row.
func displayRows(n int, truncate bool) []int {
	if !truncate || n <= maxDisplayRows {
		pos := make([]int, n)
		for i := range pos {
			pos[i] = i
		}
		return pos
	}
	pos := make([]int, 0, 2*previewRows+1)
	for i := 0; i < previewRows; i++ {
		pos = append(pos, i)
	}
	pos = append(pos, -1)
	for i := n - previewRows; i < n; i++ {
		pos = append(pos, i)
	}
	return pos
}

func pick(vals []any, pos []int) []any {
	out := make([]any, 0, len(pos))
	for _, p := range pos {
		if p >= 0 {
			out = append(out, vals[p])
		}
	}
	return out
}

// withEllipsis re-inserts "..." where pos has -1.
func withEllipsis(cells []string, pos []int) []string {
	out := make([]string, 0, len(pos))
	j := 0
	for _, p := range pos {
		if p < 0 {
			out = append(out, "...")
			continue
		}
		out = append(out, cells[j])
		j++
	}
	return out
}

func indexCells(idx *Index, pos []int) []string {
	cells := make([]string, 0, len(pos))
	for _, p := range pos {
		if p >= 0 {
			cells = append(cells, formatLabel(idx.label(p)))
		}
	}
	return withEllipsis(cells, pos)
}

func indexTitle(idx *Index) string {
	if len(idx.names) > 0 {
		return strings.Join(idx.names, ", ")
	}
	return idx.name
}

func formatFrame(df *DataFrame, truncate bool) string {
	return formatTable(df, truncate, true)
}

func formatTable(df *DataFrame, truncate, showIndex bool) string {
	n := df.Rows()
	if len(df.cols) == 0 || n == 0 {
		names := make([]string, len(df.cols))
		for i, c := range df.cols {
			names[i] = c.name
		}
		return fmt.Sprintf("Empty DataFrame\nColumns: [%s]\nIndex: []", strings.Join(names, ", "))
	}
	pos := displayRows(n, truncate)

	idxCells := indexCells(df.index, pos)
	title := indexTitle(df.index)
	idxW := width(title)
	for _, c := range idxCells {
		idxW = max(idxW, width(c))
	}

	cols := make([][]string, len(df.cols))
	widths := make([]int, len(df.cols))
	for j, c := range df.cols {
		cols[j] = withEllipsis(formatColumn(pick(c.values, pos), c.dtype), pos)
		widths[j] = width(c.name)
		for _, cell := range cols[j] {
			widths[j] = max(widths[j], width(cell))
		}
	}

	var b strings.Builder
	writeRow := func(idx string, cells func(j int) string) {
		line := ""
		if showIndex {
			line = padRight(idx, idxW)
		}
		for j := range df.cols {
			if showIndex || j > 0 {
				line += "  "
			}
			line += padLeft(cells(j), widths[j])
		}
		b.WriteString(strings.TrimRight(line, " "))
		b.WriteByte('\n')
	}
	writeRow("", func(j int) string { return df.cols[j].name })
	if showIndex && title != "" && !df.index.isRange() {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	for i := range pos {
		writeRow(idxCells[i], func(j int) string { return cols[j][i] })
	}
	out := strings.TrimRight(b.String(), "\n")
	if len(pos) != n {
		out += fmt.Sprintf("\n\n[%d rows x %d columns]", n, len(df.cols))
	}
	return out
}

func formatSeries(s *Series) string {
	n := s.Len()
	var footer []string
	if s.name != "" {
		footer = append(footer, "Name: "+s.name)
	}
	pos := displayRows(n, true)
	if len(pos) != n {
		footer = append(footer, fmt.Sprintf("Length: %d", n))
	}
	footer = append(footer, "dtype: "+s.dtype.String())
	if n == 0 {
		return "Series([], " + strings.Join(footer, ", ") + ")"
	}

	idxCells := indexCells(s.index, pos)
	vals := withEllipsis(formatColumn(pick(s.values, pos), s.dtype), pos)
	idxW, valW := 0, 0
	for i := range pos {
		idxW = max(idxW, width(idxCells[i]))
		valW = max(valW, width(vals[i]))
	}

	var b strings.Builder
	if title := indexTitle(s.index); title != "" && !s.index.isRange() {
		b.WriteString(title)
		b.WriteByte('\n')
	}
	for i := range pos {
		b.WriteString(padRight(idxCells[i], idxW))
		b.WriteString("    ")
		b.WriteString(padLeft(vals[i], valW))
		b.WriteByte('\n')
	}
	b.WriteString(strings.Join(footer, ", "))
	return b.String()
}
